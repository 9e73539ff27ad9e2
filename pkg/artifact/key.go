package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
)

// Key computes the content address for one source file: the lowercase
// hex SHA-256 of the real path, a zero separator byte and the decimal
// original size. Encoder params are deliberately excluded; changing
// them requires a purge.
func Key(realPath string, originalSize int64) string {
	h := sha256.New()
	h.Write([]byte(realPath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(originalSize, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

var (
	shardDirRe  = regexp.MustCompile(`^[0-9a-f]{2}$`)
	shardFileRe = regexp.MustCompile(`^[0-9a-f]{62}$`)
	keyRe       = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// ValidKey reports whether s has the 64-hex key shape.
func ValidKey(s string) bool { return keyRe.MatchString(s) }
