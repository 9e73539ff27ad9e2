package imaging

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// Format identifies a supported source image format.
type Format int

const (
	FormatUnknown Format = iota
	FormatJpeg
	FormatPng
	FormatGif
	FormatWebp
	FormatBmp
	FormatTiff
	FormatHeic
)

// String returns the conventional lowercase name of the format.
func (f Format) String() string {
	switch f {
	case FormatJpeg:
		return "jpeg"
	case FormatPng:
		return "png"
	case FormatGif:
		return "gif"
	case FormatWebp:
		return "webp"
	case FormatBmp:
		return "bmp"
	case FormatTiff:
		return "tiff"
	case FormatHeic:
		return "heic"
	default:
		return "unknown"
	}
}

// sniffLen bounds how much of a file the magic check reads.
const sniffLen = 32

var heicBrands = [][]byte{
	[]byte("heic"),
	[]byte("heix"),
	[]byte("mif1"),
	[]byte("msf1"),
}

// Sniff classifies a byte prefix by magic signature.
func Sniff(data []byte) Format {
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return FormatJpeg
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return FormatPng
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return FormatGif
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebp
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("BM")):
		return FormatBmp
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte{'I', 'I', '*', 0}) || bytes.Equal(data[:4], []byte{'M', 'M', 0, '*'})):
		return FormatTiff
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")) && isHeicBrand(data[8:12]):
		return FormatHeic
	default:
		return FormatUnknown
	}
}

func isHeicBrand(brand []byte) bool {
	for _, b := range heicBrands {
		if bytes.Equal(brand, b) {
			return true
		}
	}
	return false
}

// DefaultPattern matches the extensions of every supported source format.
const DefaultPattern = `(?i)\.(jpe?g|png|gif|webp|bmp|tiff?|heic|heif)$`

// Detector decides whether a real file should be projected as an image.
// The decision is the AND of a filename gate and a magic-byte gate.
type Detector struct {
	patterns []*regexp.Regexp
}

// NewDetector compiles the filename patterns. An empty set falls back to
// DefaultPattern.
func NewDetector(patterns []string) (*Detector, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultPattern}
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return &Detector{patterns: compiled}, nil
}

// MatchesName reports whether the path's final component passes the
// filename gate.
func (d *Detector) MatchesName(path string) bool {
	name := filepath.Base(path)
	for _, re := range d.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// IsImage classifies the file at path. A file that cannot be opened or
// read classifies as Unknown; no error is propagated.
func (d *Detector) IsImage(path string) Format {
	if !d.MatchesName(path) {
		return FormatUnknown
	}
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown
	}
	defer f.Close()
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return FormatUnknown
	}
	return Sniff(buf[:n])
}
