// Package pathmap maps the virtual tree exposed over FUSE onto the
// configured source directories. Virtual paths are slash-separated and
// mount-relative; the empty path is the synthetic root that lists one
// entry per source root.
package pathmap

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ticpu/heicfs/pkg/imaging"
	"github.com/ticpu/heicfs/pkg/xerrors"
)

// VirtualExt is the extension every projected image file carries.
const VirtualExt = ".heic"

// resolveOrder breaks stem collisions deterministically: when several
// supported siblings share a stem, the first extension in this list
// wins. Resolution stays stable under concurrent directory changes.
var resolveOrder = []string{"heic", "jpg", "jpeg", "png", "webp", "tiff", "bmp", "gif"}

// SourceRoot is one configured source directory.
type SourceRoot struct {
	RealRoot  string // absolute, canonicalized at construction
	MountName string // single path component, unique across the config
	Recursive bool
	Detector  *imaging.Detector
}

// Entry is one projected directory entry.
type Entry struct {
	Name     string
	IsDir    bool
	RealPath string
}

// Mapper resolves virtual paths against the source roots and projects
// real directories into the virtual tree.
type Mapper struct {
	roots      map[string]*SourceRoot
	mountNames []string
	mountPoint string // canonicalized, excluded from projection
}

// New canonicalizes the roots and mount point and validates mount names.
func New(roots []SourceRoot, mountPoint string) (*Mapper, error) {
	m := &Mapper{
		roots:      make(map[string]*SourceRoot, len(roots)),
		mountPoint: canonicalize(mountPoint),
	}
	for i := range roots {
		root := roots[i]
		if root.MountName == "" || strings.ContainsRune(root.MountName, '/') ||
			root.MountName == "." || root.MountName == ".." {
			return nil, xerrors.E(xerrors.KindInvalid, "pathmap.mount_name", root.MountName)
		}
		if _, dup := m.roots[root.MountName]; dup {
			return nil, xerrors.E(xerrors.KindInvalid, "pathmap.duplicate_mount_name", root.MountName)
		}
		canon, err := filepath.EvalSymlinks(root.RealRoot)
		if err == nil {
			canon, err = filepath.Abs(canon)
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalid, "pathmap.root", root.RealRoot, err)
		}
		root.RealRoot = canon
		m.roots[root.MountName] = &root
		m.mountNames = append(m.mountNames, root.MountName)
	}
	sort.Strings(m.mountNames)
	return m, nil
}

func canonicalize(p string) string {
	if p == "" {
		return ""
	}
	if canon, err := filepath.EvalSymlinks(p); err == nil {
		p = canon
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// split separates a virtual path into mount name and subpath and
// rejects traversal components.
func (m *Mapper) split(v string) (*SourceRoot, string, error) {
	v = strings.Trim(v, "/")
	if v == "" {
		return nil, "", xerrors.E(xerrors.KindInvalid, "pathmap.split", v)
	}
	for _, comp := range strings.Split(v, "/") {
		if comp == ".." || comp == "" {
			return nil, "", xerrors.E(xerrors.KindInvalid, "pathmap.split", v)
		}
	}
	name, sub, _ := strings.Cut(v, "/")
	root, ok := m.roots[name]
	if !ok {
		return nil, "", xerrors.E(xerrors.KindNotFound, "pathmap.split", v)
	}
	return root, sub, nil
}

// Resolve maps a virtual path to its real path. The empty virtual path
// and mount names resolve as directories. A `.heic` leaf resolves to
// the sibling source file sharing its stem, in resolveOrder.
func (m *Mapper) Resolve(v string) (Entry, error) {
	v = strings.Trim(v, "/")
	if v == "" {
		return Entry{Name: "", IsDir: true}, nil
	}
	root, sub, err := m.split(v)
	if err != nil {
		return Entry{}, err
	}
	if sub == "" {
		return Entry{Name: root.MountName, IsDir: true, RealPath: root.RealRoot}, nil
	}
	if !root.Recursive && strings.Contains(sub, "/") {
		return Entry{}, xerrors.E(xerrors.KindNotFound, "pathmap.resolve", v)
	}

	real := filepath.Join(root.RealRoot, filepath.FromSlash(sub))
	name := filepath.Base(real)

	if info, err := os.Stat(real); err == nil && info.IsDir() {
		if m.excluded(real) {
			return Entry{}, xerrors.E(xerrors.KindNotFound, "pathmap.resolve", v)
		}
		if !root.Recursive {
			return Entry{}, xerrors.E(xerrors.KindNotFound, "pathmap.resolve", v)
		}
		return Entry{Name: name, IsDir: true, RealPath: real}, nil
	}

	if !strings.HasSuffix(strings.ToLower(name), VirtualExt) {
		return Entry{}, xerrors.E(xerrors.KindNotFound, "pathmap.resolve", v)
	}
	stem := real[:len(real)-len(VirtualExt)]
	for _, ext := range resolveOrder {
		candidate := stem + "." + ext
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return Entry{Name: name, IsDir: false, RealPath: candidate}, nil
		}
	}
	return Entry{}, xerrors.E(xerrors.KindNotFound, "pathmap.resolve", v)
}

// ProjectDir lists the virtual directory v. Image files appear with
// their extension rewritten to .heic, directories by name, everything
// else is omitted. Entries are sorted by name; the mount point and its
// ancestors never appear.
func (m *Mapper) ProjectDir(v string) ([]Entry, error) {
	v = strings.Trim(v, "/")
	if v == "" {
		entries := make([]Entry, 0, len(m.mountNames))
		for _, name := range m.mountNames {
			root := m.roots[name]
			if _, err := os.Stat(root.RealRoot); err != nil {
				continue
			}
			entries = append(entries, Entry{Name: name, IsDir: true, RealPath: root.RealRoot})
		}
		return entries, nil
	}

	root, sub, err := m.split(v)
	if err != nil {
		return nil, err
	}
	if sub != "" && !root.Recursive {
		return nil, xerrors.E(xerrors.KindNotFound, "pathmap.project", v)
	}
	realDir := filepath.Join(root.RealRoot, filepath.FromSlash(sub))
	// Only an exact match is unlistable here: directories on the path
	// toward an interior mount point still list normally, with the
	// offending child omitted below.
	if realDir == m.mountPoint {
		return nil, xerrors.E(xerrors.KindNotFound, "pathmap.project", v)
	}

	dirents, err := os.ReadDir(realDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.Wrap(xerrors.KindNotFound, "pathmap.project", v, err)
		}
		return nil, xerrors.Wrap(xerrors.KindInternal, "pathmap.project", v, err)
	}

	seen := make(map[string]bool, len(dirents))
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		child := filepath.Join(realDir, de.Name())
		if m.excluded(child) {
			continue
		}
		if de.IsDir() {
			if !root.Recursive {
				continue
			}
			entries = append(entries, Entry{Name: de.Name(), IsDir: true, RealPath: child})
			continue
		}
		if root.Detector.IsImage(child) == imaging.FormatUnknown {
			continue
		}
		name := virtualName(de.Name())
		if seen[name] {
			continue
		}
		seen[name] = true
		entries = append(entries, Entry{Name: name, IsDir: false, RealPath: child})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// RealSize returns the source file's byte size, used for artifact keys.
func (m *Mapper) RealSize(real string) (int64, error) {
	info, err := os.Stat(real)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindNotFound, "pathmap.real_size", real, err)
	}
	return info.Size(), nil
}

// excluded reports whether p is the mount point or one of its
// ancestors; projecting either would create a cycle through the mount.
func (m *Mapper) excluded(p string) bool {
	if m.mountPoint == "" {
		return false
	}
	if p == m.mountPoint {
		return true
	}
	return strings.HasPrefix(m.mountPoint, p+string(filepath.Separator))
}

func virtualName(realName string) string {
	ext := filepath.Ext(realName)
	if ext == "" {
		return realName + VirtualExt
	}
	return realName[:len(realName)-len(ext)] + VirtualExt
}
