package pathmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ticpu/heicfs/pkg/imaging"
	"github.com/ticpu/heicfs/pkg/xerrors"
)

var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 13}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newMapper(t *testing.T, roots []SourceRoot, mountPoint string) *Mapper {
	t.Helper()
	m, err := New(roots, mountPoint)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func detector(t *testing.T) *imaging.Detector {
	t.Helper()
	d, err := imaging.NewDetector(nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestNewValidation(t *testing.T) {
	dir := t.TempDir()
	d := detector(t)

	t.Run("bad mount name", func(t *testing.T) {
		_, err := New([]SourceRoot{{RealRoot: dir, MountName: "a/b", Detector: d}}, "")
		if err == nil {
			t.Error("expected error for multi-component mount name")
		}
	})

	t.Run("duplicate mount name", func(t *testing.T) {
		_, err := New([]SourceRoot{
			{RealRoot: dir, MountName: "pics", Detector: d},
			{RealRoot: dir, MountName: "pics", Detector: d},
		}, "")
		if err == nil {
			t.Error("expected error for duplicate mount name")
		}
	})

	t.Run("missing root", func(t *testing.T) {
		_, err := New([]SourceRoot{{RealRoot: filepath.Join(dir, "nope"), MountName: "pics", Detector: d}}, "")
		if err == nil {
			t.Error("expected error for nonexistent root")
		}
	})
}

func TestResolve(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.jpg"), jpegMagic)
	writeFile(t, filepath.Join(src, "both.jpg"), jpegMagic)
	writeFile(t, filepath.Join(src, "both.png"), pngMagic)
	writeFile(t, filepath.Join(src, "only.png"), pngMagic)
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, "sub", "deep.jpg"), jpegMagic)

	m := newMapper(t, []SourceRoot{
		{RealRoot: src, MountName: "pictures", Recursive: true, Detector: detector(t)},
	}, "")

	t.Run("root", func(t *testing.T) {
		entry, err := m.Resolve("")
		if err != nil || !entry.IsDir {
			t.Fatalf("root should resolve as directory, err=%v", err)
		}
	})

	t.Run("mount name", func(t *testing.T) {
		entry, err := m.Resolve("pictures")
		if err != nil {
			t.Fatal(err)
		}
		if !entry.IsDir || entry.RealPath == "" {
			t.Errorf("unexpected entry %+v", entry)
		}
	})

	t.Run("heic maps to jpg sibling", func(t *testing.T) {
		entry, err := m.Resolve("pictures/a.heic")
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(entry.RealPath) != "a.jpg" {
			t.Errorf("resolved to %s, want a.jpg", entry.RealPath)
		}
	})

	t.Run("tie break prefers jpg over png", func(t *testing.T) {
		entry, err := m.Resolve("pictures/both.heic")
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(entry.RealPath) != "both.jpg" {
			t.Errorf("resolved to %s, want both.jpg", entry.RealPath)
		}
	})

	t.Run("png sibling when no jpg", func(t *testing.T) {
		entry, err := m.Resolve("pictures/only.heic")
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(entry.RealPath) != "only.png" {
			t.Errorf("resolved to %s, want only.png", entry.RealPath)
		}
	})

	t.Run("nested file", func(t *testing.T) {
		entry, err := m.Resolve("pictures/sub/deep.heic")
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Base(entry.RealPath) != "deep.jpg" {
			t.Errorf("resolved to %s, want deep.jpg", entry.RealPath)
		}
	})

	t.Run("subdirectory", func(t *testing.T) {
		entry, err := m.Resolve("pictures/sub")
		if err != nil || !entry.IsDir {
			t.Fatalf("sub should resolve as directory, err=%v", err)
		}
	})

	t.Run("unknown mount", func(t *testing.T) {
		_, err := m.Resolve("videos/a.heic")
		if xerrors.KindOf(err) != xerrors.KindNotFound {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("missing stem", func(t *testing.T) {
		_, err := m.Resolve("pictures/nothing.heic")
		if xerrors.KindOf(err) != xerrors.KindNotFound {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("non heic leaf", func(t *testing.T) {
		_, err := m.Resolve("pictures/a.jpg")
		if xerrors.KindOf(err) != xerrors.KindNotFound {
			t.Errorf("expected NotFound, got %v", err)
		}
	})

	t.Run("traversal rejected", func(t *testing.T) {
		_, err := m.Resolve("pictures/../etc/passwd.heic")
		if xerrors.KindOf(err) != xerrors.KindInvalid {
			t.Errorf("expected InvalidInput, got %v", err)
		}
	})
}

func TestResolveHeicRecompression(t *testing.T) {
	src := t.TempDir()
	heicData := append([]byte{0, 0, 0, 0x18}, []byte("ftypheic....")...)
	writeFile(t, filepath.Join(src, "shot.heic"), heicData)
	writeFile(t, filepath.Join(src, "shot.jpg"), jpegMagic)

	m := newMapper(t, []SourceRoot{
		{RealRoot: src, MountName: "pics", Recursive: true, Detector: detector(t)},
	}, "")

	// heic wins the tie break so an existing HEIC is re-compressed.
	entry, err := m.Resolve("pics/shot.heic")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(entry.RealPath) != "shot.heic" {
		t.Errorf("resolved to %s, want shot.heic", entry.RealPath)
	}
}

func TestProjectDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "b.png"), pngMagic)
	writeFile(t, filepath.Join(src, "a.jpg"), jpegMagic)
	writeFile(t, filepath.Join(src, "notes.txt"), []byte("text"))
	writeFile(t, filepath.Join(src, "fake.jpg"), []byte("not an image"))
	if err := os.MkdirAll(filepath.Join(src, "albums"), 0o755); err != nil {
		t.Fatal(err)
	}

	m := newMapper(t, []SourceRoot{
		{RealRoot: src, MountName: "pictures", Recursive: true, Detector: detector(t)},
	}, "")

	t.Run("root lists mount names", func(t *testing.T) {
		entries, err := m.ProjectDir("")
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || entries[0].Name != "pictures" || !entries[0].IsDir {
			t.Errorf("unexpected root entries %+v", entries)
		}
	})

	t.Run("projection rewrites and sorts", func(t *testing.T) {
		entries, err := m.ProjectDir("pictures")
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
		}
		want := []string{"a.heic", "albums", "b.heic"}
		if len(names) != len(want) {
			t.Fatalf("entries %v, want %v", names, want)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Fatalf("entries %v, want %v", names, want)
			}
		}
	})

	t.Run("collisions deduplicate", func(t *testing.T) {
		writeFile(t, filepath.Join(src, "dup.jpg"), jpegMagic)
		writeFile(t, filepath.Join(src, "dup.png"), pngMagic)
		entries, err := m.ProjectDir("pictures")
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		for _, e := range entries {
			if e.Name == "dup.heic" {
				count++
			}
		}
		if count != 1 {
			t.Errorf("dup.heic emitted %d times, want 1", count)
		}
	})
}

func TestProjectDirNonRecursive(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "top.jpg"), jpegMagic)
	writeFile(t, filepath.Join(src, "sub", "deep.jpg"), jpegMagic)

	m := newMapper(t, []SourceRoot{
		{RealRoot: src, MountName: "downloads", Recursive: false, Detector: detector(t)},
	}, "")

	entries, err := m.ProjectDir("downloads")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "top.heic" {
		t.Errorf("non-recursive projection %+v, want only top.heic", entries)
	}

	if _, err := m.ProjectDir("downloads/sub"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Errorf("expected NotFound for nested dir listing, got %v", err)
	}
	if _, err := m.Resolve("downloads/sub/deep.heic"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Errorf("expected NotFound for nested resolve, got %v", err)
	}
}

func TestMountPointExclusion(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.jpg"), jpegMagic)
	mnt := filepath.Join(src, "mnt")
	if err := os.MkdirAll(mnt, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "tree", "inner"), 0o755); err != nil {
		t.Fatal(err)
	}

	t.Run("mount point itself excluded", func(t *testing.T) {
		m := newMapper(t, []SourceRoot{
			{RealRoot: src, MountName: "pictures", Recursive: true, Detector: detector(t)},
		}, mnt)
		entries, err := m.ProjectDir("pictures")
		if err != nil {
			t.Fatal(err)
		}
		var sawImage bool
		for _, e := range entries {
			if e.Name == "mnt" {
				t.Error("mount point must not be projected")
			}
			if e.Name == "a.heic" {
				sawImage = true
			}
		}
		if !sawImage {
			t.Error("listing a root containing the mount point must still project its images")
		}
	})

	t.Run("ancestor of mount point excluded", func(t *testing.T) {
		m := newMapper(t, []SourceRoot{
			{RealRoot: src, MountName: "pictures", Recursive: true, Detector: detector(t)},
		}, filepath.Join(src, "tree", "inner"))
		entries, err := m.ProjectDir("pictures")
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if e.Name == "tree" {
				t.Error("ancestor of the mount point must not be projected")
			}
		}
	})
}

func TestRealSize(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.jpg"), jpegMagic)
	m := newMapper(t, []SourceRoot{
		{RealRoot: src, MountName: "pics", Recursive: true, Detector: detector(t)},
	}, "")

	size, err := m.RealSize(filepath.Join(src, "a.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(jpegMagic)) {
		t.Errorf("size = %d, want %d", size, len(jpegMagic))
	}

	_, err = m.RealSize(filepath.Join(src, "gone.jpg"))
	var xe *xerrors.Error
	if !errors.As(err, &xe) || xe.Kind != xerrors.KindNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}
