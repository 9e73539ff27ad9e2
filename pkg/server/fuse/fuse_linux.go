//go:build linux

package fuse

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/ticpu/heicfs/pkg/artifact"
	"github.com/ticpu/heicfs/pkg/imaging"
	"github.com/ticpu/heicfs/pkg/pathmap"
	"github.com/ticpu/heicfs/pkg/pipeline"
	"github.com/ticpu/heicfs/pkg/xerrors"
)

const defaultBlkSz = 4096

// Options wires the core components into the mount.
type Options struct {
	Mountpoint    string
	Mapper        *pathmap.Mapper
	Store         *artifact.Store
	Pool          *pipeline.Pool
	Detector      *imaging.Detector
	AttrTimeout   time.Duration
	PrefetchCount int
	AllowOther    bool
	Logger        logrus.FieldLogger
}

// Mount exposes the virtual tree at the mountpoint and serves until
// ctx is cancelled or the filesystem is unmounted externally.
func Mount(ctx context.Context, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	state := &adapterState{
		mapper:      opts.Mapper,
		store:       opts.Store,
		pool:        opts.Pool,
		detector:    opts.Detector,
		inodes:      newInodeTable(),
		attrTimeout: opts.AttrTimeout,
		prefetch:    opts.PrefetchCount,
		uid:         uint32(os.Getuid()),
		gid:         uint32(os.Getgid()),
		log:         opts.Logger,
	}
	root := &dirNode{state: state, vpath: ""}
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "heicfs",
			Name:       "heicfs",
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = server.Unmount()
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// adapterState is shared by every node of one mount.
type adapterState struct {
	mapper      *pathmap.Mapper
	store       *artifact.Store
	pool        *pipeline.Pool
	detector    *imaging.Detector
	inodes      *inodeTable
	attrTimeout time.Duration
	prefetch    int
	uid, gid    uint32
	log         logrus.FieldLogger
}

// statfs reports the cache directory's backing filesystem.
func (s *adapterState) statfs(out *fuse.StatfsOut) syscall.Errno {
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.store.Root(), &st); err != nil {
		return gofuse.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return 0
}

// fileSize advertises the cached artifact length when the artifact
// exists, the original size otherwise. The switch after first read is
// a documented inconsistency inherited from the conversion-on-demand
// model.
func (s *adapterState) fileSize(realPath string) (int64, error) {
	origSize, err := s.mapper.RealSize(realPath)
	if err != nil {
		return 0, err
	}
	if cached, ok := s.store.Length(artifact.Key(realPath, origSize)); ok {
		return cached, nil
	}
	return origSize, nil
}

func (s *adapterState) fileAttr(attr *fuse.Attr, ino uint64, realPath string) syscall.Errno {
	size, err := s.fileSize(realPath)
	if err != nil {
		return xerrors.Errno(err)
	}
	info, statErr := os.Stat(realPath)
	now := time.Now()
	attr.Ino = ino
	attr.Mode = fuse.S_IFREG | 0o444
	attr.Size = uint64(size)
	attr.Blocks = (uint64(size) + 511) / 512
	attr.Blksize = defaultBlkSz
	attr.Nlink = 1
	attr.Owner = fuse.Owner{Uid: s.uid, Gid: s.gid}
	mtime, ctime := now, now
	if statErr == nil {
		mtime = info.ModTime()
		ctime = mtime
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
		}
	}
	setAttrTimes(attr, now, mtime, ctime)
	return 0
}

func (s *adapterState) dirAttr(attr *fuse.Attr, ino uint64, realPath string) {
	now := time.Now()
	attr.Ino = ino
	attr.Mode = fuse.S_IFDIR | 0o555
	attr.Blksize = defaultBlkSz
	attr.Nlink = 1
	attr.Owner = fuse.Owner{Uid: s.uid, Gid: s.gid}
	mtime, ctime := now, now
	if realPath != "" {
		if info, err := os.Stat(realPath); err == nil {
			mtime = info.ModTime()
			ctime = mtime
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
			}
		}
	}
	setAttrTimes(attr, now, mtime, ctime)
}

func setAttrTimes(attr *fuse.Attr, atime, mtime, ctime time.Time) {
	attr.Atime = uint64(atime.Unix())
	attr.Atimensec = uint32(atime.Nanosecond())
	attr.Mtime = uint64(mtime.Unix())
	attr.Mtimensec = uint32(mtime.Nanosecond())
	attr.Ctime = uint64(ctime.Unix())
	attr.Ctimensec = uint32(ctime.Nanosecond())
}

// prefetchSiblings submits the next images after realPath, in name
// order, for background conversion.
func (s *adapterState) prefetchSiblings(realPath string) {
	parent := filepath.Dir(realPath)
	current := filepath.Base(realPath)
	dirents, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	var images []string
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		child := filepath.Join(parent, de.Name())
		if s.detector.IsImage(child) == imaging.FormatUnknown {
			continue
		}
		images = append(images, de.Name())
	}
	sort.Strings(images)
	idx := sort.SearchStrings(images, current)
	if idx >= len(images) || images[idx] != current {
		return
	}
	remaining := s.prefetch
	for _, name := range images[idx+1:] {
		if remaining <= 0 {
			return
		}
		sibling := filepath.Join(parent, name)
		size, err := s.mapper.RealSize(sibling)
		if err != nil {
			continue
		}
		s.pool.Prefetch(artifact.Key(sibling, size), sibling)
		remaining--
	}
}

// dirNode is a directory in the virtual tree; vpath "" is the
// synthetic root that lists mount names.
type dirNode struct {
	gofuse.Inode
	state *adapterState
	vpath string
	real  string
}

var (
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
	_ gofuse.NodeStatfser  = (*dirNode)(nil)
)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinVirtual(d.vpath, name)
	entry, err := d.state.mapper.Resolve(childPath)
	if err != nil {
		return nil, xerrors.Errno(err)
	}
	ino := d.state.inodes.Assign(childPath)
	if entry.IsDir {
		child := &dirNode{state: d.state, vpath: childPath, real: entry.RealPath}
		d.state.dirAttr(&out.Attr, ino, entry.RealPath)
		fillEntryOut(out, ino, d.state.attrTimeout)
		return d.NewInode(ctx, child, gofuse.StableAttr{Mode: fuse.S_IFDIR, Ino: ino}), 0
	}
	child := &fileNode{state: d.state, vpath: childPath, real: entry.RealPath}
	if errno := d.state.fileAttr(&out.Attr, ino, entry.RealPath); errno != 0 {
		return nil, errno
	}
	fillEntryOut(out, ino, d.state.attrTimeout)
	return d.NewInode(ctx, child, gofuse.StableAttr{Mode: fuse.S_IFREG, Ino: ino}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, err := d.state.mapper.ProjectDir(d.vpath)
	if err != nil {
		return nil, xerrors.Errno(err)
	}
	dirEntries := make([]fuse.DirEntry, 0, len(entries)+2)
	dirEntries = append(dirEntries, fuse.DirEntry{
		Name: ".", Mode: fuse.S_IFDIR, Ino: d.state.inodes.Assign(d.vpath),
	})
	dirEntries = append(dirEntries, fuse.DirEntry{
		Name: "..", Mode: fuse.S_IFDIR, Ino: d.state.inodes.Assign(parentVirtual(d.vpath)),
	})
	for _, entry := range entries {
		mode := uint32(fuse.S_IFREG)
		if entry.IsDir {
			mode = fuse.S_IFDIR
		}
		dirEntries = append(dirEntries, fuse.DirEntry{
			Name: entry.Name,
			Mode: mode,
			Ino:  d.state.inodes.Assign(joinVirtual(d.vpath, entry.Name)),
		})
	}
	return gofuse.NewListDirStream(dirEntries), 0
}

func (d *dirNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	d.state.dirAttr(&out.Attr, d.state.inodes.Assign(d.vpath), d.real)
	out.SetTimeout(d.state.attrTimeout)
	return 0
}

func (d *dirNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return d.state.statfs(out)
}

// fileNode is a virtual .heic file backed by one source image.
type fileNode struct {
	gofuse.Inode
	state *adapterState
	vpath string
	real  string
}

var (
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeReader    = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
	_ gofuse.NodeStatfser  = (*fileNode)(nil)
)

// fileHandle carries the inode id; there is no other per-handle state.
type fileHandle struct {
	ino uint64
}

var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Release(ctx context.Context) syscall.Errno { return 0 }

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, 0, syscall.EACCES
	}
	if _, err := os.Stat(f.real); err != nil {
		return nil, 0, xerrors.Errno(xerrors.Wrap(xerrors.KindNotFound, "open", f.vpath, err))
	}
	return &fileHandle{ino: f.state.inodes.Assign(f.vpath)}, 0, 0
}

func (f *fileNode) Read(ctx context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	size, err := f.state.mapper.RealSize(f.real)
	if err != nil {
		return nil, xerrors.Errno(err)
	}
	key := artifact.Key(f.real, size)

	data, ok, err := f.state.store.Get(key)
	if err != nil {
		return nil, xerrors.Errno(err)
	}
	if !ok {
		f.state.log.WithField("path", f.vpath).Debug("cache miss, converting")
		data, err = f.state.pool.Ensure(ctx, key, f.real)
		if err != nil {
			if ctx.Err() != nil {
				return nil, syscall.EINTR
			}
			return nil, xerrors.Errno(err)
		}
	}

	if f.state.prefetch > 0 {
		f.state.prefetchSiblings(f.real)
	}

	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if errno := f.state.fileAttr(&out.Attr, f.state.inodes.Assign(f.vpath), f.real); errno != 0 {
		return errno
	}
	out.SetTimeout(f.state.attrTimeout)
	return 0
}

func (f *fileNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return f.state.statfs(out)
}

func fillEntryOut(out *fuse.EntryOut, ino uint64, timeout time.Duration) {
	out.NodeId = ino
	out.SetEntryTimeout(timeout)
	out.SetAttrTimeout(timeout)
}

func parentVirtual(vpath string) string {
	if vpath == "" {
		return ""
	}
	for i := len(vpath) - 1; i >= 0; i-- {
		if vpath[i] == '/' {
			return vpath[:i]
		}
	}
	return ""
}
