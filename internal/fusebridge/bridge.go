// Package fusebridge adapts a vfs.Filesystem to jacobsa/fuse's
// fuseutil.FileSystem, the small external interface spec.md names as
// out-of-scope for the engines themselves (spec.md §1, §6). It is modeled
// on distr1-distri/internal/fuse/fuse.go's fuseFS and
// jacobsa-fuse/samples/roloopbackfs's readonlyLoopbackFs.
package fusebridge

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/bcopeland/fszoo/internal/vfs"
)

// never matches distr1-distri/internal/fuse/fuse.go's cache-forever
// sentinel: both engines' mounted images are immutable for the mount's
// lifetime, so attribute/entry caching never needs to expire.
var never = time.Now().Add(365 * 24 * time.Hour)

type handleEntry struct {
	h vfs.FileHandle
}

// FS implements fuseutil.FileSystem over a vfs.Filesystem. The bridge is
// oblivious to which engine backs fs (spec.md §9 "Dynamic dispatch across
// engines").
type FS struct {
	fuseutil.NotImplementedFileSystem

	fs     vfs.Filesystem
	logger *log.Logger

	mu        sync.Mutex
	nextFH    fuseops.HandleID
	fileHands map[fuseops.HandleID]*handleEntry
}

var _ fuseutil.FileSystem = (*FS)(nil)

// New wraps fs for mounting.
func New(fs vfs.Filesystem, logger *log.Logger) *FS {
	return &FS{
		fs:        fs,
		logger:    logger,
		fileHands: make(map[fuseops.HandleID]*handleEntry),
	}
}

// Mount mounts fs at mountpoint and returns a function that blocks until
// the filesystem is unmounted, mirroring distr1-distri/internal/fuse.go's
// Mount/join split.
func Mount(ctx context.Context, mountpoint string, fs vfs.Filesystem, logger *log.Logger) (join func(context.Context) error, err error) {
	server := fuseutil.NewFileSystemServer(New(fs, logger))

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "fszoo",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}
	return mfs.Join, nil
}

func modeToFileMode(raw uint32) os.FileMode {
	perm := os.FileMode(raw & 0777)
	switch raw & unix.S_IFMT {
	case unix.S_IFDIR:
		return os.ModeDir | perm
	case unix.S_IFLNK:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}

func attributesFromStat(st vfs.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  st.Size,
		Nlink: uint64(st.Nlink),
		Mode:  modeToFileMode(st.Mode),
		Atime: st.Atime,
		Mtime: st.Mtime,
		Ctime: st.Ctime,
		Uid:   st.Uid,
		Gid:   st.Gid,
	}
}

// errno translates the engine's typed vfs.Error into the FUSE errno
// convention spec.md §4.5/§6 names (NotFound -> ENOENT, Unsupported ->
// ENOSYS, everything else -> EIO), logging the underlying cause the way distr1-distri's bridge does
// before collapsing it to an errno.
func (fs *FS) errno(op string, err error) error {
	if err == nil {
		return nil
	}
	verr, ok := err.(*vfs.Error)
	if !ok {
		fs.logger.Printf("%s: %v", op, err)
		return fuse.EIO
	}
	switch verr.Kind {
	case vfs.KindNotFound:
		return fuse.ENOENT
	case vfs.KindUnsupported:
		return fuse.ENOSYS
	default:
		fs.logger.Printf("%s: %v", op, verr)
		return fuse.EIO
	}
}

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := fs.fs.Statfs()
	if err != nil {
		return fs.errno("StatFS", err)
	}
	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	st, err := fs.fs.Lookup(vfs.InodeNumber(op.Parent), op.Name)
	if err != nil {
		return fs.errno("LookUpInode", err)
	}
	op.Entry.Child = fuseops.InodeID(st.Ino)
	op.Entry.Attributes = attributesFromStat(st)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	st, err := fs.fs.Stat(vfs.InodeNumber(op.Inode))
	if err != nil {
		return fs.errno("GetInodeAttributes", err)
	}
	op.Attributes = attributesFromStat(st)
	op.AttributesExpiration = never
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if _, err := fs.fs.Stat(vfs.InodeNumber(op.Inode)); err != nil {
		return fs.errno("OpenDir", err)
	}
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	entries, err := fs.fs.Readdir(vfs.InodeNumber(op.Inode), uint64(op.Offset), len(op.Dst))
	if err != nil {
		return fs.errno("ReadDir", err)
	}
	for _, e := range entries {
		typ := fuseutil.DT_File
		if e.Mode&unix.S_IFMT == unix.S_IFDIR {
			typ = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(e.Cookie),
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	h, err := fs.fs.Open(vfs.InodeNumber(op.Inode))
	if err != nil {
		return fs.errno("OpenFile", err)
	}

	fs.mu.Lock()
	fs.nextFH++
	id := fs.nextFH
	fs.fileHands[id] = &handleEntry{h: h}
	fs.mu.Unlock()

	op.Handle = id
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	he, ok := fs.fileHands[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	data, err := fs.fs.Read(he.h, op.Offset, len(op.Dst))
	if err != nil {
		return fs.errno("ReadFile", err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *FS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	he, ok := fs.fileHands[op.Handle]
	delete(fs.fileHands, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	return fs.errno("ReleaseFileHandle", fs.fs.Release(he.h))
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}
