// Package vfs defines the read-only filesystem capability (spec.md §4.5)
// shared by the CBFS and LNFS engines, and consumed by internal/fusebridge.
//
// Engines implement Filesystem independently; the mount selects one and the
// bridge is oblivious to which (spec.md §9, "Dynamic dispatch across
// engines").
package vfs

import "time"

// RootInode is the sentinel inode number the bridge uses for the mount
// root. Each engine maps it to its own on-disk root (ext2 inode 2, YAFFS2
// object id 1).
const RootInode InodeNumber = 1

// InodeNumber identifies an inode (CBFS) or object (LNFS) within one mount.
type InodeNumber uint32

// Stat mirrors the subset of POSIX stat(2) fields both engines can
// populate. Times are decoded from on-disk Unix timestamps.
type Stat struct {
	Ino     InodeNumber
	Mode    uint32 // syscall mode bits: type (S_IFDIR/S_IFREG/...) | permission bits
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Size    uint64
	Blksize uint32
	Blocks  uint64
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// StatFS mirrors the subset of POSIX statvfs(2) fields both engines can
// populate.
type StatFS struct {
	Bsize   uint64
	Frsize  uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Favail  uint64
	Fsid    uint64
	Namemax uint64
}

// DirEntry is one entry produced by Readdir: a name, the inode it names,
// and the mode bits needed to classify it (S_IFDIR vs S_IFREG) without a
// second round trip.
type DirEntry struct {
	Name   string
	Ino    InodeNumber
	Mode   uint32
	Cookie uint64 // opaque offset to resume Readdir after this entry
}

// FileHandle is an opaque token returned by Open and consumed by Read and
// Release. Its concrete type is engine-defined; the facade never inspects
// it.
type FileHandle interface{}

// Filesystem is the read-only capability set both engines implement. All
// methods are safe for concurrent use once Open has returned handles are
// exclusively owned between Open and Release (spec.md §5).
type Filesystem interface {
	// Stat returns metadata for ino.
	Stat(ino InodeNumber) (Stat, error)

	// Lookup resolves name within the directory ino and returns the full
	// Stat of the result in one round trip.
	Lookup(parent InodeNumber, name string) (Stat, error)

	// Readdir enumerates directory ino's entries starting at the byte/index
	// cookie offset, stopping before the next entry would overflow cap
	// bytes of formatted output.
	Readdir(ino InodeNumber, offset uint64, cap int) ([]DirEntry, error)

	// Open allocates a handle for reading ino's file contents.
	Open(ino InodeNumber) (FileHandle, error)

	// Read returns up to len bytes of ino's content starting at offset,
	// via the handle returned by Open.
	Read(h FileHandle, offset int64, length int) ([]byte, error)

	// Release frees a handle returned by Open. After Release, the handle
	// must not be used again.
	Release(h FileHandle) error

	// Statfs returns filesystem-wide statistics.
	Statfs() (StatFS, error)
}
