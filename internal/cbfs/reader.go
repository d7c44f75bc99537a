// Package cbfs implements the CBFS engine: a read-only decoder for the
// classic Unix indirect-block filesystem format described in spec.md §3.2
// and §4.3, modeled on ext2 and grounded on original_source/ext2.c.
package cbfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/xerrors"

	"github.com/bcopeland/fszoo/internal/blockio"
	"github.com/bcopeland/fszoo/internal/vfs"
)

// Reader is the CBFS engine's mount context. Once constructed by NewReader
// its superblock and group table are immutable (spec.md §3.2 "Lifecycle"),
// so Reader is safe for concurrent use.
type Reader struct {
	dev  *blockio.Reader
	sb   superblock
	grps []groupDescriptor

	blockSize uint32
	fragSize  uint32
	inodeSize uint32
	ngroups   uint32
}

var _ vfs.Filesystem = (*Reader)(nil)

// handle is the FileHandle CBFS hands back from Open: the decoded inode,
// cached for the lifetime between Open and Release (spec.md §3.1
// "FileHandle").
type handle struct {
	ino   vfs.InodeNumber
	inode inode
}

// NewReader parses the superblock and group-descriptor table of dev (an
// image of size bytes) and returns a mounted CBFS engine (spec.md §4.3
// "Mount").
func NewReader(dev io.ReaderAt, size int64) (*Reader, error) {
	b := blockio.New(dev, size)

	raw, err := b.ReadExactAlloc(superblockOffset, 1024)
	if err != nil {
		return nil, vfs.IO("cbfs.NewReader", xerrors.Errorf("reading superblock: %w", err))
	}
	var sb superblock
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb); err != nil {
		return nil, vfs.Corrupt("cbfs.NewReader", "decoding superblock: %v", err)
	}
	if sb.Magic != magic {
		return nil, vfs.Corrupt("cbfs.NewReader", "bad magic 0x%x, want 0x%x", sb.Magic, magic)
	}

	blockSize := uint32(1024) << sb.LogBlockSize
	fragSize := uint32(1024) << sb.LogFragSize
	inodeSize := uint32(sb.InodeSizeOnDisk)
	if inodeSize == 0 {
		// Revision 0 filesystems fix the inode size; dynamic-revision
		// images (the only revision this driver targets, spec.md §1
		// Non-goals) always populate InodeSizeOnDisk.
		inodeSize = 128
	}
	if blockSize%inodeSize != 0 {
		return nil, vfs.Corrupt("cbfs.NewReader", "inode size %d does not divide block size %d", inodeSize, blockSize)
	}

	ngroups := ceilDiv(sb.BlocksCount, sb.BlocksPerGroup)

	// Group-descriptor table location: resolved per the Open Question in
	// spec.md §9 using the canonical ext2 rule rather than the original
	// source's always-block-1 behavior.
	gdStartBlock := uint32(1)
	if blockSize == 1024 {
		gdStartBlock = 2
	}

	gdBytes := ngroups * groupDescSize
	gdBlocks := ceilDiv(gdBytes, blockSize)
	gdRaw, err := b.ReadExactAlloc(int64(gdStartBlock)*int64(blockSize), int(gdBlocks)*int(blockSize))
	if err != nil {
		return nil, vfs.IO("cbfs.NewReader", xerrors.Errorf("reading group descriptor table: %w", err))
	}
	grps := make([]groupDescriptor, ngroups)
	gdReader := bytes.NewReader(gdRaw)
	for i := range grps {
		if err := binary.Read(gdReader, binary.LittleEndian, &grps[i]); err != nil {
			return nil, vfs.Corrupt("cbfs.NewReader", "decoding group descriptor %d: %v", i, err)
		}
	}

	return &Reader{
		dev:       b,
		sb:        sb,
		grps:      grps,
		blockSize: blockSize,
		fragSize:  fragSize,
		inodeSize: inodeSize,
		ngroups:   ngroups,
	}, nil
}

func ceilDiv(a, b uint32) uint32 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// readInode implements spec.md §4.3 "Inode lookup".
func (r *Reader) readInode(ino vfs.InodeNumber) (inode, error) {
	n := uint32(ino)
	if ino == vfs.RootInode {
		n = rootInodeNumber
	}
	if n == 0 || n > r.sb.InodesCount {
		return inode{}, vfs.NotFound("cbfs.readInode", "inode %d out of range [1,%d]", n, r.sb.InodesCount)
	}
	n--

	inodesPerGroup := r.sb.InodesPerGroup
	group := n / inodesPerGroup
	idx := n % inodesPerGroup
	if group >= uint32(len(r.grps)) {
		return inode{}, vfs.Corrupt("cbfs.readInode", "group %d out of range [0,%d)", group, len(r.grps))
	}

	inodesPerBlock := r.blockSize / r.inodeSize
	block := uint64(r.grps[group].InodeTable) + uint64(idx/inodesPerBlock)
	offsetInBlock := (idx % inodesPerBlock) * r.inodeSize

	buf, err := r.dev.ReadExactAlloc(int64(block)*int64(r.blockSize), int(r.blockSize))
	if err != nil {
		return inode{}, vfs.IO("cbfs.readInode", err)
	}

	var in inode
	if err := binary.Read(bytes.NewReader(buf[offsetInBlock:]), binary.LittleEndian, &in); err != nil {
		return inode{}, vfs.Corrupt("cbfs.readInode", "decoding inode %d: %v", n+1, err)
	}
	return in, nil
}

// ptrsPerBlock returns P, the number of 32-bit block pointers that fit in
// one block (spec.md §4.3 "Logical-to-physical block resolution").
func (r *Reader) ptrsPerBlock() uint32 {
	return r.blockSize / 4
}

// readPointerBlock reads physical block blk and decodes it as an array of
// little-endian uint32 block pointers.
func (r *Reader) readPointerBlock(blk uint32) ([]uint32, error) {
	buf, err := r.dev.ReadExactAlloc(int64(blk)*int64(r.blockSize), int(r.blockSize))
	if err != nil {
		return nil, vfs.IO("cbfs.readPointerBlock", err)
	}
	ptrs := make([]uint32, len(buf)/4)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return ptrs, nil
}

// resolveBlock maps a logical block index within in to a physical block
// number, per the 4-level direct/indirect/double-indirect/triple-indirect
// table in spec.md §4.3. A returned physical block of 0 denotes a hole.
func (r *Reader) resolveBlock(in *inode, logical uint32) (uint32, error) {
	p := r.ptrsPerBlock()

	if logical < nDirBlocks {
		return in.Block[logical], nil
	}

	l := logical - nDirBlocks
	if l < p {
		return r.indirect1(in.Block[indBlock], l)
	}

	l -= p
	if l < p*p {
		return r.indirect2(in.Block[dindBlock], l, p)
	}

	l -= p * p
	return r.indirect3(in.Block[tindBlock], l, p)
}

func (r *Reader) indirect1(blk uint32, idx uint32) (uint32, error) {
	if blk == 0 {
		return 0, nil // hole: no indirect block at all
	}
	ptrs, err := r.readPointerBlock(blk)
	if err != nil {
		return 0, err
	}
	if int(idx) >= len(ptrs) {
		return 0, vfs.Corrupt("cbfs.indirect1", "index %d out of range", idx)
	}
	return ptrs[idx], nil
}

func (r *Reader) indirect2(blk uint32, l uint32, p uint32) (uint32, error) {
	if blk == 0 {
		return 0, nil
	}
	ptrs, err := r.readPointerBlock(blk)
	if err != nil {
		return 0, err
	}
	outer := l / p
	inner := l % p
	if int(outer) >= len(ptrs) {
		return 0, vfs.Corrupt("cbfs.indirect2", "outer index %d out of range", outer)
	}
	return r.indirect1(ptrs[outer], inner)
}

func (r *Reader) indirect3(blk uint32, l uint32, p uint32) (uint32, error) {
	if blk == 0 {
		return 0, nil
	}
	ptrs, err := r.readPointerBlock(blk)
	if err != nil {
		return 0, err
	}
	outer := l / (p * p)
	rem := l % (p * p)
	if int(outer) >= len(ptrs) {
		return 0, vfs.Corrupt("cbfs.indirect3", "outer index %d out of range", outer)
	}
	return r.indirect2(ptrs[outer], rem, p)
}

// readDataBlock returns the content of logical block logical of in, as a
// full block-sized buffer. A hole (physical block 0) is synthesized as
// zeros per spec.md §4.3 and the "CBFS holes" note in §9 — the original
// source dereferences the zero pointer instead, which this driver treats
// as a known bug to fix rather than reproduce.
func (r *Reader) readDataBlock(in *inode, logical uint32) ([]byte, error) {
	phys, err := r.resolveBlock(in, logical)
	if err != nil {
		return nil, err
	}
	if phys == 0 {
		return make([]byte, r.blockSize), nil
	}
	buf, err := r.dev.ReadExactAlloc(int64(phys)*int64(r.blockSize), int(r.blockSize))
	if err != nil {
		return nil, vfs.IO("cbfs.readDataBlock", err)
	}
	return buf, nil
}

func modeFromInode(in *inode) uint32 {
	return uint32(in.Mode)
}

func statFromInode(ino vfs.InodeNumber, in *inode, blockSize uint32) vfs.Stat {
	return vfs.Stat{
		Ino:     ino,
		Mode:    modeFromInode(in),
		Nlink:   uint32(in.LinksCount),
		Uid:     uint32(in.Uid),
		Gid:     uint32(in.Gid),
		Size:    uint64(in.Size),
		Blksize: blockSize,
		Blocks:  uint64(in.Blocks),
		Atime:   time.Unix(int64(in.Atime), 0),
		Mtime:   time.Unix(int64(in.Mtime), 0),
		Ctime:   time.Unix(int64(in.Ctime), 0),
	}
}

// Stat implements vfs.Filesystem.
func (r *Reader) Stat(ino vfs.InodeNumber) (vfs.Stat, error) {
	in, err := r.readInode(ino)
	if err != nil {
		return vfs.Stat{}, err
	}
	return statFromInode(ino, &in, r.blockSize), nil
}

// forEachDirEntry walks a directory's content block by block, entry by
// entry, per spec.md §4.3 "Directory scan", invoking fn for each decoded
// entry until fn returns false or the directory is exhausted.
func (r *Reader) forEachDirEntry(dir *inode, fn func(ent rawDirEntry, name string, byteOffset uint32) bool) error {
	dirSize := dir.Size
	nblocks := ceilDiv(dirSize, r.blockSize)

	for lb := uint32(0); lb < nblocks; lb++ {
		block, err := r.readDataBlock(dir, lb)
		if err != nil {
			return err
		}
		base := lb * r.blockSize
		limit := r.blockSize
		if base+limit > dirSize {
			limit = dirSize - base
		}

		var j uint32
		for j+rawDirEntrySize <= limit {
			var ent rawDirEntry
			if err := binary.Read(bytes.NewReader(block[j:j+rawDirEntrySize]), binary.LittleEndian, &ent); err != nil {
				return vfs.Corrupt("cbfs.forEachDirEntry", "decoding directory entry: %v", err)
			}
			if ent.RecLen < rawDirEntrySize {
				return vfs.Corrupt("cbfs.forEachDirEntry", "rec_len %d < %d", ent.RecLen, rawDirEntrySize)
			}
			if uint32(ent.NameLen) > uint32(ent.RecLen)-rawDirEntrySize {
				return vfs.Corrupt("cbfs.forEachDirEntry", "name_len %d invalid for rec_len %d", ent.NameLen, ent.RecLen)
			}
			if j+uint32(ent.RecLen) > limit {
				return vfs.Corrupt("cbfs.forEachDirEntry", "directory entry straddles block boundary")
			}

			var name string
			if ent.Inode != 0 && ent.NameLen > 0 {
				nameStart := j + rawDirEntrySize
				name = string(block[nameStart : nameStart+uint32(ent.NameLen)])
			}

			if ent.Inode != 0 {
				if !fn(ent, name, base+j) {
					return nil
				}
			}
			j += uint32(ent.RecLen)
		}
	}
	return nil
}

// Lookup implements vfs.Filesystem.
func (r *Reader) Lookup(parent vfs.InodeNumber, name string) (vfs.Stat, error) {
	dir, err := r.readInode(parent)
	if err != nil {
		return vfs.Stat{}, err
	}

	var found vfs.InodeNumber
	if err := r.forEachDirEntry(&dir, func(ent rawDirEntry, entName string, _ uint32) bool {
		if int(ent.NameLen) == len(name) && entName == name {
			found = vfs.InodeNumber(ent.Inode)
			return false
		}
		return true
	}); err != nil {
		return vfs.Stat{}, err
	}
	if found == 0 {
		return vfs.Stat{}, vfs.NotFound("cbfs.Lookup", "%q not found in inode %d", name, parent)
	}
	return r.Stat(found)
}

func modeFromFileType(fileType uint8) uint32 {
	switch fileType {
	case fileTypeDir:
		return modeIFDIR
	default:
		// spec.md §4.2: unknown file_type values are coerced to regular
		// file for directory enumeration.
		return modeIFREG
	}
}

// Readdir implements vfs.Filesystem. Cookies are the cumulative byte
// offset into the directory past the emitted entry, matching the original
// source's fuse_add_direntry convention (spec.md §4.3).
func (r *Reader) Readdir(ino vfs.InodeNumber, offset uint64, cap int) ([]vfs.DirEntry, error) {
	dir, err := r.readInode(ino)
	if err != nil {
		return nil, err
	}

	var out []vfs.DirEntry
	used := 0
	err = r.forEachDirEntry(&dir, func(ent rawDirEntry, name string, byteOffset uint32) bool {
		nextCookie := uint64(byteOffset) + uint64(ent.RecLen)
		if nextCookie <= offset {
			return true
		}
		size := direntSize(name)
		if used+size > cap {
			return false
		}
		used += size
		out = append(out, vfs.DirEntry{
			Name:   name,
			Ino:    vfs.InodeNumber(ent.Inode),
			Mode:   modeFromFileType(ent.FileType),
			Cookie: nextCookie,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func direntSize(name string) int {
	return rawDirEntrySize + len(name)
}

// Open implements vfs.Filesystem.
func (r *Reader) Open(ino vfs.InodeNumber) (vfs.FileHandle, error) {
	in, err := r.readInode(ino)
	if err != nil {
		return nil, err
	}
	return &handle{ino: ino, inode: in}, nil
}

// Read implements vfs.Filesystem, walking the logical blocks covering
// [offset, offset+length) and concatenating their content (spec.md §4.3
// via the original ext2_read loop).
func (r *Reader) Read(h vfs.FileHandle, offset int64, length int) ([]byte, error) {
	hd, ok := h.(*handle)
	if !ok {
		return nil, vfs.Corrupt("cbfs.Read", "invalid handle")
	}
	size := int64(hd.inode.Size)
	if offset >= size {
		return nil, nil
	}
	if int64(length) > size-offset {
		length = int(size - offset)
	}

	out := make([]byte, 0, length)
	blk := uint32(offset) / r.blockSize
	blkOff := uint32(offset) % r.blockSize
	for len(out) < length {
		data, err := r.readDataBlock(&hd.inode, blk)
		if err != nil {
			return nil, err
		}
		n := len(data) - int(blkOff)
		if n > length-len(out) {
			n = length - len(out)
		}
		out = append(out, data[blkOff:blkOff+uint32(n)]...)
		blk++
		blkOff = 0
	}
	return out, nil
}

// Release implements vfs.Filesystem.
func (r *Reader) Release(h vfs.FileHandle) error {
	if _, ok := h.(*handle); !ok {
		return vfs.Corrupt("cbfs.Release", "invalid handle")
	}
	return nil
}

// Statfs implements vfs.Filesystem (spec.md §4.3 "statfs").
func (r *Reader) Statfs() (vfs.StatFS, error) {
	return vfs.StatFS{
		Bsize:   uint64(r.blockSize),
		Frsize:  uint64(r.fragSize),
		Blocks:  uint64(r.sb.BlocksCount),
		Bfree:   uint64(r.sb.FreeBlocksCount),
		Bavail:  uint64(r.sb.FreeBlocksCount) - uint64(r.sb.RBlocksCount),
		Files:   uint64(r.sb.InodesCount),
		Ffree:   uint64(r.sb.FreeInodesCount),
		Favail:  uint64(r.sb.FreeInodesCount),
		Fsid:    uint64(r.sb.Magic),
		Namemax: 255,
	}, nil
}
