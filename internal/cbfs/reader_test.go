package cbfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bcopeland/fszoo/internal/blockio"
	"github.com/bcopeland/fszoo/internal/vfs"
)

// imageBuilder assembles a CBFS image in memory block by block;
// buildTestImage uses it for a minimal single-group image with one
// superblock, one group descriptor, an inode table, and a root directory
// containing "hello.txt".
type imageBuilder struct {
	blockSize uint32
	blocks    map[uint32][]byte
}

func newImageBuilder(blockSize uint32) *imageBuilder {
	return &imageBuilder{blockSize: blockSize, blocks: map[uint32][]byte{}}
}

func (b *imageBuilder) block(n uint32) []byte {
	if b.blocks[n] == nil {
		b.blocks[n] = make([]byte, b.blockSize)
	}
	return b.blocks[n]
}

func (b *imageBuilder) putStruct(blockNum uint32, offset uint32, v interface{}) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
	copy(b.block(blockNum)[offset:], buf.Bytes())
}

func (b *imageBuilder) putDirEntry(blockNum, offset uint32, ino uint32, name string, recLen uint16, fileType uint8) uint32 {
	ent := rawDirEntry{
		Inode:    ino,
		RecLen:   recLen,
		NameLen:  uint8(len(name)),
		FileType: fileType,
	}
	b.putStruct(blockNum, offset, ent)
	copy(b.block(blockNum)[offset+rawDirEntrySize:], name)
	return offset + uint32(recLen)
}

func (b *imageBuilder) bytes(highestBlock uint32) []byte {
	total := make([]byte, (highestBlock+1)*b.blockSize)
	for n, data := range b.blocks {
		copy(total[n*b.blockSize:], data)
	}
	return total
}

// byteReaderAt adapts a []byte to io.ReaderAt without pulling in os.
type byteReaderAt []byte

func (r byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r)) {
		return 0, nil
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, bytesShortErr{}
	}
	return n, nil
}

type bytesShortErr struct{}

func (bytesShortErr) Error() string { return "short read" }

func buildTestImage() []byte {
	const blockSize = 1024
	b := newImageBuilder(blockSize)

	// Superblock at byte 1024, which for a 1024-byte block size is block 1.
	sb := superblock{
		InodesCount:     16,
		BlocksCount:     64,
		FreeBlocksCount: 0,
		FreeInodesCount: 0,
		LogBlockSize:    0, // 1024 << 0 == 1024
		LogFragSize:     0,
		BlocksPerGroup:  8192,
		FragsPerGroup:   8192,
		InodesPerGroup:  16,
		Magic:           magic,
		InodeSizeOnDisk: 128,
		RevLevel:        1,
	}
	sbBuf := new(bytes.Buffer)
	binary.Write(sbBuf, binary.LittleEndian, sb)
	sbBlock := b.block(1)
	copy(sbBlock, sbBuf.Bytes())

	// Group descriptor table: for blockSize==1024, starts at block 2.
	gd := groupDescriptor{
		InodeTable: 4, // block 4 holds the inode table
	}
	b.putStruct(2, 0, gd)

	// Inode table: inodesPerBlock = 1024/128 = 8, so inode 2 (root) is at
	// table offset (2-1)=1 -> block 4, offset 128. Inode 9 (the file) is
	// at table offset 8 -> block 5, offset 0.
	root := inode{
		Mode:       modeIFDIR,
		LinksCount: 2,
		Size:       blockSize,
	}
	root.Block[0] = 10 // root directory data block
	b.putStruct(4, 1*128, root)

	file := inode{
		Mode:       modeIFREG,
		LinksCount: 1,
		Size:       6, // "hello\n"
	}
	file.Block[0] = 12 // direct data block
	b.putStruct(5, 0, file)

	copy(b.block(12), []byte("hello\n"))

	// Root directory entries in data block 10: "." , "..", "hello.txt".
	off := b.putDirEntry(10, 0, rootInodeNumber, ".", 12, fileTypeDir)
	off = b.putDirEntry(10, off, rootInodeNumber, "..", 12, fileTypeDir)
	b.putDirEntry(10, off, 9, "hello.txt", uint16(blockSize-off), fileTypeRegular)

	return b.bytes(12)
}

func TestReaderRootReaddir(t *testing.T) {
	img := buildTestImage()
	r, err := NewReader(byteReaderAt(img), int64(len(img)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	entries, err := r.Readdir(vfs.RootInode, 0, 4096)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{".", "..", "hello.txt"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("Readdir names mismatch (-want +got):\n%s", diff)
	}
}

func TestReaderLookupAndRead(t *testing.T) {
	img := buildTestImage()
	r, err := NewReader(byteReaderAt(img), int64(len(img)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	st, err := r.Lookup(vfs.RootInode, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if st.Size != 6 {
		t.Errorf("Size = %d, want 6", st.Size)
	}

	h, err := r.Open(st.Ino)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Release(h)

	data, err := r.Read(h, 0, 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("Read = %q, want %q", data, "hello\n")
	}
}

func TestReaderLookupMiss(t *testing.T) {
	img := buildTestImage()
	r, err := NewReader(byteReaderAt(img), int64(len(img)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	_, err = r.Lookup(vfs.RootInode, "does-not-exist")
	if err == nil {
		t.Fatal("Lookup: expected error, got nil")
	}
	var verr *vfs.Error
	if !errorsAs(err, &verr) || verr.Kind != vfs.KindNotFound {
		t.Errorf("Lookup error = %v, want KindNotFound", err)
	}
}

// errorsAs avoids importing errors just for this one assertion while
// keeping the test readable; it mirrors errors.As for the single
// concrete type this package's tests care about.
func errorsAs(err error, target **vfs.Error) bool {
	if e, ok := err.(*vfs.Error); ok {
		*target = e
		return true
	}
	return false
}

// TestResolveBlockThroughSingleIndirect exercises the single-indirect leg
// of the block-pointer resolution table directly (spec.md §4.3), since
// constructing a whole image with a file large enough to require it would
// obscure the thing under test.
func TestResolveBlockThroughSingleIndirect(t *testing.T) {
	const bs = 1024
	b := newImageBuilder(bs)

	indirectBlockNum := uint32(5)
	dataBlockNum := uint32(6)
	binary.LittleEndian.PutUint32(b.block(indirectBlockNum)[0:4], dataBlockNum)
	copy(b.block(dataBlockNum), []byte("indirect-data"))

	img := b.bytes(dataBlockNum)
	r := &Reader{
		dev:       blockio.New(byteReaderAt(img), int64(len(img))),
		blockSize: bs,
	}

	var in inode
	in.Block[indBlock] = indirectBlockNum

	phys, err := r.resolveBlock(&in, nDirBlocks)
	if err != nil {
		t.Fatalf("resolveBlock: %v", err)
	}
	if phys != dataBlockNum {
		t.Errorf("resolveBlock(logical=%d) = %d, want %d", nDirBlocks, phys, dataBlockNum)
	}
}

// TestResolveBlockHoleIsZeroFilled confirms a zero block pointer produces
// a synthesized zero buffer rather than dereferencing physical block 0
// (spec.md §9 "CBFS holes").
func TestResolveBlockHoleIsZeroFilled(t *testing.T) {
	const bs = 1024
	img := make([]byte, bs)
	r := &Reader{
		dev:       blockio.New(byteReaderAt(img), int64(len(img))),
		blockSize: bs,
	}

	var in inode // in.Block is all zero: every direct block is a hole
	data, err := r.readDataBlock(&in, 0)
	if err != nil {
		t.Fatalf("readDataBlock: %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("readDataBlock hole byte %d = %#x, want 0", i, b)
		}
	}
}
