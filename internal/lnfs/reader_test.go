package lnfs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bcopeland/fszoo/internal/vfs"
)

type byteReaderAt []byte

func (r byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r)) {
		return 0, nil
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, errShort
	}
	return n, nil
}

type shortReadErr struct{}

func (shortReadErr) Error() string { return "short read" }

var errShort = shortReadErr{}

// pageBuilder assembles a byte slice of consecutive pageStride-sized
// records, for constructing synthetic LNFS images the way
// distr1-distri/internal/squashfs/writer_test.go hand-assembles synthetic
// squashfs images.
type pageBuilder struct {
	pages [][]byte
}

func (b *pageBuilder) addHeaderPage(seq, objectID uint32, hdr objectHeader) {
	buf := make([]byte, pageStride)
	hb := new(bytes.Buffer)
	binary.Write(hb, binary.LittleEndian, hdr)
	copy(buf, hb.Bytes())

	t := tags{SequenceNumber: seq, ObjectID: objectID, ChunkID: 0}
	tb := new(bytes.Buffer)
	binary.Write(tb, binary.LittleEndian, t)
	copy(buf[pageSize:], tb.Bytes())

	b.pages = append(b.pages, buf)
}

func (b *pageBuilder) addChunkPage(seq, objectID, chunkID uint32, data []byte) {
	buf := make([]byte, pageStride)
	copy(buf, data)

	t := tags{SequenceNumber: seq, ObjectID: objectID, ChunkID: chunkID}
	tb := new(bytes.Buffer)
	binary.Write(tb, binary.LittleEndian, t)
	copy(buf[pageSize:], tb.Bytes())

	b.pages = append(b.pages, buf)
}

func (b *pageBuilder) addErasedPage() {
	buf := make([]byte, pageStride)
	t := tags{SequenceNumber: sequenceSentinel}
	tb := new(bytes.Buffer)
	binary.Write(tb, binary.LittleEndian, t)
	copy(buf[pageSize:], tb.Bytes())
	b.pages = append(b.pages, buf)
}

func (b *pageBuilder) bytes() []byte {
	out := make([]byte, 0, len(b.pages)*pageStride)
	for _, p := range b.pages {
		out = append(out, p...)
	}
	return out
}

func headerFor(name string, parent uint32, objType objectType, size uint32) objectHeader {
	var h objectHeader
	copy(h.Name[:], name)
	h.ParentObjectID = parent
	h.ObjectType = uint32(objType)
	h.Size = size
	h.Mode = modeForObjectType(objType)
	return h
}

func TestReaderReconciliationBySequenceNumber(t *testing.T) {
	b := &pageBuilder{}
	b.addHeaderPage(5, 42, headerFor("old", objectIDRoot, objectTypeFile, 3))
	b.addErasedPage()
	b.addHeaderPage(9, 42, headerFor("new", objectIDRoot, objectTypeFile, 9))

	img := b.bytes()
	r, err := NewReader(byteReaderAt(img), int64(len(img)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	st, err := r.Lookup(vfs.RootInode, "new")
	if err != nil {
		t.Fatalf("Lookup(new): %v", err)
	}
	if st.Ino != 42 {
		t.Errorf("Lookup(new).Ino = %d, want 42", st.Ino)
	}
	if st.Size != 9 {
		t.Errorf("Stat(42).Size = %d, want 9", st.Size)
	}

	if _, err := r.Lookup(vfs.RootInode, "old"); err == nil {
		t.Error("Lookup(old): expected NotFound, got nil error")
	}
}

func TestReaderErasedPageSkipped(t *testing.T) {
	b := &pageBuilder{}
	buf := make([]byte, pageStride)
	hdr := headerFor("ghost", objectIDRoot, objectTypeFile, 1)
	hb := new(bytes.Buffer)
	binary.Write(hb, binary.LittleEndian, hdr)
	copy(buf, hb.Bytes())
	t2 := tags{SequenceNumber: sequenceSentinel, ObjectID: 99, ChunkID: 0}
	tb := new(bytes.Buffer)
	binary.Write(tb, binary.LittleEndian, t2)
	copy(buf[pageSize:], tb.Bytes())
	b.pages = append(b.pages, buf)

	img := b.bytes()
	r, err := NewReader(byteReaderAt(img), int64(len(img)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	if _, err := r.Lookup(vfs.RootInode, "ghost"); err == nil {
		t.Error("Lookup(ghost): expected NotFound for an erased header page, got nil error")
	}
}

func TestReaderReadChunkedFile(t *testing.T) {
	b := &pageBuilder{}
	b.addHeaderPage(1, 7, headerFor("file.bin", objectIDRoot, objectTypeFile, pageSize+5))

	chunk0 := bytes.Repeat([]byte{0xAA}, pageSize)
	chunk1 := append(bytes.Repeat([]byte{0xBB}, 5), make([]byte, pageSize-5)...)
	b.addChunkPage(1, 7, 1, chunk0)
	b.addChunkPage(1, 7, 2, chunk1)

	img := b.bytes()
	r, err := NewReader(byteReaderAt(img), int64(len(img)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	st, err := r.Lookup(vfs.RootInode, "file.bin")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	h, err := r.Open(st.Ino)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Release(h)

	data, err := r.Read(h, 0, int(st.Size))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) != pageSize+5 {
		t.Fatalf("Read returned %d bytes, want %d", len(data), pageSize+5)
	}
	if data[0] != 0xAA || data[pageSize] != 0xBB {
		t.Errorf("Read content mismatch at chunk boundary")
	}
}

func TestReaderReaddirOrdering(t *testing.T) {
	b := &pageBuilder{}
	b.addHeaderPage(1, 10, headerFor("a", objectIDRoot, objectTypeFile, 0))
	b.addHeaderPage(1, 11, headerFor("b", objectIDRoot, objectTypeFile, 0))

	img := b.bytes()
	r, err := NewReader(byteReaderAt(img), int64(len(img)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	entries, err := r.Readdir(vfs.RootInode, 0, 4096)
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Readdir returned %d entries, want 2", len(entries))
	}
	// Most-recently-attached object is prepended, matching
	// original_source/yaffs2.c's g_list_prepend order.
	if entries[0].Name != "b" || entries[1].Name != "a" {
		t.Errorf("Readdir order = [%s, %s], want [b, a]", entries[0].Name, entries[1].Name)
	}
}
