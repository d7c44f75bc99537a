// Package blockio provides the random-access byte I/O primitive shared by
// the CBFS and LNFS engines: a positional, concurrency-safe read against an
// opened image.
package blockio

import (
	"io"

	"golang.org/x/xerrors"
)

// Reader wraps an io.ReaderAt (typically an *os.File opened on a disk image
// or block device) and exposes byte-addressed, fixed-length reads.
//
// Reader is safe for concurrent use: it never seeks, so concurrent ReadExact
// calls do not race on a shared file position. This is option (b) from the
// concurrency model: positional reads rather than a seek+read mutex or a
// handle-per-goroutine pool.
type Reader struct {
	r    io.ReaderAt
	size int64
}

// New wraps r. size is the logical length of the image in bytes, used by
// Size and to reject reads that run past the end of the image.
func New(r io.ReaderAt, size int64) *Reader {
	return &Reader{r: r, size: size}
}

// Size returns the length of the underlying image in bytes.
func (b *Reader) Size() int64 {
	return b.size
}

// ReadExact reads exactly len(buf) bytes starting at offset. A short read
// (including one caused by reading past the end of the image) is reported
// as an error rather than returned partially filled.
func (b *Reader) ReadExact(offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > b.size {
		return xerrors.Errorf("blockio: read [%d,%d) out of range for image of size %d", offset, offset+int64(len(buf)), b.size)
	}
	n, err := b.r.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return xerrors.Errorf("blockio: reading %d bytes at offset %d: %w", len(buf), offset, err)
	}
	if n != len(buf) {
		return xerrors.Errorf("blockio: short read at offset %d: got %d bytes, want %d", offset, n, len(buf))
	}
	return nil
}

// ReadExactAlloc is like ReadExact but allocates and returns the buffer.
func (b *Reader) ReadExactAlloc(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if err := b.ReadExact(offset, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SectionReader returns an io.SectionReader over [offset, offset+length) of
// the underlying image, for callers (e.g. file read paths) that want
// io.ReaderAt/io.Reader semantics instead of a single ReadExact call.
func (b *Reader) SectionReader(offset, length int64) *io.SectionReader {
	return io.NewSectionReader(b.r, offset, length)
}
