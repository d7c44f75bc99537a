package vfs

import "golang.org/x/xerrors"

// Kind classifies a Filesystem error into the taxonomy the FUSE bridge maps
// to errno values: NotFound -> ENOENT, Io/Corrupt -> EIO, Unsupported ->
// ENOSYS for every operation.
type Kind int

const (
	// KindNotFound is returned when an inode number or directory name does
	// not resolve to anything.
	KindNotFound Kind = iota
	// KindIO is returned when the underlying image read failed or returned
	// short.
	KindIO
	// KindCorrupt is returned when a decoded record violates a structural
	// invariant (bad rec_len, oversized name_len, a directory entry
	// straddling a block boundary, and so on).
	KindCorrupt
	// KindUnsupported is returned for operations an engine does not
	// implement (readlink on CBFS, anything on LNFS that isn't named in
	// spec.md's facade).
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindIO:
		return "io error"
	case KindCorrupt:
		return "corrupt"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the typed error every engine returns upward to the facade. The
// facade (and, in this repository, internal/fusebridge) maps Kind to an
// errno; no error is retried internally.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err's Kind matches target's Kind, so callers can write
// errors.Is(err, vfs.ErrNotFound) against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons. Engines normally construct *Error
// directly (via NotFound/IO/Corrupt/Unsupported below) so Op and Err carry
// context; these bare values exist only as comparison targets.
var (
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrIO          = &Error{Kind: KindIO}
	ErrCorrupt     = &Error{Kind: KindCorrupt}
	ErrUnsupported = &Error{Kind: KindUnsupported}
)

// NotFound wraps a not-found condition encountered during op.
func NotFound(op string, format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Op: op, Err: xerrors.Errorf(format, args...)}
}

// IO wraps an I/O failure encountered during op.
func IO(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// Corrupt wraps a structural-invariant violation encountered during op.
func Corrupt(op string, format string, args ...interface{}) error {
	return &Error{Kind: KindCorrupt, Op: op, Err: xerrors.Errorf(format, args...)}
}

// Unsupported reports that op is not implemented by the engine.
func Unsupported(op string) error {
	return &Error{Kind: KindUnsupported, Op: op, Err: xerrors.New("not supported by this engine")}
}
