package cbfs

// On-disk record layouts for the classic indirect-block filesystem
// (spec.md §3.2). All multibyte fields are little-endian; encoding/binary
// reads struct fields in declaration order with no implicit padding, so
// these layouts mirror the on-disk byte order field-for-field, the same
// convention internal/squashfs/reader.go in the teacher repo relies on.

const (
	// magic is the value stored in superblock.Magic for this on-disk
	// format revision.
	magic = 0xEF53

	// rootInodeNumber is the well-known inode number of the filesystem
	// root, as ext2_fs.h's EXT2_ROOT_INO defines it.
	rootInodeNumber = 2

	// superblockOffset is the fixed byte offset of the superblock, past
	// the boot sector (spec.md §4.3 "Mount" step 1).
	superblockOffset = 1024

	// nDirBlocks is the count of direct block pointers in inode.Block
	// (indices 0..11).
	nDirBlocks = 12
	// indBlock, dindBlock, tindBlock index inode.Block for the single,
	// double and triple indirect pointers.
	indBlock  = 12
	dindBlock = 13
	tindBlock = 14

	// groupDescSize is sizeof(group descriptor) on disk.
	groupDescSize = 32

	// inodeBlockPointers is len(inode.Block).
	inodeBlockPointers = 15

	// fileTypeDir/fileTypeRegular mirror the on-disk directory entry
	// file_type enumeration (spec.md §3.2, §4.2 "unknown values are
	// coerced to regular file").
	fileTypeUnknown = 0
	fileTypeRegular = 1
	fileTypeDir     = 2
)

// mode bits relevant to directory-entry file_type coercion and Stat.Mode.
const (
	modeIFDIR = 0040000
	modeIFREG = 0100000
)

// superblock holds the fields of interest from the ext2-style superblock
// (spec.md §3.2). Unlisted on-disk fields (bitmap layout hints, UUID,
// volume name, …) are outside this driver's scope and simply left
// unread past FeatureRoCompat.
type superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	RBlocksCount     uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	LogFragSize      uint32
	BlocksPerGroup   uint32
	FragsPerGroup    uint32
	InodesPerGroup   uint32
	Mtime            uint32
	Wtime            uint32
	MntCount         uint16
	MaxMntCount      int16
	Magic            uint16
	State            uint16
	Errors           uint16
	MinorRevLevel    uint16
	Lastcheck        uint32
	Checkinterval    uint32
	CreatorOS        uint32
	RevLevel         uint32
	DefResuid        uint16
	DefResgid        uint16
	FirstIno         uint32
	InodeSizeOnDisk  uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureRoCompat  uint32
}

// groupDescriptor holds the fields of interest from a block group
// descriptor (spec.md §3.2).
type groupDescriptor struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

// inode holds the fields of interest from an on-disk inode (spec.md §3.2).
// Block is the 15-entry direct/indirect/double-indirect/triple-indirect
// pointer array.
type inode struct {
	Mode       uint16
	Uid        uint16
	Size       uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	Gid        uint16
	LinksCount uint16
	Blocks     uint32
	Flags      uint32
	OsdUnused1 uint32
	Block      [inodeBlockPointers]uint32
	Generation uint32
	FileACL    uint32
	SizeHigh   uint32
	FragAddr   uint32
	Osd2        [12]byte
}

// rawDirEntry is the fixed-width prefix of a directory entry (spec.md
// §3.2); Name follows as NameLen raw bytes, and padding out to RecLen
// follows that.
type rawDirEntry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
}

const rawDirEntrySize = 8
