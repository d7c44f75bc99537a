// Package lnfs implements the LNFS engine: a read-only decoder for the
// log-structured NAND flash filesystem format described in spec.md §3.3
// and §4.4, modeled on YAFFS2 and grounded on original_source/yaffs2.c and
// yaffs2.h.
package lnfs

const (
	// magic is YAFFS_MAGIC from yaffs2.h. It is never read from the image
	// (LNFS has no single on-disk superblock to check it against); Statfs
	// reports it as the filesystem id.
	magic = 0x5941FF53

	maxNameLength  = 255
	maxAliasLength = 159

	// objectIDRoot is YAFFS_OBJECTID_ROOT: the well-known root directory
	// object id, mapped from the facade's RootInode sentinel.
	objectIDRoot = 1

	// pageSize, tagsSize and eraseSize are the fixed geometry parameters
	// original_source/yaffs2.c hardcodes for its "fake flash" (spec.md
	// §4.4 "On-disk formats"); this driver targets only that geometry
	// (spec.md §1 Non-goals: "non-common on-disk revisions").
	pageSize  = 2048
	tagsSize  = 64
	eraseSize = 131072

	chunksPerBlock = eraseSize / pageSize

	// pageStride is the byte distance between consecutive pages' records.
	// Resolved per the Open Question in spec.md §9: payload+tags are
	// adjacent, so the stride is their sum, not pageSize alone.
	pageStride = pageSize + tagsSize

	// sequenceSentinel marks an erased/invalid page (spec.md §3.3
	// Invariants).
	sequenceSentinel = 0xFFFFFFFF
)

// objectType mirrors yaffs2.h's enum object_type.
type objectType uint32

const (
	objectTypeUnknown objectType = iota
	objectTypeFile
	objectTypeSymlink
	objectTypeDirectory
	objectTypeHardlink
	objectTypeSpecial
)

// tags is the fixed-size per-page trailer (spec.md §3.3 "Page tags"),
// decoded field-for-field from struct yaffs2_tags in yaffs2.h.
type tags struct {
	SequenceNumber uint32
	ObjectID       uint32
	ChunkID        uint32
	ByteCount      uint32
	ECCResult      uint32
	Pad            [11]uint32
}

// objectHeader is the on-disk payload of a chunk_id==0 page (spec.md §4.4
// step 3), decoded in full per struct yaffs2_object_header in yaffs2.h —
// SPEC_FULL.md §4 requires every field retained on the decoded record even
// though Stat only projects a subset.
type objectHeader struct {
	ObjectType            uint32
	ParentObjectID        uint32
	SumObsolete           uint16
	Name                  [maxNameLength + 1]byte
	Mode                  uint32
	Uid                   uint32
	Gid                   uint32
	Atime                 uint32
	Mtime                 uint32
	Ctime                 uint32
	Size                  uint32
	EquivObjectID         uint32
	Alias                 [maxAliasLength + 1]byte
	Rdev                  uint32
	Reserved              [6]uint32
	InbandShadowsObject   uint32
	InbandIsShrink        uint32
	Reserved2             [2]uint32
	ShadowsObject         uint32
	IsShrink              uint32
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (h *objectHeader) name() string  { return cString(h.Name[:]) }
func (h *objectHeader) alias() string { return cString(h.Alias[:]) }
