package lnfs

// object is the in-memory reconciled record for one YAFFS2 object (spec.md
// §3.3 "Object (in-memory)"). It is a flat, owning entry in objectTable;
// children are represented as a sequence of object ids, never as owning
// pointers, per the "Cyclic parent/child graph" redesign flag.
type object struct {
	id       uint32
	header   objectHeader
	sequence uint32
	hasSeq   bool // false for a find_or_create placeholder never yet filled in

	parentID uint32
	hasParent bool

	children []uint32 // ordered, most-recently-(re)attached first

	// chunks maps (chunk_id-1) -> the page index holding that data chunk's
	// payload, reconciled by highest sequence number (spec.md §4.4 step 4).
	chunks       map[uint32]int
	chunkSeq     map[uint32]uint32
}

// objectTable owns every object discovered during the scan, keyed by
// object id, implementing the find_or_create primitive spec.md §9 names.
type objectTable struct {
	objects map[uint32]*object
}

func newObjectTable() *objectTable {
	return &objectTable{objects: make(map[uint32]*object)}
}

// findOrCreate returns the object for id, creating an unfilled placeholder
// if this is the first time id has been referenced (spec.md §4.4 step 3,
// §9 "Deferred object creation").
func (t *objectTable) findOrCreate(id uint32) *object {
	if obj, ok := t.objects[id]; ok {
		return obj
	}
	obj := &object{id: id, chunks: make(map[uint32]int), chunkSeq: make(map[uint32]uint32)}
	t.objects[id] = obj
	return obj
}

func (t *objectTable) lookup(id uint32) (*object, bool) {
	obj, ok := t.objects[id]
	return obj, ok
}

// detach removes child's id from its current parent's children list, if
// it was attached to one. Called before reattaching to a (possibly new)
// parent, so a reconciled header that changes parent_object_id does not
// leave the child listed under its old parent too.
func (t *objectTable) detach(child *object) {
	if !child.hasParent {
		return
	}
	parent, ok := t.objects[child.parentID]
	if !ok {
		return
	}
	for i, id := range parent.children {
		if id == child.id {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
}

// attach prepends child's id to parent's children list and records the
// relation on child, mirroring original_source/yaffs2.c's
// g_list_prepend(parent->children, inode) ordering.
func (t *objectTable) attach(child *object, parentID uint32) {
	parent := t.findOrCreate(parentID)
	child.parentID = parentID
	child.hasParent = true
	parent.children = append([]uint32{child.id}, parent.children...)
}

// applyHeader reconciles a newly-scanned header page for object id against
// whatever that object currently holds, per spec.md §4.4 step 3: the
// numerically greater sequence number wins, and the winner's
// parent_object_id becomes authoritative.
func (t *objectTable) applyHeader(id uint32, seq uint32, hdr objectHeader) {
	obj := t.findOrCreate(id)
	if obj.hasSeq && seq <= obj.sequence {
		return
	}
	t.detach(obj)
	obj.header = hdr
	obj.sequence = seq
	obj.hasSeq = true
	t.attach(obj, hdr.ParentObjectID)
}

// applyChunk reconciles a data-chunk page, per spec.md §4.4 step 4.
func (o *object) applyChunk(chunkIndex uint32, seq uint32, pageIndex int) {
	if cur, ok := o.chunkSeq[chunkIndex]; ok && seq <= cur {
		return
	}
	o.chunkSeq[chunkIndex] = seq
	o.chunks[chunkIndex] = pageIndex
}
