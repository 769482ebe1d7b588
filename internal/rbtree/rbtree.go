// Package rbtree implements an intrusive, ordered red-black tree. It offers
// keyed insert/remove and removal of the smallest or largest entry; it keeps
// no subtree sizes and has no rank or select operations.
// "Intrusive" means each node's header (parent/color, children, duplicate
// chain) is carved directly out of caller-owned memory alongside the value
// it indexes, the same way freelist threads its links through free slots:
// there is no separate node allocation or GC pressure beyond the one
// backing region the tree is built over.
//
// Three hints are cached alongside the tree: the smallest key, the largest
// key, and the most recently touched key. Put and Take check these hints
// before descending, so repeated access to the ends of the key range (or
// repeated access to the same key) is O(1) instead of O(log n). Duplicate
// keys are not rejected: a second Put for a key already present chains onto
// the existing node instead of rebalancing the tree again.
package rbtree

import (
	"unsafe"

	"github.com/jfaucherlib/slabfs/internal/errs"
	"github.com/jfaucherlib/slabfs/internal/freelist"
	"github.com/jfaucherlib/slabfs/internal/layoutgen"
)

const (
	red   = 0
	black = 1
)

// node is the intrusive header overlaid on the first bytes of every slot.
// parentColor packs the parent pointer and this node's color into one word:
// bit 0 is the color, the remaining bits are the parent address. This
// requires every node to live at an address at least 2-byte aligned, which
// MakeDesc guarantees by taking the stricter (larger) of the node's own
// alignment and the value's.
type node struct {
	parentColor uintptr
	left        *node
	right       *node
	chainNext   *node
}

func parentOf(n *node) *node {
	return (*node)(unsafe.Pointer(n.parentColor &^ 1))
}

func colorOf(n *node) int {
	return int(n.parentColor & 1)
}

func setParent(n, p *node) {
	n.parentColor = uintptr(unsafe.Pointer(p)) | (n.parentColor & 1)
}

func setColor(n *node, c int) {
	n.parentColor = (n.parentColor &^ 1) | uintptr(c&1)
}

// Config supplies the comparison and duplicate-key hooks a Tree needs. All
// three fields are required.
type Config struct {
	// Compare orders key against an existing value, returning <0, 0, or >0
	// the way bytes.Compare does.
	Compare func(key, value unsafe.Pointer) int
	// Attach is called when a Put lands on a key already present in the
	// tree, just before the new entry is chained onto the existing node.
	// It receives the base node's value and the new value being chained.
	Attach func(baseValue, newValue unsafe.Pointer)
	// Detach is called when an entry is leaving the tree (either the last
	// chained duplicate, or the base node itself when no duplicates
	// remain) and returns the value that should be copied out to the
	// caller. Most configs return the value they were given unchanged;
	// the hook exists for callers that keep a side index keyed by node
	// identity and need to know which one actually left.
	Detach func(value unsafe.Pointer) unsafe.Pointer
}

func (c Config) valid() bool {
	return c.Compare != nil && c.Attach != nil && c.Detach != nil
}

type location struct {
	node   *node
	parent *node
	cmp    int
}

// Tree is an intrusive red-black tree over a fixed number of slots carved
// from one component. It is not safe for concurrent use; callers serialize
// access the same way they would a freelist.List.
type Tree struct {
	conf     Config
	free     freelist.List
	nilNode  *node
	root     *node
	smallest *node
	largest  *node
	previous *node

	valueOffset uintptr
	valueSize   uintptr
	capacity    uintptr
}

// MakeDesc returns the layout descriptor for a component that will back a
// Tree indexing values described by valueDesc: one node header immediately
// followed by one value, repeated valueDesc.Count times.
func MakeDesc(valueDesc layoutgen.Desc) layoutgen.Desc {
	align := unsafe.Alignof(node{})
	if valueDesc.Align > align {
		align = valueDesc.Align
	}
	valueOffset := layoutgen.AlignUp(unsafe.Sizeof(node{}), align)
	return layoutgen.Desc{
		Size:  valueOffset + valueDesc.Size,
		Align: align,
		Count: valueDesc.Count,
	}
}

// Init builds a Tree over component, whose slots were sized by MakeDesc for
// values of valueSize bytes.
func Init(component layoutgen.Component, valueSize uintptr, conf Config) (*Tree, error) {
	if !conf.valid() {
		return nil, errs.New("rbtree.Init", errs.BadConfig, nil)
	}
	if !component.Desc.Valid() {
		return nil, errs.New("rbtree.Init", errs.Argument, nil)
	}

	nilNode := &node{}
	nilNode.left = nilNode
	nilNode.right = nilNode
	nilNode.parentColor = uintptr(black)

	valueOffset := layoutgen.AlignUp(unsafe.Sizeof(node{}), component.Desc.Align)

	t := &Tree{
		conf:        conf,
		free:        freelist.Init(component),
		nilNode:     nilNode,
		root:        nilNode,
		valueOffset: valueOffset,
		valueSize:   valueSize,
		capacity:    component.Desc.Count,
	}
	return t, nil
}

// Count reports how many values (including chained duplicates) the tree
// currently holds.
func (t *Tree) Count() uintptr {
	return t.capacity - t.free.Len()
}

func (t *Tree) containerValue(n *node) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(n), t.valueOffset)
}

func (t *Tree) containerNode(value unsafe.Pointer) *node {
	return (*node)(unsafe.Add(value, -int(t.valueOffset)))
}

func (t *Tree) packValue(n *node, src unsafe.Pointer) {
	dst := unsafe.Slice((*byte)(t.containerValue(n)), t.valueSize)
	copy(dst, unsafe.Slice((*byte)(src), t.valueSize))
}

func attachNode(base, toAttach *node) {
	toAttach.chainNext = base.chainNext
	base.chainNext = toAttach
}

// detachNode pops the head of base's duplicate chain and returns it, or
// returns base itself when it has no chain; the caller distinguishes the
// two by pointer identity against base.
func detachNode(base *node) *node {
	if base.chainNext != nil {
		popped := base.chainNext
		base.chainNext = popped.chainNext
		return popped
	}
	return base
}

func (t *Tree) allocNode() *node {
	p := t.free.Alloc()
	if p == nil {
		return nil
	}
	n := (*node)(p)
	n.left = t.nilNode
	n.right = t.nilNode
	n.chainNext = nil
	n.parentColor = 0
	return n
}

func (t *Tree) freeNode(n *node) {
	t.free.Free(unsafe.Pointer(n))
}

func (t *Tree) checkCache(key unsafe.Pointer) *node {
	if t.previous != nil && t.conf.Compare(key, t.containerValue(t.previous)) == 0 {
		return t.previous
	}
	if t.largest != nil && t.conf.Compare(key, t.containerValue(t.largest)) == 0 {
		return t.largest
	}
	if t.smallest != nil && t.conf.Compare(key, t.containerValue(t.smallest)) == 0 {
		return t.smallest
	}
	return nil
}

func (t *Tree) find(key unsafe.Pointer) location {
	var parent *node
	cmp := 0
	n := t.root
	for n != t.nilNode {
		c := t.conf.Compare(key, t.containerValue(n))
		if c == 0 {
			return location{node: n, parent: parent, cmp: 0}
		}
		parent = n
		cmp = c
		if c < 0 {
			n = n.left
		} else {
			n = n.right
		}
	}
	return location{node: nil, parent: parent, cmp: cmp}
}

// Put inserts value keyed by key. A key equal to one already present chains
// value onto the existing entry instead of adding a new tree node.
func (t *Tree) Put(value, key unsafe.Pointer) error {
	n := t.allocNode()
	if n == nil {
		return errs.New("rbtree.Put", errs.Full, nil)
	}
	t.packValue(n, value)

	if cached := t.checkCache(key); cached != nil {
		t.conf.Attach(t.containerValue(cached), t.containerValue(n))
		attachNode(cached, n)
		t.previous = cached
		return nil
	}

	loc := t.find(key)
	if loc.node != nil {
		t.conf.Attach(t.containerValue(loc.node), t.containerValue(n))
		attachNode(loc.node, n)
		t.previous = loc.node
		return nil
	}

	t.insert(n, loc)
	t.updateCacheInsert(n, loc)
	t.previous = n
	return nil
}

func (t *Tree) insert(n *node, loc location) {
	setColor(n, red)
	n.left = t.nilNode
	n.right = t.nilNode

	if loc.parent == nil {
		t.root = n
		setParent(n, nil)
	} else if loc.cmp < 0 {
		loc.parent.left = n
		setParent(n, loc.parent)
	} else {
		loc.parent.right = n
		setParent(n, loc.parent)
	}
	t.fixupInsert(n)
}

func (t *Tree) updateCacheInsert(n *node, loc location) {
	if loc.parent == nil {
		t.smallest = n
		t.largest = n
		return
	}
	if loc.cmp < 0 && loc.parent == t.smallest {
		t.smallest = n
	}
	if loc.cmp > 0 && loc.parent == t.largest {
		t.largest = n
	}
}

func (t *Tree) fixupInsert(z *node) {
	for parentOf(z) != nil && colorOf(parentOf(z)) == red {
		p := parentOf(z)
		g := parentOf(p)
		if p == g.left {
			u := g.right
			if u != t.nilNode && colorOf(u) == red {
				setColor(p, black)
				setColor(u, black)
				setColor(g, red)
				z = g
			} else {
				if z == p.right {
					z = p
					t.rotateLeft(z)
					p = parentOf(z)
					g = parentOf(p)
				}
				setColor(p, black)
				setColor(g, red)
				t.rotateRight(g)
			}
		} else {
			u := g.left
			if u != t.nilNode && colorOf(u) == red {
				setColor(p, black)
				setColor(u, black)
				setColor(g, red)
				z = g
			} else {
				if z == p.left {
					z = p
					t.rotateRight(z)
					p = parentOf(z)
					g = parentOf(p)
				}
				setColor(p, black)
				setColor(g, red)
				t.rotateLeft(g)
			}
		}
	}
	setColor(t.root, black)
}

func (t *Tree) rotateLeft(x *node) {
	y := x.right
	x.right = y.left
	if y.left != t.nilNode {
		setParent(y.left, x)
	}
	setParent(y, parentOf(x))
	if parentOf(x) == nil {
		t.root = y
	} else if x == parentOf(x).left {
		parentOf(x).left = y
	} else {
		parentOf(x).right = y
	}
	y.left = x
	setParent(x, y)
}

func (t *Tree) rotateRight(x *node) {
	y := x.left
	x.left = y.right
	if y.right != t.nilNode {
		setParent(y.right, x)
	}
	setParent(y, parentOf(x))
	if parentOf(x) == nil {
		t.root = y
	} else if x == parentOf(x).right {
		parentOf(x).right = y
	} else {
		parentOf(x).left = y
	}
	y.right = x
	setParent(x, y)
}

func (t *Tree) transplant(u, v *node) {
	p := parentOf(u)
	if p == nil {
		t.root = v
	} else if u == p.left {
		p.left = v
	} else {
		p.right = v
	}
	setParent(v, p)
}

func (t *Tree) localMinimum(n *node) *node {
	for n.left != t.nilNode {
		n = n.left
	}
	return n
}

func (t *Tree) localMaximum(n *node) *node {
	for n.right != t.nilNode {
		n = n.right
	}
	return n
}

func (t *Tree) delete(z *node) {
	y := z
	yOriginalColor := colorOf(y)
	var x *node

	if z.left == t.nilNode {
		x = z.right
		t.transplant(z, z.right)
	} else if z.right == t.nilNode {
		x = z.left
		t.transplant(z, z.left)
	} else {
		y = t.localMinimum(z.right)
		yOriginalColor = colorOf(y)
		x = y.right
		if parentOf(y) == z {
			setParent(x, y)
		} else {
			t.transplant(y, y.right)
			y.right = z.right
			setParent(y.right, y)
		}
		t.transplant(z, y)
		y.left = z.left
		setParent(y.left, y)
		setColor(y, colorOf(z))
	}

	if yOriginalColor == black {
		t.fixupDelete(x)
	}
}

func (t *Tree) fixupDelete(x *node) {
	for x != t.root && colorOf(x) == black {
		p := parentOf(x)
		if x == p.left {
			w := p.right
			if colorOf(w) == red {
				setColor(w, black)
				setColor(p, red)
				t.rotateLeft(p)
				p = parentOf(x)
				w = p.right
			}
			if colorOf(w.left) == black && colorOf(w.right) == black {
				setColor(w, red)
				x = p
			} else {
				if colorOf(w.right) == black {
					setColor(w.left, black)
					setColor(w, red)
					t.rotateRight(w)
					p = parentOf(x)
					w = p.right
				}
				setColor(w, colorOf(p))
				setColor(p, black)
				setColor(w.right, black)
				t.rotateLeft(p)
				x = t.root
			}
		} else {
			w := p.left
			if colorOf(w) == red {
				setColor(w, black)
				setColor(p, red)
				t.rotateRight(p)
				p = parentOf(x)
				w = p.left
			}
			if colorOf(w.right) == black && colorOf(w.left) == black {
				setColor(w, red)
				x = p
			} else {
				if colorOf(w.left) == black {
					setColor(w.right, black)
					setColor(w, red)
					t.rotateLeft(w)
					p = parentOf(x)
					w = p.left
				}
				setColor(w, colorOf(p))
				setColor(p, black)
				setColor(w.left, black)
				t.rotateRight(p)
				x = t.root
			}
		}
	}
	setColor(x, black)
}

func (t *Tree) updateCacheDelete(n *node) {
	if t.smallest == t.largest && t.smallest == n {
		t.smallest = nil
		t.largest = nil
		return
	}
	if n == t.smallest {
		if n.right != t.nilNode {
			t.smallest = t.localMinimum(n.right)
		} else {
			t.smallest = parentOf(n)
		}
	}
	if n == t.largest {
		if n.left != t.nilNode {
			t.largest = t.localMaximum(n.left)
		} else {
			t.largest = parentOf(n)
		}
	}
}

// Take removes and returns the value keyed by key, chained duplicate first.
func (t *Tree) Take(out, key unsafe.Pointer) error {
	if cached := t.checkCache(key); cached != nil {
		return t.detachAndDelete(cached, out)
	}
	loc := t.find(key)
	if loc.node == nil {
		return errs.New("rbtree.Take", errs.BadKey, nil)
	}
	if loc.node.chainNext != nil {
		// The node stays in the tree after its chain head is popped.
		t.previous = loc.node
	}
	return t.detachAndDelete(loc.node, out)
}

// GetSmallest removes and returns the value with the smallest key.
func (t *Tree) GetSmallest(out unsafe.Pointer) error {
	if t.smallest == nil {
		return errs.New("rbtree.GetSmallest", errs.Empty, nil)
	}
	return t.detachAndDelete(t.smallest, out)
}

// GetLargest removes and returns the value with the largest key.
func (t *Tree) GetLargest(out unsafe.Pointer) error {
	if t.largest == nil {
		return errs.New("rbtree.GetLargest", errs.Empty, nil)
	}
	return t.detachAndDelete(t.largest, out)
}

func (t *Tree) detachAndDelete(n *node, out unsafe.Pointer) error {
	popped := detachNode(n)
	poppedValue := t.containerValue(popped)
	if t.conf.Detach != nil {
		poppedValue = t.conf.Detach(poppedValue)
	}
	if out != nil {
		copy(unsafe.Slice((*byte)(out), t.valueSize), unsafe.Slice((*byte)(poppedValue), t.valueSize))
	}

	if popped == n {
		t.updateCacheDelete(n)
		t.delete(n)
		t.freeNode(n)
		if t.previous == n {
			t.previous = nil
		}
	} else {
		t.freeNode(popped)
	}
	return nil
}
