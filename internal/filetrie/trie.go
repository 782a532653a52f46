// Package filetrie implements the path-keyed trie used by the solver and
// orchestrator to track file and directory ownership. Unlike a plain
// string-prefix radix tree (compare gps/typed_radix.go in the teacher,
// which wraps github.com/armon/go-radix over whole path strings) this
// trie is keyed per path segment so that it can distinguish a file leaf
// from a directory marker at the same path and prune empty ancestor
// directories on removal — a shape no whole-string radix tree exposes.
package filetrie

import "strings"

// Node is one element of the trie: either a directory (with children) or
// a leaf representing a file or a directory marker. Payload carries
// caller-defined metadata, typically the set of packages that own this
// path.
type Node struct {
	name     string
	parent   *Node
	children map[string]*Node
	isLeaf   bool
	payload  interface{}
}

// Name returns the path segment this node represents.
func (n *Node) Name() string { return n.name }

// IsLeaf reports whether this node is a file or directory-marker leaf as
// opposed to an interior directory node.
func (n *Node) IsLeaf() bool { return n.isLeaf }

// Payload returns the metadata attached to this node by Insert*.
func (n *Node) Payload() interface{} { return n.payload }

// SetPayload replaces the metadata attached to this node.
func (n *Node) SetPayload(p interface{}) { n.payload = p }

// Trie is a path trie rooted at "/". It is not safe for concurrent use
// without external synchronization, matching the single-threaded
// cooperative model of spec §5.
type Trie struct {
	root *Node
}

// New returns an empty Trie.
func New() *Trie {
	return &Trie{root: &Node{children: map[string]*Node{}}}
}

func segments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// InsertFile inserts a leaf node keyed by the last segment of path,
// creating any missing intermediate directory nodes. Inserting a file
// through an existing file leaf is a no-op and returns the existing node.
func (t *Trie) InsertFile(path string, payload interface{}) *Node {
	segs := segments(path)
	if len(segs) == 0 {
		return t.root
	}
	dir := t.walkCreate(segs[:len(segs)-1])
	if dir.isLeaf {
		return dir
	}
	last := segs[len(segs)-1]
	if existing, ok := dir.children[last]; ok {
		return existing
	}
	leaf := &Node{name: last, parent: dir, isLeaf: true, payload: payload}
	dir.children[last] = leaf
	return leaf
}

// InsertDirectory inserts a directory marker for path: a leaf keyed by the
// empty segment "" appended as a child of the last real segment's node.
// This lets a single path host both a directory node (for children) and
// a distinguishable directory-marker leaf (for ownership metadata).
func (t *Trie) InsertDirectory(path string, payload interface{}) *Node {
	segs := segments(path)
	dir := t.walkCreate(segs)
	if dir.isLeaf {
		return dir
	}
	if existing, ok := dir.children[""]; ok {
		return existing
	}
	marker := &Node{name: "", parent: dir, isLeaf: true, payload: payload}
	dir.children[""] = marker
	return marker
}

// walkCreate walks from the root through segs, creating intermediate
// directory nodes as needed, and returns the final directory node.
// A fresh interior node is NOT substituted for an existing leaf: if the
// walk reaches a leaf, that leaf is returned and the Insert* callers
// return it unchanged, so inserting through a leaf is a no-op.
func (t *Trie) walkCreate(segs []string) *Node {
	cur := t.root
	for _, s := range segs {
		child, ok := cur.children[s]
		if ok && child.isLeaf {
			return child
		}
		if !ok {
			child = &Node{name: s, parent: cur, children: map[string]*Node{}}
			cur.children[s] = child
		}
		if child.children == nil {
			child.children = map[string]*Node{}
		}
		cur = child
	}
	return cur
}

// FindFile walks the trie looking for a file leaf at path. It returns
// (nil, false) if the path doesn't exist, is a directory, or traversal
// would have to pass through an existing leaf.
func (t *Trie) FindFile(path string) (*Node, bool) {
	segs := segments(path)
	if len(segs) == 0 {
		return nil, false
	}
	dir, ok := t.walkFind(segs[:len(segs)-1])
	if !ok {
		return nil, false
	}
	leaf, ok := dir.children[segs[len(segs)-1]]
	if !ok || !leaf.isLeaf {
		return nil, false
	}
	return leaf, true
}

// FindDirectory walks the trie looking for the directory marker at path.
func (t *Trie) FindDirectory(path string) (*Node, bool) {
	segs := segments(path)
	dir, ok := t.walkFind(segs)
	if !ok {
		return nil, false
	}
	marker, ok := dir.children[""]
	if !ok {
		return nil, false
	}
	return marker, true
}

// walkFind walks from the root through segs without creating anything,
// rejecting any traversal that would pass through a leaf.
func (t *Trie) walkFind(segs []string) (*Node, bool) {
	cur := t.root
	for _, s := range segs {
		child, ok := cur.children[s]
		if !ok || child.isLeaf {
			return nil, false
		}
		cur = child
	}
	return cur, true
}

// RemoveElement deletes the leaf (file or directory marker) at path, then
// walks upward deleting any ancestor directory node left with no
// children.
func (t *Trie) RemoveElement(path string) bool {
	segs := segments(path)
	if len(segs) == 0 {
		return false
	}
	dir, ok := t.walkFind(segs[:len(segs)-1])
	if !ok {
		return false
	}
	last := segs[len(segs)-1]
	child, ok := dir.children[last]
	if !ok {
		return false
	}
	if child.isLeaf {
		delete(dir.children, last)
	} else {
		// path names a directory: remove its marker leaf, not the
		// directory node and everything below it.
		if _, ok := child.children[""]; !ok {
			return false
		}
		delete(child.children, "")
		dir = child
	}

	for cur := dir; cur != t.root && cur.parent != nil; cur = cur.parent {
		if len(cur.children) > 0 {
			break
		}
		delete(cur.parent.children, cur.name)
	}
	return true
}

// Walk calls fn for every leaf (file or directory marker) in the trie,
// passing the reconstructed path with a leading "/" and, for directory
// markers, a trailing "/".
func (t *Trie) Walk(fn func(path string, n *Node)) {
	var rec func(n *Node, prefix []string)
	rec = func(n *Node, prefix []string) {
		for name, child := range n.children {
			if child.isLeaf {
				if name == "" {
					fn("/"+strings.Join(prefix, "/")+"/", child)
				} else {
					fn("/"+strings.Join(append(append([]string{}, prefix...), name), "/"), child)
				}
				continue
			}
			rec(child, append(append([]string{}, prefix...), name))
		}
	}
	rec(t.root, nil)
}
