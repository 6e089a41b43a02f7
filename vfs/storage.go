// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/coquille-sh/coquille/lib/clock"
)

// nodeID is a stable arena index. Guest file descriptors hold a
// nodeID, not a pointer, so host-side updates that mutate the slot in
// place remain visible through descriptors resolved before the
// update. Slot 0 is never used; the root directory is slot 1.
type nodeID uint32

const rootID nodeID = 1

type nodeKind uint8

const (
	kindFile nodeKind = iota
	kindDir
)

// node is one arena slot. A freed slot bumps gen, invalidating any
// descriptor that still references the old occupant.
type node struct {
	kind     nodeKind
	gen      uint32
	data     []byte
	children map[string]nodeID
	mode     fs.FileMode
	mtime    int64
}

// Storage is the in-memory tree backend. All operations, host and
// guest alike, serialize on one RWMutex at the granularity of a
// single filesystem operation: a reader never observes a
// half-written node during a concurrent sync.
type Storage struct {
	mu    sync.RWMutex
	clk   clock.Clock
	nodes []node
	free  []nodeID
}

// NewStorage returns an empty storage tree. A nil clk defaults to the
// real clock; tests inject a fake for deterministic mtimes.
func NewStorage(clk clock.Clock) *Storage {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Storage{clk: clk}
	// Slot 0 is a sentinel, slot 1 the root directory.
	s.nodes = make([]node, 2)
	s.nodes[rootID] = node{
		kind:     kindDir,
		children: make(map[string]nodeID),
		mode:     0o755,
		mtime:    clk.Now().UnixNano(),
	}
	return s
}

// SetTree replaces the entire tree by structural synchronization
// against the snapshot: entries missing from the snapshot are
// removed, new entries are added, and entries present in both are
// updated in place so their node identity (and therefore any guest
// descriptor already resolved to them) survives the sync.
func (s *Storage) SetTree(tree Tree) error {
	entries, err := tree.normalize()
	if err != nil {
		return err
	}

	want, err := stageTree(entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncDirLocked(rootID, want)
	return nil
}

// UpdateFile creates or replaces a single regular file, creating
// parent directories as needed. The file's node is updated in place
// when it already exists.
func (s *Storage) UpdateFile(path string, data []byte) error {
	clean, err := CleanPath(path)
	if err != nil {
		return err
	}
	if clean == "/" {
		return &PathError{Op: "update", Path: path, Err: ErrInvalidPath}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, base, err := s.makeParentsLocked(clean)
	if err != nil {
		return err
	}

	if id, ok := s.nodes[parent].children[base]; ok {
		n := &s.nodes[id]
		if n.kind == kindDir {
			return &PathError{Op: "update", Path: path, Err: ErrAlreadyExists}
		}
		n.data = append(n.data[:0], data...)
		n.mtime = s.clk.Now().UnixNano()
		return nil
	}

	id := s.allocLocked(node{
		kind:  kindFile,
		data:  append([]byte(nil), data...),
		mode:  0o644,
		mtime: s.clk.Now().UnixNano(),
	})
	s.nodes[parent].children[base] = id
	return nil
}

// DeletePath removes a file or directory subtree. It reports whether
// the path existed; deleting an absent path is a no-op, repeatable
// without error.
func (s *Storage) DeletePath(path string) (bool, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return false, err
	}
	if clean == "/" {
		return false, &PathError{Op: "delete", Path: path, Err: ErrInvalidPath}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, base, errno := s.lookupParentLocked(clean)
	if errno != 0 {
		return false, nil
	}
	id, ok := s.nodes[parent].children[base]
	if !ok {
		return false, nil
	}
	delete(s.nodes[parent].children, base)
	s.freeLocked(id)
	return true, nil
}

// ReadFile returns a copy of a regular file's content.
func (s *Storage) ReadFile(path string) ([]byte, error) {
	clean, err := CleanPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, errno := s.lookupLocked(clean)
	if errno != 0 {
		return nil, &PathError{Op: "read", Path: path, Err: ErrNotFound}
	}
	n := &s.nodes[id]
	if n.kind == kindDir {
		return nil, &PathError{Op: "read", Path: path, Err: ErrAlreadyExists}
	}
	return append([]byte(nil), n.data...), nil
}

// Snapshot returns the current tree as a snapshot. Directories with
// children are implied; empty directories are listed explicitly.
func (s *Storage) Snapshot() Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tree := make(Tree)
	s.snapshotLocked(rootID, "", tree)
	return tree
}

func (s *Storage) snapshotLocked(id nodeID, prefix string, tree Tree) {
	n := &s.nodes[id]
	if len(n.children) == 0 && id != rootID {
		tree[prefix] = File{Dir: true}
		return
	}
	for name, child := range n.children {
		path := prefix + "/" + name
		if s.nodes[child].kind == kindFile {
			tree[path] = File{Data: append([]byte(nil), s.nodes[child].data...)}
		} else {
			s.snapshotLocked(child, path, tree)
		}
	}
}

// stageNode is the desired shape of one directory level during sync.
type stageNode struct {
	file     bool
	data     []byte
	children map[string]*stageNode
}

// stageTree folds sorted snapshot entries into a staging tree,
// creating implied parent directories.
func stageTree(entries []treeEntry) (*stageNode, error) {
	root := &stageNode{children: make(map[string]*stageNode)}
	for _, e := range entries {
		parts := strings.Split(strings.TrimPrefix(e.path, "/"), "/")
		cur := root
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur.children[part]
			if !ok {
				next = &stageNode{children: make(map[string]*stageNode)}
				cur.children[part] = next
			}
			if next.file {
				return nil, &PathError{Op: "sync", Path: e.path, Err: ErrAlreadyExists}
			}
			cur = next
		}
		base := parts[len(parts)-1]
		if existing, ok := cur.children[base]; ok {
			// An implied directory may be listed explicitly, but a
			// file cannot collide with a directory.
			if e.file.Dir && !existing.file {
				continue
			}
			return nil, &PathError{Op: "sync", Path: e.path, Err: ErrAlreadyExists}
		}
		if e.file.Dir {
			cur.children[base] = &stageNode{children: make(map[string]*stageNode)}
		} else {
			cur.children[base] = &stageNode{file: true, data: e.file.Data}
		}
	}
	return root, nil
}

// syncDirLocked reconciles one directory's children against the
// staging tree: removals first, then in-place updates and additions.
func (s *Storage) syncDirLocked(id nodeID, want *stageNode) {
	now := s.clk.Now().UnixNano()
	dir := &s.nodes[id]

	for name, childID := range dir.children {
		w, ok := want.children[name]
		if ok && w.file == (s.nodes[childID].kind == kindFile) {
			continue
		}
		delete(dir.children, name)
		s.freeLocked(childID)
	}

	names := make([]string, 0, len(want.children))
	for name := range want.children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w := want.children[name]
		if childID, ok := s.nodes[id].children[name]; ok {
			child := &s.nodes[childID]
			if w.file {
				child.data = append(child.data[:0], w.data...)
				child.mtime = now
			} else {
				s.syncDirLocked(childID, w)
			}
			continue
		}
		s.nodes[id].children[name] = s.buildLocked(w, now)
	}
}

func (s *Storage) buildLocked(w *stageNode, now int64) nodeID {
	if w.file {
		return s.allocLocked(node{
			kind:  kindFile,
			data:  append([]byte(nil), w.data...),
			mode:  0o644,
			mtime: now,
		})
	}
	id := s.allocLocked(node{
		kind:     kindDir,
		children: make(map[string]nodeID),
		mode:     0o755,
		mtime:    now,
	})
	for name, child := range w.children {
		s.nodes[id].children[name] = s.buildLocked(child, now)
	}
	return id
}

// allocLocked places n into a free slot (or a new one), preserving
// the slot's generation counter.
func (s *Storage) allocLocked(n node) nodeID {
	if len(s.free) > 0 {
		id := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		n.gen = s.nodes[id].gen
		s.nodes[id] = n
		return id
	}
	s.nodes = append(s.nodes, n)
	return nodeID(len(s.nodes) - 1)
}

// freeLocked releases a subtree. Bumping gen invalidates descriptors
// that still reference the slot.
func (s *Storage) freeLocked(id nodeID) {
	n := &s.nodes[id]
	for _, child := range n.children {
		s.freeLocked(child)
	}
	gen := n.gen + 1
	*n = node{gen: gen}
	s.free = append(s.free, id)
}

// lookupLocked resolves a clean absolute path to a node.
func (s *Storage) lookupLocked(path string) (nodeID, lookupErr) {
	if path == "/" {
		return rootID, 0
	}
	cur := rootID
	for _, part := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		n := &s.nodes[cur]
		if n.kind != kindDir {
			return 0, lookupNotDir
		}
		next, ok := n.children[part]
		if !ok {
			return 0, lookupNotFound
		}
		cur = next
	}
	return cur, 0
}

// lookupParentLocked resolves the parent directory of a clean,
// non-root absolute path.
func (s *Storage) lookupParentLocked(path string) (nodeID, string, lookupErr) {
	idx := strings.LastIndexByte(path, '/')
	parentPath, base := path[:idx], path[idx+1:]
	if parentPath == "" {
		parentPath = "/"
	}
	parent, errno := s.lookupLocked(parentPath)
	if errno != 0 {
		return 0, "", errno
	}
	if s.nodes[parent].kind != kindDir {
		return 0, "", lookupNotDir
	}
	return parent, base, 0
}

// makeParentsLocked is lookupParentLocked with mkdir -p semantics.
func (s *Storage) makeParentsLocked(path string) (nodeID, string, error) {
	idx := strings.LastIndexByte(path, '/')
	parentPath, base := path[:idx], path[idx+1:]

	cur := rootID
	if parentPath != "" {
		now := s.clk.Now().UnixNano()
		for _, part := range strings.Split(strings.TrimPrefix(parentPath, "/"), "/") {
			n := &s.nodes[cur]
			if next, ok := n.children[part]; ok {
				if s.nodes[next].kind != kindDir {
					return 0, "", &PathError{Op: "mkdir", Path: path, Err: ErrAlreadyExists}
				}
				cur = next
				continue
			}
			id := s.allocLocked(node{
				kind:     kindDir,
				children: make(map[string]nodeID),
				mode:     0o755,
				mtime:    now,
			})
			s.nodes[cur].children[part] = id
			cur = id
		}
	}
	return cur, base, nil
}

// lookupErr distinguishes the two ways path resolution fails; the
// WASI adapter maps them to ENOENT and ENOTDIR.
type lookupErr uint8

const (
	lookupNotFound lookupErr = iota + 1
	lookupNotDir
)
