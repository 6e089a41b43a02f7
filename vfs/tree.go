// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coquille-sh/coquille/lib/codec"
)

// File is one entry in a Tree snapshot: either a regular file with
// content or an (explicitly listed) empty directory. Parent
// directories of any entry are implied and need not be listed.
type File struct {
	Data []byte `cbor:"data,omitempty"`
	Dir  bool   `cbor:"dir,omitempty"`
}

// Tree is a full snapshot of a storage backend, keyed by absolute
// slash-separated path. It is the wire format of the set-tree FFI
// call (CBOR, deterministic encoding) and the input to structural
// synchronization.
type Tree map[string]File

// TreeFromStrings builds a Tree of regular files from string content,
// a convenience for hosts and tests.
func TreeFromStrings(files map[string]string) Tree {
	tree := make(Tree, len(files))
	for path, content := range files {
		tree[path] = File{Data: []byte(content)}
	}
	return tree
}

// MarshalTree encodes a Tree with the engine's deterministic CBOR
// configuration. Identical trees always produce identical bytes.
func MarshalTree(tree Tree) ([]byte, error) {
	return codec.Marshal(tree)
}

// UnmarshalTree decodes a CBOR-encoded Tree.
func UnmarshalTree(data []byte) (Tree, error) {
	var tree Tree
	if err := codec.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode tree snapshot: %w", err)
	}
	return tree, nil
}

// normalize validates and cleans every path in the tree, returning
// the entries sorted by path so parents precede children.
func (t Tree) normalize() ([]treeEntry, error) {
	entries := make([]treeEntry, 0, len(t))
	seen := make(map[string]bool, len(t))
	for path, file := range t {
		clean, err := CleanPath(path)
		if err != nil {
			return nil, err
		}
		if clean == "/" {
			if !file.Dir {
				return nil, &PathError{Op: "sync", Path: path, Err: ErrInvalidPath}
			}
			continue
		}
		if seen[clean] {
			return nil, &PathError{Op: "sync", Path: path, Err: ErrAlreadyExists}
		}
		seen[clean] = true
		entries = append(entries, treeEntry{path: clean, file: file})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return entries, nil
}

type treeEntry struct {
	path string
	file File
}

// CleanPath normalizes a guest path to an absolute, slash-separated
// form with no ".", "..", or empty segments. Relative paths are
// interpreted from the root. Traversal above the root is rejected
// rather than clamped, so a crafted path cannot alias another mount.
func CleanPath(path string) (string, error) {
	if path == "" {
		return "", &PathError{Op: "clean", Path: path, Err: ErrInvalidPath}
	}
	if strings.ContainsRune(path, 0) {
		return "", &PathError{Op: "clean", Path: path, Err: ErrInvalidPath}
	}

	var parts []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) == 0 {
				return "", &PathError{Op: "clean", Path: path, Err: ErrInvalidPath}
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(parts, "/"), nil
}
