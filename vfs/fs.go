// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"io/fs"
	"sync"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"
)

// FS is the routed guest namespace: a mount table resolved per
// operation, mounted into the sandbox as the guest's root
// filesystem. The host-facing tree operations (SetTree, UpdateFile,
// DeletePath) address the primary storage mount using guest-absolute
// paths, so the host and the guest describe the same file the same
// way.
type FS struct {
	experimentalsys.UnimplementedFS

	mounts        []Mount
	primary       *Storage
	primaryPrefix string

	mu  sync.RWMutex
	cwd string
}

// NewFS builds a namespace from the given mounts. Prefixes must be
// unique; nesting is allowed and resolves longest prefix first. The
// first writable storage mount becomes the primary target for host
// tree operations.
func NewFS(mounts ...Mount) (*FS, error) {
	ordered, err := validateMounts(mounts)
	if err != nil {
		return nil, err
	}
	f := &FS{mounts: ordered, cwd: "/"}
	for _, m := range mounts {
		if m.kind == MountStorage && !m.readOnly {
			f.primary = m.storage
			f.primaryPrefix = m.prefix
			break
		}
	}
	return f, nil
}

// resolve routes a backend-relative path from wazero to a mount.
func (f *FS) resolve(p string) (experimentalsys.FS, string, experimentalsys.Errno) {
	clean, errno := storagePath(p)
	if errno != 0 {
		return nil, "", errno
	}
	for _, m := range f.mounts {
		if rest, ok := m.match(clean); ok {
			return m.backend, rest, 0
		}
	}
	return nil, "", experimentalsys.ENOENT
}

// mountFor returns the mount owning a guest-absolute path.
func (f *FS) mountFor(clean string) (Mount, string, bool) {
	for _, m := range f.mounts {
		if rest, ok := m.match(clean); ok {
			return m, rest, true
		}
	}
	return Mount{}, "", false
}

func (f *FS) OpenFile(p string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return nil, errno
	}
	return backend.OpenFile(rest, flag, perm)
}

func (f *FS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return sys.Stat_t{}, errno
	}
	return backend.Lstat(rest)
}

func (f *FS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return sys.Stat_t{}, errno
	}
	return backend.Stat(rest)
}

func (f *FS) Mkdir(p string, perm fs.FileMode) experimentalsys.Errno {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return errno
	}
	return backend.Mkdir(rest, perm)
}

func (f *FS) Chmod(p string, perm fs.FileMode) experimentalsys.Errno {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return errno
	}
	return backend.Chmod(rest, perm)
}

func (f *FS) Rename(from, to string) experimentalsys.Errno {
	fromClean, errno := storagePath(from)
	if errno != 0 {
		return errno
	}
	toClean, errno := storagePath(to)
	if errno != 0 {
		return errno
	}
	fromMount, fromRest, ok := f.mountFor(fromClean)
	if !ok {
		return experimentalsys.ENOENT
	}
	toMount, toRest, ok := f.mountFor(toClean)
	if !ok {
		return experimentalsys.ENOENT
	}
	// A rename cannot carry a file between backends.
	if fromMount.prefix != toMount.prefix {
		return experimentalsys.ENOTSUP
	}
	return fromMount.backend.Rename(fromRest, toRest)
}

func (f *FS) Rmdir(p string) experimentalsys.Errno {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return errno
	}
	return backend.Rmdir(rest)
}

func (f *FS) Unlink(p string) experimentalsys.Errno {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return errno
	}
	return backend.Unlink(rest)
}

func (f *FS) Link(oldPath, newPath string) experimentalsys.Errno {
	oldClean, errno := storagePath(oldPath)
	if errno != 0 {
		return errno
	}
	newClean, errno := storagePath(newPath)
	if errno != 0 {
		return errno
	}
	oldMount, oldRest, ok := f.mountFor(oldClean)
	if !ok {
		return experimentalsys.ENOENT
	}
	newMount, newRest, ok := f.mountFor(newClean)
	if !ok {
		return experimentalsys.ENOENT
	}
	if oldMount.prefix != newMount.prefix {
		return experimentalsys.ENOTSUP
	}
	return oldMount.backend.Link(oldRest, newRest)
}

func (f *FS) Symlink(oldPath, linkName string) experimentalsys.Errno {
	backend, rest, errno := f.resolve(linkName)
	if errno != 0 {
		return errno
	}
	return backend.Symlink(oldPath, rest)
}

func (f *FS) Readlink(p string) (string, experimentalsys.Errno) {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return "", errno
	}
	return backend.Readlink(rest)
}

func (f *FS) Utimens(p string, atim, mtim int64) experimentalsys.Errno {
	backend, rest, errno := f.resolve(p)
	if errno != 0 {
		return errno
	}
	return backend.Utimens(rest, atim, mtim)
}

// Cwd returns the namespace's working directory, used to absolutize
// relative paths in host tree operations.
func (f *FS) Cwd() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cwd
}

// SetCwd changes the working directory. The target must resolve to
// an existing directory in some mount.
func (f *FS) SetCwd(path string) error {
	clean, err := f.absolutize(path)
	if err != nil {
		return err
	}
	m, rest, ok := f.mountFor(clean)
	if !ok {
		return &PathError{Op: "chdir", Path: path, Err: ErrNotFound}
	}
	st, errno := m.backend.Stat(rest)
	if errno != 0 {
		return &PathError{Op: "chdir", Path: path, Err: ErrNotFound}
	}
	if !st.Mode.IsDir() {
		return &PathError{Op: "chdir", Path: path, Err: ErrInvalidPath}
	}
	f.mu.Lock()
	f.cwd = clean
	f.mu.Unlock()
	return nil
}

// absolutize resolves a possibly-relative path against the working
// directory into a clean guest-absolute path.
func (f *FS) absolutize(path string) (string, error) {
	if path == "" {
		return "", &PathError{Op: "resolve", Path: path, Err: ErrInvalidPath}
	}
	if path[0] != '/' {
		path = f.Cwd() + "/" + path
	}
	return CleanPath(path)
}

// primaryStorage returns the tree behind a guest-absolute path when
// that path falls under a writable storage mount.
func (f *FS) primaryStorage(path string) (*Storage, string, error) {
	clean, err := f.absolutize(path)
	if err != nil {
		return nil, "", err
	}
	m, rest, ok := f.mountFor(clean)
	if !ok {
		return nil, "", &PathError{Op: "resolve", Path: path, Err: ErrNotFound}
	}
	if m.kind != MountStorage || m.readOnly {
		return nil, "", &PathError{Op: "resolve", Path: path, Err: ErrPermissionDenied}
	}
	if rest == "." {
		rest = "/"
	} else {
		rest = "/" + rest
	}
	return m.storage, rest, nil
}

// SetTree synchronizes the primary storage mount against a snapshot
// whose keys are guest-absolute paths under the mount prefix.
func (f *FS) SetTree(tree Tree) error {
	if f.primary == nil {
		return &PathError{Op: "sync", Path: f.primaryPrefix, Err: ErrPermissionDenied}
	}
	rebased := make(Tree, len(tree))
	for p, file := range tree {
		clean, err := CleanPath(p)
		if err != nil {
			return err
		}
		m, rest, ok := f.mountFor(clean)
		if !ok || m.storage != f.primary {
			return &PathError{Op: "sync", Path: p, Err: ErrInvalidPath}
		}
		if rest == "." {
			rest = "/"
		} else {
			rest = "/" + rest
		}
		rebased[rest] = file
	}
	return f.primary.SetTree(rebased)
}

// UpdateFile upserts one file through to the storage backing the
// path's mount, creating parents as needed.
func (f *FS) UpdateFile(path string, data []byte) error {
	st, rest, err := f.primaryStorage(path)
	if err != nil {
		return err
	}
	return st.UpdateFile(rest, data)
}

// DeletePath removes a file or subtree, reporting whether it
// existed.
func (f *FS) DeletePath(path string) (bool, error) {
	st, rest, err := f.primaryStorage(path)
	if err != nil {
		return false, err
	}
	return st.DeletePath(rest)
}

// ReadFile returns a file's content from whichever mount owns it.
func (f *FS) ReadFile(path string) ([]byte, error) {
	clean, err := f.absolutize(path)
	if err != nil {
		return nil, err
	}
	m, rest, ok := f.mountFor(clean)
	if !ok {
		return nil, &PathError{Op: "read", Path: path, Err: ErrNotFound}
	}
	if m.kind == MountStorage {
		if rest == "." {
			rest = "/"
		} else {
			rest = "/" + rest
		}
		return m.storage.ReadFile(rest)
	}
	fh, errno := m.backend.OpenFile(rest, experimentalsys.O_RDONLY, 0)
	if errno != 0 {
		return nil, &PathError{Op: "read", Path: path, Err: errno}
	}
	defer fh.Close()
	stat, errno := fh.Stat()
	if errno != 0 {
		return nil, &PathError{Op: "read", Path: path, Err: errno}
	}
	buf := make([]byte, stat.Size)
	read := 0
	for read < len(buf) {
		n, errno := fh.Read(buf[read:])
		if errno != 0 {
			return nil, &PathError{Op: "read", Path: path, Err: errno}
		}
		if n == 0 {
			break
		}
		read += n
	}
	return buf[:read], nil
}

// Snapshot captures the primary storage mount as a tree keyed by
// guest-absolute paths.
func (f *FS) Snapshot() Tree {
	if f.primary == nil {
		return Tree{}
	}
	raw := f.primary.Snapshot()
	prefix := f.primaryPrefix
	if prefix == "/" {
		return raw
	}
	out := make(Tree, len(raw))
	for p, file := range raw {
		out[prefix+p] = file
	}
	return out
}

var _ experimentalsys.FS = (*FS)(nil)
