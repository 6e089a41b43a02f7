// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"io"
	"io/fs"
	"sort"
	"strings"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"
)

// memFS exposes a Storage tree through wazero's syscall-level
// filesystem interface. The guest sees ordinary files; every
// operation resolves through the node arena so host-side syncs are
// immediately visible.
type memFS struct {
	experimentalsys.UnimplementedFS

	st *Storage
}

func newMemFS(st *Storage) *memFS {
	return &memFS{st: st}
}

// storagePath converts the mount-relative path wazero hands us into
// a clean storage-absolute path.
func storagePath(p string) (string, experimentalsys.Errno) {
	if p == "." || p == "" || p == "/" {
		return "/", 0
	}
	clean, err := CleanPath("/" + strings.TrimPrefix(p, "/"))
	if err != nil {
		return "", experimentalsys.EINVAL
	}
	return clean, 0
}

func (f *memFS) OpenFile(p string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	clean, errno := storagePath(p)
	if errno != 0 {
		return nil, errno
	}

	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()

	id, lerr := st.lookupLocked(clean)
	switch lerr {
	case 0:
		n := &st.nodes[id]
		if flag&experimentalsys.O_CREAT != 0 && flag&experimentalsys.O_EXCL != 0 {
			return nil, experimentalsys.EEXIST
		}
		if n.kind == kindDir {
			if flag&(experimentalsys.O_WRONLY|experimentalsys.O_RDWR) != 0 {
				return nil, experimentalsys.EISDIR
			}
			return &memDir{st: st, id: id, gen: n.gen, path: clean}, 0
		}
		if flag&experimentalsys.O_DIRECTORY != 0 {
			return nil, experimentalsys.ENOTDIR
		}
		if flag&experimentalsys.O_TRUNC != 0 {
			n.data = n.data[:0]
			n.mtime = st.clk.Now().UnixNano()
		}
		return &memFile{
			st:         st,
			id:         id,
			gen:        n.gen,
			writable:   flag&(experimentalsys.O_WRONLY|experimentalsys.O_RDWR) != 0,
			appendMode: flag&experimentalsys.O_APPEND != 0,
		}, 0
	case lookupNotDir:
		return nil, experimentalsys.ENOTDIR
	}

	// Absent: create when asked, otherwise report it.
	if flag&experimentalsys.O_CREAT == 0 {
		return nil, experimentalsys.ENOENT
	}
	if flag&experimentalsys.O_DIRECTORY != 0 {
		return nil, experimentalsys.EISDIR
	}

	parent, base, lerr := st.lookupParentLocked(clean)
	switch lerr {
	case lookupNotFound:
		return nil, experimentalsys.ENOENT
	case lookupNotDir:
		return nil, experimentalsys.ENOTDIR
	}

	id = st.allocLocked(node{
		kind:  kindFile,
		mode:  perm.Perm(),
		mtime: st.clk.Now().UnixNano(),
	})
	st.nodes[parent].children[base] = id
	return &memFile{
		st:         st,
		id:         id,
		gen:        st.nodes[id].gen,
		writable:   flag&(experimentalsys.O_WRONLY|experimentalsys.O_RDWR) != 0,
		appendMode: flag&experimentalsys.O_APPEND != 0,
	}, 0
}

func (f *memFS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	// No symlinks in the in-memory tree.
	return f.Stat(p)
}

func (f *memFS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	clean, errno := storagePath(p)
	if errno != 0 {
		return sys.Stat_t{}, errno
	}

	st := f.st
	st.mu.RLock()
	defer st.mu.RUnlock()

	id, lerr := st.lookupLocked(clean)
	switch lerr {
	case lookupNotFound:
		return sys.Stat_t{}, experimentalsys.ENOENT
	case lookupNotDir:
		return sys.Stat_t{}, experimentalsys.ENOTDIR
	}
	return statLocked(st, id), 0
}

func (f *memFS) Mkdir(p string, perm fs.FileMode) experimentalsys.Errno {
	clean, errno := storagePath(p)
	if errno != 0 {
		return errno
	}
	if clean == "/" {
		return experimentalsys.EEXIST
	}

	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()

	parent, base, lerr := st.lookupParentLocked(clean)
	switch lerr {
	case lookupNotFound:
		return experimentalsys.ENOENT
	case lookupNotDir:
		return experimentalsys.ENOTDIR
	}
	if _, ok := st.nodes[parent].children[base]; ok {
		return experimentalsys.EEXIST
	}

	id := st.allocLocked(node{
		kind:     kindDir,
		children: make(map[string]nodeID),
		mode:     perm.Perm(),
		mtime:    st.clk.Now().UnixNano(),
	})
	st.nodes[parent].children[base] = id
	return 0
}

func (f *memFS) Chmod(p string, perm fs.FileMode) experimentalsys.Errno {
	clean, errno := storagePath(p)
	if errno != 0 {
		return errno
	}

	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()

	id, lerr := st.lookupLocked(clean)
	switch lerr {
	case lookupNotFound:
		return experimentalsys.ENOENT
	case lookupNotDir:
		return experimentalsys.ENOTDIR
	}
	st.nodes[id].mode = perm.Perm()
	return 0
}

func (f *memFS) Rename(from, to string) experimentalsys.Errno {
	fromClean, errno := storagePath(from)
	if errno != 0 {
		return errno
	}
	toClean, errno := storagePath(to)
	if errno != 0 {
		return errno
	}
	if fromClean == "/" || toClean == "/" {
		return experimentalsys.EINVAL
	}
	if fromClean == toClean {
		return 0
	}
	// Moving a directory under itself would orphan the subtree.
	if strings.HasPrefix(toClean, fromClean+"/") {
		return experimentalsys.EINVAL
	}

	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()

	fromParent, fromBase, lerr := st.lookupParentLocked(fromClean)
	if lerr != 0 {
		return experimentalsys.ENOENT
	}
	srcID, ok := st.nodes[fromParent].children[fromBase]
	if !ok {
		return experimentalsys.ENOENT
	}

	toParent, toBase, lerr := st.lookupParentLocked(toClean)
	switch lerr {
	case lookupNotFound:
		return experimentalsys.ENOENT
	case lookupNotDir:
		return experimentalsys.ENOTDIR
	}

	if dstID, ok := st.nodes[toParent].children[toBase]; ok {
		src, dst := &st.nodes[srcID], &st.nodes[dstID]
		switch {
		case src.kind == kindDir && dst.kind == kindFile:
			return experimentalsys.ENOTDIR
		case src.kind == kindFile && dst.kind == kindDir:
			return experimentalsys.EISDIR
		case dst.kind == kindDir && len(dst.children) > 0:
			return experimentalsys.ENOTEMPTY
		}
		delete(st.nodes[toParent].children, toBase)
		st.freeLocked(dstID)
	}

	delete(st.nodes[fromParent].children, fromBase)
	st.nodes[toParent].children[toBase] = srcID
	return 0
}

func (f *memFS) Rmdir(p string) experimentalsys.Errno {
	clean, errno := storagePath(p)
	if errno != 0 {
		return errno
	}
	if clean == "/" {
		return experimentalsys.EACCES
	}

	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()

	parent, base, lerr := st.lookupParentLocked(clean)
	if lerr != 0 {
		return experimentalsys.ENOENT
	}
	id, ok := st.nodes[parent].children[base]
	if !ok {
		return experimentalsys.ENOENT
	}
	n := &st.nodes[id]
	if n.kind != kindDir {
		return experimentalsys.ENOTDIR
	}
	if len(n.children) > 0 {
		return experimentalsys.ENOTEMPTY
	}
	delete(st.nodes[parent].children, base)
	st.freeLocked(id)
	return 0
}

func (f *memFS) Unlink(p string) experimentalsys.Errno {
	clean, errno := storagePath(p)
	if errno != 0 {
		return errno
	}
	if clean == "/" {
		return experimentalsys.EISDIR
	}

	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()

	parent, base, lerr := st.lookupParentLocked(clean)
	if lerr != 0 {
		return experimentalsys.ENOENT
	}
	id, ok := st.nodes[parent].children[base]
	if !ok {
		return experimentalsys.ENOENT
	}
	if st.nodes[id].kind == kindDir {
		return experimentalsys.EISDIR
	}
	delete(st.nodes[parent].children, base)
	st.freeLocked(id)
	return 0
}

func (f *memFS) Utimens(p string, atim, mtim int64) experimentalsys.Errno {
	clean, errno := storagePath(p)
	if errno != 0 {
		return errno
	}

	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()

	id, lerr := st.lookupLocked(clean)
	if lerr != 0 {
		return experimentalsys.ENOENT
	}
	if mtim != experimentalsys.UTIME_OMIT {
		st.nodes[id].mtime = mtim
	}
	return 0
}

func statLocked(st *Storage, id nodeID) sys.Stat_t {
	n := &st.nodes[id]
	s := sys.Stat_t{
		Ino:   uint64(id),
		Nlink: 1,
		Atim:  n.mtime,
		Mtim:  n.mtime,
		Ctim:  n.mtime,
	}
	if n.kind == kindDir {
		s.Mode = fs.ModeDir | n.mode
	} else {
		s.Mode = n.mode
		s.Size = int64(len(n.data))
	}
	return s
}

// memFile is an open regular file. It holds the node's arena slot
// and generation; a sync that removes the node invalidates the
// descriptor (EBADF) rather than resurrecting stale content.
type memFile struct {
	experimentalsys.UnimplementedFile

	st         *Storage
	id         nodeID
	gen        uint32
	pos        int64
	writable   bool
	appendMode bool
	closed     bool
}

// nodeLocked revalidates the descriptor against the arena. Callers
// hold the storage lock.
func (f *memFile) nodeLocked() (*node, experimentalsys.Errno) {
	if f.closed {
		return nil, experimentalsys.EBADF
	}
	n := &f.st.nodes[f.id]
	if n.gen != f.gen || n.kind != kindFile {
		return nil, experimentalsys.EBADF
	}
	return n, 0
}

func (f *memFile) Dev() (uint64, experimentalsys.Errno) { return 0, 0 }

func (f *memFile) Ino() (sys.Inode, experimentalsys.Errno) {
	return uint64(f.id), 0
}

func (f *memFile) IsDir() (bool, experimentalsys.Errno) { return false, 0 }

func (f *memFile) IsAppend() bool { return f.appendMode }

func (f *memFile) SetAppend(enable bool) experimentalsys.Errno {
	f.appendMode = enable
	return 0
}

func (f *memFile) Stat() (sys.Stat_t, experimentalsys.Errno) {
	f.st.mu.RLock()
	defer f.st.mu.RUnlock()
	if _, errno := f.nodeLocked(); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return statLocked(f.st, f.id), 0
}

func (f *memFile) Read(buf []byte) (int, experimentalsys.Errno) {
	f.st.mu.RLock()
	defer f.st.mu.RUnlock()
	n, errno := f.preadLocked(buf, f.pos)
	f.pos += int64(n)
	return n, errno
}

func (f *memFile) Pread(buf []byte, off int64) (int, experimentalsys.Errno) {
	f.st.mu.RLock()
	defer f.st.mu.RUnlock()
	return f.preadLocked(buf, off)
}

func (f *memFile) preadLocked(buf []byte, off int64) (int, experimentalsys.Errno) {
	n, errno := f.nodeLocked()
	if errno != 0 {
		return 0, errno
	}
	if off < 0 {
		return 0, experimentalsys.EINVAL
	}
	if off >= int64(len(n.data)) {
		return 0, 0
	}
	return copy(buf, n.data[off:]), 0
}

func (f *memFile) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	f.st.mu.RLock()
	defer f.st.mu.RUnlock()
	n, errno := f.nodeLocked()
	if errno != 0 {
		return 0, errno
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.pos + offset
	case io.SeekEnd:
		next = int64(len(n.data)) + offset
	default:
		return 0, experimentalsys.EINVAL
	}
	if next < 0 {
		return 0, experimentalsys.EINVAL
	}
	f.pos = next
	return next, 0
}

func (f *memFile) Write(buf []byte) (int, experimentalsys.Errno) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	n, errno := f.nodeLocked()
	if errno != 0 {
		return 0, errno
	}
	if !f.writable {
		return 0, experimentalsys.EBADF
	}
	if f.appendMode {
		f.pos = int64(len(n.data))
	}
	written := writeAtLocked(n, buf, f.pos, f.st.clk.Now().UnixNano())
	f.pos += int64(written)
	return written, 0
}

func (f *memFile) Pwrite(buf []byte, off int64) (int, experimentalsys.Errno) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	n, errno := f.nodeLocked()
	if errno != 0 {
		return 0, errno
	}
	if !f.writable {
		return 0, experimentalsys.EBADF
	}
	if off < 0 {
		return 0, experimentalsys.EINVAL
	}
	return writeAtLocked(n, buf, off, f.st.clk.Now().UnixNano()), 0
}

func writeAtLocked(n *node, buf []byte, off int64, now int64) int {
	end := off + int64(len(buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], buf)
	n.mtime = now
	return len(buf)
}

func (f *memFile) Truncate(size int64) experimentalsys.Errno {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	n, errno := f.nodeLocked()
	if errno != 0 {
		return errno
	}
	if !f.writable {
		return experimentalsys.EBADF
	}
	if size < 0 {
		return experimentalsys.EINVAL
	}
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, n.data)
		n.data = grown
	}
	n.mtime = f.st.clk.Now().UnixNano()
	return 0
}

func (f *memFile) Sync() experimentalsys.Errno     { return 0 }
func (f *memFile) Datasync() experimentalsys.Errno { return 0 }

func (f *memFile) Close() experimentalsys.Errno {
	f.closed = true
	return 0
}

// memDir is an open directory. The entry listing is captured lazily
// on first Readdir and re-captured on rewind, giving each traversal
// a consistent view.
type memDir struct {
	experimentalsys.UnimplementedFile

	st      *Storage
	id      nodeID
	gen     uint32
	path    string
	entries []experimentalsys.Dirent
	cursor  int
	loaded  bool
	closed  bool
}

func (d *memDir) validLocked() experimentalsys.Errno {
	if d.closed {
		return experimentalsys.EBADF
	}
	n := &d.st.nodes[d.id]
	if n.gen != d.gen || n.kind != kindDir {
		return experimentalsys.EBADF
	}
	return 0
}

func (d *memDir) Dev() (uint64, experimentalsys.Errno) { return 0, 0 }

func (d *memDir) Ino() (sys.Inode, experimentalsys.Errno) {
	return uint64(d.id), 0
}

func (d *memDir) IsDir() (bool, experimentalsys.Errno) { return true, 0 }

func (d *memDir) IsAppend() bool { return false }

func (d *memDir) SetAppend(bool) experimentalsys.Errno {
	return experimentalsys.EISDIR
}

func (d *memDir) Stat() (sys.Stat_t, experimentalsys.Errno) {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	if errno := d.validLocked(); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return statLocked(d.st, d.id), 0
}

func (d *memDir) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	// Only a rewind to the start is meaningful for directories.
	if offset != 0 || whence != io.SeekStart {
		return 0, experimentalsys.EINVAL
	}
	d.entries = nil
	d.cursor = 0
	d.loaded = false
	return 0, 0
}

func (d *memDir) Readdir(count int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	if errno := d.validLocked(); errno != 0 {
		return nil, errno
	}

	if !d.loaded {
		n := &d.st.nodes[d.id]
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		d.entries = make([]experimentalsys.Dirent, 0, len(names))
		for _, name := range names {
			child := n.children[name]
			typ := fs.FileMode(0)
			if d.st.nodes[child].kind == kindDir {
				typ = fs.ModeDir
			}
			d.entries = append(d.entries, experimentalsys.Dirent{
				Name: name,
				Ino:  uint64(child),
				Type: typ,
			})
		}
		d.loaded = true
	}

	if count <= 0 || count > len(d.entries)-d.cursor {
		count = len(d.entries) - d.cursor
	}
	out := d.entries[d.cursor : d.cursor+count]
	d.cursor += count
	return out, 0
}

func (d *memDir) Read([]byte) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (d *memDir) Write([]byte) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (d *memDir) Sync() experimentalsys.Errno     { return 0 }
func (d *memDir) Datasync() experimentalsys.Errno { return 0 }

func (d *memDir) Close() experimentalsys.Errno {
	d.closed = true
	return 0
}

var _ experimentalsys.FS = (*memFS)(nil)
var _ experimentalsys.File = (*memFile)(nil)
var _ experimentalsys.File = (*memDir)(nil)
