// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"fmt"
	"sort"
	"strings"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/experimental/sysfs"
)

// MountKind says what backs a mount point.
type MountKind uint8

const (
	// MountStorage is an in-memory tree owned by the host.
	MountStorage MountKind = iota
	// MountDir is a real host directory, confined to its root.
	MountDir
)

// Mount binds a guest path prefix to a backend. Mounts are
// resolved by longest matching prefix, so a mount at /work/cache
// shadows the one at /work for paths beneath it.
type Mount struct {
	prefix   string
	kind     MountKind
	readOnly bool
	backend  experimentalsys.FS
	storage  *Storage
}

// Prefix returns the guest-absolute path the mount is bound to.
func (m Mount) Prefix() string { return m.prefix }

// Kind returns what backs the mount.
func (m Mount) Kind() MountKind { return m.kind }

// ReadOnly reports whether writes through the mount are refused.
func (m Mount) ReadOnly() bool { return m.readOnly }

// StorageMount binds an in-memory tree at prefix.
func StorageMount(prefix string, st *Storage, readOnly bool) (Mount, error) {
	clean, err := CleanPath(prefix)
	if err != nil {
		return Mount{}, fmt.Errorf("mount prefix %q: %w", prefix, err)
	}
	var backend experimentalsys.FS = newMemFS(st)
	if readOnly {
		backend = &sysfs.ReadFS{FS: backend}
	}
	return Mount{
		prefix:   clean,
		kind:     MountStorage,
		readOnly: readOnly,
		backend:  backend,
		storage:  st,
	}, nil
}

// DirMount binds a host directory at prefix. Path resolution inside
// the backend cannot escape dir, including through symlinks.
func DirMount(prefix, dir string, readOnly bool) (Mount, error) {
	clean, err := CleanPath(prefix)
	if err != nil {
		return Mount{}, fmt.Errorf("mount prefix %q: %w", prefix, err)
	}
	if dir == "" {
		return Mount{}, fmt.Errorf("mount prefix %q: empty host directory", prefix)
	}
	backend := sysfs.DirFS(dir)
	if readOnly {
		backend = &sysfs.ReadFS{FS: backend}
	}
	return Mount{
		prefix:   clean,
		kind:     MountDir,
		readOnly: readOnly,
		backend:  backend,
	}, nil
}

// WithPolicy returns a copy of the mount whose backend refuses
// operations the policy denies. The check runs before anything else
// the mount would do, including the read-only guard, and a denial
// surfaces to the guest as EACCES.
func (m Mount) WithPolicy(p *Policy) Mount {
	m.backend = &policyFS{fs: m.backend, prefix: m.prefix, policy: p}
	return m
}

// validateMounts checks prefix uniqueness and orders mounts longest
// prefix first so resolution is a linear scan to the first match.
func validateMounts(mounts []Mount) ([]Mount, error) {
	if len(mounts) == 0 {
		return nil, fmt.Errorf("at least one mount is required")
	}
	seen := make(map[string]struct{}, len(mounts))
	out := make([]Mount, len(mounts))
	copy(out, mounts)
	for _, m := range out {
		if _, ok := seen[m.prefix]; ok {
			return nil, fmt.Errorf("duplicate mount prefix %q", m.prefix)
		}
		seen[m.prefix] = struct{}{}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].prefix) > len(out[j].prefix)
	})
	return out, nil
}

// match reports whether guest-absolute path p falls under the mount,
// and if so returns the remainder relative to the mount root in the
// form the backend expects ("." for the root itself).
func (m Mount) match(p string) (string, bool) {
	if m.prefix == "/" {
		if p == "/" {
			return ".", true
		}
		return strings.TrimPrefix(p, "/"), true
	}
	if p == m.prefix {
		return ".", true
	}
	if strings.HasPrefix(p, m.prefix+"/") {
		return p[len(m.prefix)+1:], true
	}
	return "", false
}
