// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"io/fs"
	"path"
	"strings"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"
)

// Access classifies a filesystem operation for policy checks.
type Access uint8

const (
	// AccessRead covers content reads, metadata, and listing.
	AccessRead Access = iota
	// AccessWrite covers creation, modification, deletion, and
	// renames.
	AccessWrite
)

// policyRule pairs a glob pattern with the access class it governs.
// anyOp rules apply to every access class.
type policyRule struct {
	pattern string
	access  Access
	anyOp   bool
	allow   bool
}

func (r policyRule) matches(p string, access Access) bool {
	if !r.anyOp && r.access != access {
		return false
	}
	return matchPathPattern(r.pattern, p)
}

// Policy is an ordered list of glob rules checked against
// guest-absolute paths. The first matching rule decides; when no
// rule matches, the default decision applies. A fresh Policy denies
// by default, so rules grant access rather than carve exceptions.
//
// Patterns follow the hierarchical glob conventions of the guest
// namespace: "*" and "?" match within a single path segment,
// "/work/**" matches /work and everything beneath it, and
// "/logs/**/current" matches at any depth between the anchors.
// Malformed patterns never match, so a typo cannot widen access.
type Policy struct {
	rules        []policyRule
	defaultAllow bool
}

// NewPolicy returns an empty deny-by-default policy.
func NewPolicy() *Policy {
	return &Policy{}
}

// PermissivePolicy returns an empty allow-by-default policy, for
// callers that only want to carve paths out of an open namespace.
func PermissivePolicy() *Policy {
	return &Policy{defaultAllow: true}
}

// AllowRead grants read access to paths matching pattern.
func (p *Policy) AllowRead(pattern string) *Policy {
	return p.add(pattern, AccessRead, false, true)
}

// AllowWrite grants write access to paths matching pattern.
func (p *Policy) AllowWrite(pattern string) *Policy {
	return p.add(pattern, AccessWrite, false, true)
}

// Allow grants every access class to paths matching pattern.
func (p *Policy) Allow(pattern string) *Policy {
	return p.add(pattern, 0, true, true)
}

// DenyRead refuses read access to paths matching pattern.
func (p *Policy) DenyRead(pattern string) *Policy {
	return p.add(pattern, AccessRead, false, false)
}

// DenyWrite refuses write access to paths matching pattern.
func (p *Policy) DenyWrite(pattern string) *Policy {
	return p.add(pattern, AccessWrite, false, false)
}

// Deny refuses every access class to paths matching pattern.
func (p *Policy) Deny(pattern string) *Policy {
	return p.add(pattern, 0, true, false)
}

func (p *Policy) add(pattern string, access Access, anyOp, allow bool) *Policy {
	p.rules = append(p.rules, policyRule{
		pattern: pattern,
		access:  access,
		anyOp:   anyOp,
		allow:   allow,
	})
	return p
}

// Check reports whether the policy permits the given access to a
// guest-absolute path.
func (p *Policy) Check(pathname string, access Access) bool {
	for _, r := range p.rules {
		if r.matches(pathname, access) {
			return r.allow
		}
	}
	return p.defaultAllow
}

// matchPathPattern matches a guest-absolute path against a glob
// pattern. "*" and "?" stay within one segment; "**" crosses segment
// boundaries and may sit at the end ("/work/**"), the start, or the
// interior ("/logs/**/current") of a pattern. "/work/**" also matches
// /work itself. Malformed patterns match nothing.
func matchPathPattern(pattern, p string) bool {
	if pattern == "**" || pattern == "/**" {
		return true
	}

	if !strings.Contains(pattern, "**") {
		return globSegments(pattern, p)
	}

	if rest, ok := strings.CutSuffix(pattern, "/**"); ok {
		// Zero further segments: the path is the anchor itself.
		if globSegments(rest, p) {
			return true
		}
		return globPrefix(rest, p)
	}

	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		if globSegments(rest, p) {
			return true
		}
		return globSuffix(rest, p)
	}

	if i := strings.Index(pattern, "/**/"); i >= 0 {
		head, tail := pattern[:i], pattern[i+4:]
		// The anchors may be adjacent, with ** consuming nothing.
		if globSegments(head+"/"+tail, p) {
			return true
		}
		headDepth := strings.Count(head, "/") + 1
		tailDepth := strings.Count(tail, "/") + 1
		segs := strings.Split(p, "/")
		if len(segs) < headDepth+1+tailDepth {
			return false
		}
		if !globSegments(head, strings.Join(segs[:headDepth], "/")) {
			return false
		}
		if !globSegments(tail, strings.Join(segs[len(segs)-tailDepth:], "/")) {
			return false
		}
		return true
	}

	// Multiple ** groups are not supported.
	return false
}

// globSegments applies path.Match semantics, where * and ? do not
// cross "/". Malformed patterns match nothing.
func globSegments(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	return err == nil && matched
}

// globPrefix reports whether the path's leading segments match the
// pattern with at least one further segment after them.
func globPrefix(pattern, p string) bool {
	depth := strings.Count(pattern, "/") + 1
	segs := strings.SplitN(p, "/", depth+1)
	if len(segs) <= depth {
		return false
	}
	return globSegments(pattern, strings.Join(segs[:depth], "/"))
}

// globSuffix reports whether the path's trailing segments match the
// pattern with at least one segment before them.
func globSuffix(pattern, p string) bool {
	depth := strings.Count(pattern, "/") + 1
	segs := strings.Split(p, "/")
	if len(segs) <= depth {
		return false
	}
	return globSegments(pattern, strings.Join(segs[len(segs)-depth:], "/"))
}

// policyFS enforces a Policy in front of a mount backend. Checks run
// against guest-absolute paths, so rules read the way the guest sees
// the namespace, and a denial surfaces as EACCES before the backend
// is touched.
type policyFS struct {
	experimentalsys.UnimplementedFS

	fs     experimentalsys.FS
	prefix string
	policy *Policy
}

// abs rebuilds the guest-absolute path from the backend-relative one
// wazero hands the mount.
func (f *policyFS) abs(rest string) string {
	if rest == "." || rest == "" {
		if f.prefix == "" {
			return "/"
		}
		return f.prefix
	}
	if f.prefix == "/" {
		return "/" + rest
	}
	return f.prefix + "/" + rest
}

func (f *policyFS) check(rest string, access Access) experimentalsys.Errno {
	if f.policy.Check(f.abs(rest), access) {
		return 0
	}
	return experimentalsys.EACCES
}

func (f *policyFS) OpenFile(p string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	access := AccessRead
	const writeFlags = experimentalsys.O_WRONLY | experimentalsys.O_RDWR |
		experimentalsys.O_CREAT | experimentalsys.O_TRUNC | experimentalsys.O_APPEND
	if flag&writeFlags != 0 {
		access = AccessWrite
	}
	if errno := f.check(p, access); errno != 0 {
		return nil, errno
	}
	return f.fs.OpenFile(p, flag, perm)
}

func (f *policyFS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	if errno := f.check(p, AccessRead); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return f.fs.Lstat(p)
}

func (f *policyFS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	if errno := f.check(p, AccessRead); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return f.fs.Stat(p)
}

func (f *policyFS) Readlink(p string) (string, experimentalsys.Errno) {
	if errno := f.check(p, AccessRead); errno != 0 {
		return "", errno
	}
	return f.fs.Readlink(p)
}

func (f *policyFS) Mkdir(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := f.check(p, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Mkdir(p, perm)
}

func (f *policyFS) Chmod(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := f.check(p, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Chmod(p, perm)
}

func (f *policyFS) Rmdir(p string) experimentalsys.Errno {
	if errno := f.check(p, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Rmdir(p)
}

func (f *policyFS) Unlink(p string) experimentalsys.Errno {
	if errno := f.check(p, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Unlink(p)
}

func (f *policyFS) Rename(from, to string) experimentalsys.Errno {
	if errno := f.check(from, AccessWrite); errno != 0 {
		return errno
	}
	if errno := f.check(to, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Rename(from, to)
}

func (f *policyFS) Link(oldPath, newPath string) experimentalsys.Errno {
	if errno := f.check(oldPath, AccessRead); errno != 0 {
		return errno
	}
	if errno := f.check(newPath, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Link(oldPath, newPath)
}

func (f *policyFS) Symlink(oldPath, linkName string) experimentalsys.Errno {
	if errno := f.check(linkName, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Symlink(oldPath, linkName)
}

func (f *policyFS) Utimens(p string, atim, mtim int64) experimentalsys.Errno {
	if errno := f.check(p, AccessWrite); errno != 0 {
		return errno
	}
	return f.fs.Utimens(p, atim, mtim)
}

var _ experimentalsys.FS = (*policyFS)(nil)
