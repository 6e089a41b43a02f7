// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named, declarative resource budget. Profiles live in
// YAML and inherit from one another, so an operator can define a
// strict base and derive looser variants per workload:
//
//	profiles:
//	  base:
//	    cpu_millis: 2000
//	    memory_bytes: 33554432
//	  batch:
//	    inherit: base
//	    wall_millis: 120000
//
// A nil field inherits; a set field overrides.
type Profile struct {
	Name        string `yaml:"name,omitempty"`
	Description string `yaml:"description,omitempty"`
	Inherit     string `yaml:"inherit,omitempty"`

	CPUMillis   *int64  `yaml:"cpu_millis,omitempty"`
	MemoryBytes *uint64 `yaml:"memory_bytes,omitempty"`
	OutputBytes *uint64 `yaml:"output_bytes,omitempty"`
	WallMillis  *int64  `yaml:"wall_millis,omitempty"`
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	out := &Profile{
		Name:        p.Name,
		Description: p.Description,
		Inherit:     p.Inherit,
	}
	if p.CPUMillis != nil {
		v := *p.CPUMillis
		out.CPUMillis = &v
	}
	if p.MemoryBytes != nil {
		v := *p.MemoryBytes
		out.MemoryBytes = &v
	}
	if p.OutputBytes != nil {
		v := *p.OutputBytes
		out.OutputBytes = &v
	}
	if p.WallMillis != nil {
		v := *p.WallMillis
		out.WallMillis = &v
	}
	return out
}

// MergeProfiles overlays child on parent: child fields that are set
// win, unset fields fall through to the parent.
func MergeProfiles(parent, child *Profile) *Profile {
	result := parent.Clone()
	result.Name = child.Name
	result.Inherit = ""
	if child.Description != "" {
		result.Description = child.Description
	}
	if child.CPUMillis != nil {
		v := *child.CPUMillis
		result.CPUMillis = &v
	}
	if child.MemoryBytes != nil {
		v := *child.MemoryBytes
		result.MemoryBytes = &v
	}
	if child.OutputBytes != nil {
		v := *child.OutputBytes
		result.OutputBytes = &v
	}
	if child.WallMillis != nil {
		v := *child.WallMillis
		result.WallMillis = &v
	}
	return result
}

// Limits converts a fully merged profile to a runtime budget,
// leaving unset fields at their defaults.
func (p *Profile) Limits() Limits {
	var l Limits
	if p.CPUMillis != nil {
		l.CPUTime = time.Duration(*p.CPUMillis) * time.Millisecond
	}
	if p.MemoryBytes != nil {
		l.Memory = *p.MemoryBytes
	}
	if p.OutputBytes != nil {
		l.Output = *p.OutputBytes
	}
	if p.WallMillis != nil {
		l.WallTime = time.Duration(*p.WallMillis) * time.Millisecond
	}
	return l
}

// ProfileSet is a collection of named profiles as loaded from a
// configuration file.
type ProfileSet struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// LoadProfiles parses a profile file.
func LoadProfiles(data []byte) (*ProfileSet, error) {
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	for name, p := range set.Profiles {
		if p == nil {
			set.Profiles[name] = &Profile{Name: name}
			continue
		}
		p.Name = name
	}
	return &set, nil
}

// Resolve walks a profile's inheritance chain and returns the merged
// runtime budget. Unknown names and inheritance cycles are errors.
func (s *ProfileSet) Resolve(name string) (Limits, error) {
	merged, err := s.resolveProfile(name, nil)
	if err != nil {
		return Limits{}, err
	}
	limits := merged.Limits().withDefaults()
	if err := limits.Validate(); err != nil {
		return Limits{}, fmt.Errorf("profile %q: %w", name, err)
	}
	return limits, nil
}

func (s *ProfileSet) resolveProfile(name string, visiting []string) (*Profile, error) {
	for _, v := range visiting {
		if v == name {
			return nil, fmt.Errorf("profile inheritance cycle: %v -> %s", visiting, name)
		}
	}
	p, ok := s.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	if p.Inherit == "" {
		return p.Clone(), nil
	}
	parent, err := s.resolveProfile(p.Inherit, append(visiting, name))
	if err != nil {
		return nil, err
	}
	return MergeProfiles(parent, p), nil
}
