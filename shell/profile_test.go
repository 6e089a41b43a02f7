// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"testing"
	"time"
)

const profileYAML = `
profiles:
  base:
    description: strict default
    cpu_millis: 2000
    memory_bytes: 33554432
  batch:
    inherit: base
    wall_millis: 120000
  loose:
    inherit: batch
    cpu_millis: 10000
`

func TestResolveProfileInheritance(t *testing.T) {
	t.Parallel()
	set, err := LoadProfiles([]byte(profileYAML))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}

	base, err := set.Resolve("base")
	if err != nil {
		t.Fatalf("Resolve(base): %v", err)
	}
	if base.CPUTime != 2*time.Second {
		t.Fatalf("base cpu = %v", base.CPUTime)
	}
	if base.Memory != 32<<20 {
		t.Fatalf("base memory = %d", base.Memory)
	}
	// Unset fields take the defaults.
	if base.Output != DefaultLimits().Output {
		t.Fatalf("base output = %d", base.Output)
	}

	batch, err := set.Resolve("batch")
	if err != nil {
		t.Fatalf("Resolve(batch): %v", err)
	}
	if batch.CPUTime != 2*time.Second {
		t.Fatalf("batch did not inherit cpu: %v", batch.CPUTime)
	}
	if batch.WallTime != 2*time.Minute {
		t.Fatalf("batch wall = %v", batch.WallTime)
	}

	loose, err := set.Resolve("loose")
	if err != nil {
		t.Fatalf("Resolve(loose): %v", err)
	}
	if loose.CPUTime != 10*time.Second {
		t.Fatalf("loose did not override cpu: %v", loose.CPUTime)
	}
	if loose.WallTime != 2*time.Minute {
		t.Fatalf("loose lost grandparent wall: %v", loose.WallTime)
	}
}

func TestResolveUnknownProfile(t *testing.T) {
	t.Parallel()
	set, err := LoadProfiles([]byte(profileYAML))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if _, err := set.Resolve("nope"); err == nil {
		t.Fatal("unknown profile resolved")
	}
}

func TestResolveInheritanceCycle(t *testing.T) {
	t.Parallel()
	set, err := LoadProfiles([]byte(`
profiles:
  a:
    inherit: b
  b:
    inherit: a
`))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if _, err := set.Resolve("a"); err == nil {
		t.Fatal("inheritance cycle resolved")
	}
}

func TestLimitsValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		limits Limits
		ok     bool
	}{
		{"defaults", DefaultLimits(), true},
		{"zero fills", Limits{}.withDefaults(), true},
		{"negative cpu", Limits{CPUTime: -1}, false},
		{"tiny memory", Limits{Memory: 100}, false},
		{"oversized memory", Limits{Memory: 1<<32 + 1}, false},
		{"cpu beyond wall", Limits{CPUTime: time.Minute, WallTime: time.Second}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.limits.Validate()
			if tc.ok != (err == nil) {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestEffectiveLimitsOverlay(t *testing.T) {
	t.Parallel()
	e := &Executor{limits: DefaultLimits()}

	got := e.effectiveLimits(Limits{CPUTime: time.Second})
	if got.CPUTime != time.Second {
		t.Fatalf("override lost: %v", got.CPUTime)
	}
	if got.Memory != DefaultLimits().Memory {
		t.Fatalf("default lost: %d", got.Memory)
	}
}
