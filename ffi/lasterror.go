// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package ffi

import "sync"

// ThreadID identifies the calling OS thread. The C shim passes
// pthread_self; pure-Go callers use CurrentThread. Keying errors by
// thread keeps concurrent embedders from reading each other's
// failures, the same contract C libraries honor with errno.
type ThreadID uint64

type errorStore struct {
	mu   sync.RWMutex
	last map[ThreadID]string
}

func newErrorStore() *errorStore {
	return &errorStore{last: make(map[ThreadID]string)}
}

func (s *errorStore) set(tid ThreadID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.last, tid)
		return
	}
	s.last[tid] = err.Error()
}

func (s *errorStore) get(tid ThreadID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[tid]
}
