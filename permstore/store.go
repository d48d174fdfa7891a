/*************************************************************************
 * Copyright 2026 The hackernel Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package permstore implements the concurrent (filesystem, inode) -> permission
// mask table that every intercepted syscall consults (component C1 of the
// access-control core). Lookups are lock-free with respect to other
// lookups; mutations serialize behind a single writer lock.
//
// The reference design calls for a balanced ordered map keyed
// lexicographically by (fsid, ino); a concurrent hash map with equivalent
// linearizable semantics is an explicitly acceptable substitute since no
// range scan over the table is ever required. This implementation takes
// that substitute, the way a bounded in-memory index elsewhere in this
// codebase (the ticket table in package execticket) also prefers a plain
// map guarded by a lock over a tree.
package permstore

import (
	"errors"
	"sync"

	"github.com/freshdom/hackernel/fileid"
)

var (
	// ErrInvalidKey is returned by Set when either id component is the
	// sentinel "unknown" value. SetPath reports a sentinel id from its
	// Resolver as ErrPathResolution instead.
	ErrInvalidKey = errors.New("permstore: invalid key")
	// ErrPathResolution is returned by SetPath when the path cannot be
	// resolved to a FileId by the configured Resolver.
	ErrPathResolution = errors.New("permstore: path resolution failed")
)

// Resolver resolves a filesystem path to the identifier the store is keyed
// on. It is the permstore side of the host's file-id service.
type Resolver interface {
	FileID(path string) (fileid.ID, error)
}

// Store is the permission table. The zero value is not usable; construct
// with New.
type Store struct {
	mu      sync.RWMutex
	entries map[fileid.ID]fileid.Mask
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[fileid.ID]fileid.Mask)}
}

// Set installs perm for id, replacing any existing mask. It fails with
// ErrInvalidKey if id carries either sentinel component, in which case the
// store is left unmodified.
func (s *Store) Set(id fileid.ID, perm fileid.Mask) error {
	if !id.Valid() {
		return ErrInvalidKey
	}
	s.mu.Lock()
	s.entries[id] = perm
	s.mu.Unlock()
	return nil
}

// SetPath resolves path to a FileId via r and installs perm for it.
func (s *Store) SetPath(r Resolver, path string, perm fileid.Mask) error {
	id, err := r.FileID(path)
	if err != nil || !id.Valid() {
		return ErrPathResolution
	}
	return s.Set(id, perm)
}

// Get returns the mask installed for id, or fileid.Invalid if no entry is
// present. Get never blocks on another Get and never allocates.
func (s *Store) Get(id fileid.ID) fileid.Mask {
	s.mu.RLock()
	m := s.entries[id]
	s.mu.RUnlock()
	return m
}

// Remove deletes the entry for id. It is a no-op if id is absent.
func (s *Store) Remove(id fileid.ID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Clear empties the store. Used when file protection is disabled.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[fileid.ID]fileid.Mask)
	s.mu.Unlock()
}

// Len reports the number of entries currently installed. Intended for
// status reporting, not for hot-path decisions.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	return n
}
