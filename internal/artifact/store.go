// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package artifact

import (
	"os"
	"sort"
	"sync"
	"time"
)

// Store maps tenants to their unpacked artifact directories
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
	removeAll func(path string) error
}

// NewStore creates an empty artifact store
func NewStore() *Store {
	return &Store{
		artifacts: make(map[string]*Artifact),
		removeAll: os.RemoveAll,
	}
}

// Put registers or overwrites the tenant's artifact.
func (s *Store) Put(tenantID, path string, kind EntrypointKind) *Artifact {
	a := &Artifact{
		TenantID:   tenantID,
		Path:       path,
		Kind:       kind,
		UploadedAt: time.Now(),
	}

	s.mu.Lock()
	s.artifacts[tenantID] = a
	s.mu.Unlock()

	copied := *a
	return &copied
}

// Get returns a copy of the tenant's artifact
func (s *Store) Get(tenantID string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// Remove deletes the artifact directory and drops the mapping.
// On a filesystem error the mapping is kept so the caller can retry.
func (s *Store) Remove(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[tenantID]
	if !ok {
		return ErrNotFound
	}

	if err := s.removeAll(a.Path); err != nil {
		return &RemovalError{Path: a.Path, Err: err}
	}

	delete(s.artifacts, tenantID)
	return nil
}

// List returns all artifacts ordered by tenant ID
func (s *Store) List() []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		copied := *a
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TenantID < list[j].TenantID })
	return list
}
