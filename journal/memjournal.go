// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package journal

import (
	"context"
	"sync"
)

// MemStore is a reference Store that appends entries to memory and
// reports sync immediately. It exists so Journal is runnable and
// testable standalone; a real deployment replaces it with a durable
// backend supplied from outside this module (spec.md #1).
type MemStore struct {
	mu      sync.Mutex
	entries []interface{}
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Submit(ctx context.Context, entry interface{}) error {
	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Entries() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]interface{}, len(m.entries))
	copy(out, m.entries)
	return out
}
