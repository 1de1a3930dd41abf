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

// Package memstore is a reference, in-memory stand-in for the object
// store named as an external collaborator in spec.md #1. It exists so
// the core is runnable and testable standalone; a real deployment
// wires mdcache.Cache to a durable object store implementation from
// outside this module instead.
package memstore

import (
	"context"
	"sync"

	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/proto"
)

type key struct {
	ino  proto.Ino
	frag proto.Frag
}

// Store is a trivial map-backed ObjectStore: whatever was Seeded is
// what FetchDirfrag returns. Since mdcache already holds the
// authoritative in-memory state for any dirfrag it created locally,
// Store is only ever consulted for dirfrags this peer doesn't yet have
// complete, which in a single-peer deployment never legitimately
// happens outside of deliberately-seeded "incomplete" test scenarios.
type Store struct {
	mu   sync.Mutex
	data map[key][]*mdcache.Dentry
}

func New() *Store {
	return &Store{data: make(map[key][]*mdcache.Dentry)}
}

func (s *Store) Seed(ino proto.Ino, frag proto.Frag, dentries []*mdcache.Dentry) {
	s.mu.Lock()
	s.data[key{ino, frag}] = dentries
	s.mu.Unlock()
}

func (s *Store) FetchDirfrag(ctx context.Context, ino proto.Ino, frag proto.Frag) ([]*mdcache.Dentry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key{ino, frag}], nil
}
