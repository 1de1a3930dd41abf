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

// Package waiter implements C1: named wait-lists attached to cache
// entries (dirfrags, dentries, inodes) that resume suspended work on
// an event (spec.md #4.4, #5). The source models these as
// heap-allocated continuation objects; here they are closures stored
// in FIFO queues (spec.md #5 "Ordering guarantees").
package waiter

import "sync"

// Tag names a wait purpose, matching the WAIT_* constants of spec.md
// (e.g. "unfreeze", "authpinnable", "dnread").
type Tag string

const (
	Unfreeze     Tag = "unfreeze"
	AuthPinnable Tag = "authpinnable"
	DNRead       Tag = "dnread"
	FetchFrag    Tag = "fetch-frag"
	Active       Tag = "active" // global waitfor-active list (spec.md #4.1)
)

// Continuation is a unit of suspended work. It is safe to invoke more
// than once (spec.md #5 "Cancellation and timeout" - grants fire
// idempotently); re-entrant handlers guard against double-application
// using the request context's pin/lock sets, not this package.
type Continuation func()

// List is a single named, FIFO wait list (spec.md #5 "FIFO per wait
// list; grants are delivered in enqueue order").
type List struct {
	mu    sync.Mutex
	conts []Continuation
}

// Register appends a continuation to the tail of the list.
func (l *List) Register(c Continuation) {
	l.mu.Lock()
	l.conts = append(l.conts, c)
	l.mu.Unlock()
}

// Len reports how many continuations are currently parked, for the
// admin /waiters introspection endpoint.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conts)
}

// FireAll drains the list in enqueue order, invoking every
// continuation. Continuations registered by a fired continuation are
// not invoked in this pass (they enqueue on a list taken afresh on the
// next event).
func (l *List) FireAll() {
	l.mu.Lock()
	conts := l.conts
	l.conts = nil
	l.mu.Unlock()

	for _, c := range conts {
		c()
	}
}

// FireOne pops and invokes the single oldest continuation, if any, and
// reports whether it found one. Used where only one waiter should be
// woken per event (e.g. a single dentry xlock grant).
func (l *List) FireOne() bool {
	l.mu.Lock()
	if len(l.conts) == 0 {
		l.mu.Unlock()
		return false
	}
	c := l.conts[0]
	l.conts = l.conts[1:]
	l.mu.Unlock()

	c()
	return true
}

// Registry indexes wait lists by an arbitrary key (a dirfrag id, an
// inode ino, or a global sentinel such as Active) crossed with a Tag,
// so unrelated purposes on the same object don't interfere with each
// other's FIFO order.
type Registry struct {
	mu    sync.Mutex
	lists map[string]*List
}

func NewRegistry() *Registry {
	return &Registry{lists: make(map[string]*List)}
}

func key(object string, tag Tag) string {
	return object + "\x00" + string(tag)
}

// Register parks c on the named wait list for (object, tag).
func (r *Registry) Register(object string, tag Tag, c Continuation) {
	r.mu.Lock()
	k := key(object, tag)
	l := r.lists[k]
	if l == nil {
		l = &List{}
		r.lists[k] = l
	}
	r.mu.Unlock()
	l.Register(c)
}

// FireAll wakes every continuation parked on (object, tag).
func (r *Registry) FireAll(object string, tag Tag) {
	r.mu.Lock()
	l := r.lists[key(object, tag)]
	r.mu.Unlock()
	if l != nil {
		l.FireAll()
	}
}

// FireOne wakes the single oldest continuation parked on (object, tag).
func (r *Registry) FireOne(object string, tag Tag) bool {
	r.mu.Lock()
	l := r.lists[key(object, tag)]
	r.mu.Unlock()
	if l == nil {
		return false
	}
	return l.FireOne()
}

// Len reports the depth of (object, tag), for introspection.
func (r *Registry) Len(object string, tag Tag) int {
	r.mu.Lock()
	l := r.lists[key(object, tag)]
	r.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.Len()
}

// Snapshot returns the depth of every non-empty wait list, keyed by
// "object\x00tag", for the admin /waiters endpoint.
func (r *Registry) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.lists))
	for k, l := range r.lists {
		if n := l.Len(); n > 0 {
			out[k] = n
		}
	}
	return out
}
