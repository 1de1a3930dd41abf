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

// Package reqctx implements C2: the per-request pin set, xlock set,
// inode lock holdings, and single retry continuation slot that lives
// from request_start to request_finish (spec.md #3 "Request context",
// #9 "Multiple inheritance of Context" - modeled here as one struct
// carrying captured state rather than a subclass hierarchy).
package reqctx

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/metaserver/proto"
)

// DentryRef names a dentry by its owning dirfrag and name, the same
// pair the lock manager orders xlocks by (spec.md #4.5).
type DentryRef struct {
	ParentIno proto.Ino
	Frag      proto.Frag
	Name      string
}

// Less implements the lexicographic (dirfrag-id, name) ordering rule
// dentry xlocks and rename depend on (spec.md #4.5, #4.11).
func (d DentryRef) Less(o DentryRef) bool {
	if d.ParentIno != o.ParentIno {
		return d.ParentIno < o.ParentIno
	}
	if d.Frag != o.Frag {
		return d.Frag < o.Frag
	}
	return d.Name < o.Name
}

func (d DentryRef) String() string {
	return fmt.Sprintf("%d/%d/%s", d.ParentIno, d.Frag, d.Name)
}

// Retry is the single outstanding continuation a request may have
// parked (spec.md #3 "a single outstanding retry continuation slot").
// Invoking it re-enters the handler from the top; it must be
// idempotent-safe because wait-list grants fire at most once but a
// peer round-trip may still race a local retry.
type Retry func()

// Context is one client request's lifecycle record: immutable inputs
// plus the mutable pin/lock state described in spec.md #3.
type Context struct {
	// Immutable inputs.
	ReqID     uint64
	Op        proto.Op
	Filepath  string
	StringArg string
	Args      proto.Args
	CallerUID uint32
	CallerGID uint32
	Client    proto.ClientInstance

	Span trace.Span
	ctx  context.Context

	mu sync.Mutex

	// Mutable state (spec.md #3).
	pinnedInodes map[proto.Ino]struct{}
	xlockedDns   map[DentryRef]struct{}
	hardRead     map[proto.Ino]struct{}
	hardWrite    map[proto.Ino]struct{}
	fileRead     map[proto.Ino]struct{}
	fileWrite    map[proto.Ino]struct{}

	// RefIno is the resolved reference inode: the last resolved
	// inode, or root if the path is empty (spec.md #4.3).
	RefIno proto.Ino
	// Trace is the dentry trace leading to RefIno.
	Trace []proto.TraceEntry

	retry Retry

	finished bool
}

// New creates a request context for an admitted MClientRequest.
func New(ctx context.Context, req *proto.MClientRequest) *Context {
	return &Context{
		ReqID:        req.ReqID,
		Op:           req.Op,
		Filepath:     req.Filepath,
		StringArg:    req.StringArg,
		Args:         req.Args,
		CallerUID:    req.CallerUID,
		CallerGID:    req.CallerGID,
		Client:       req.Client,
		Span:         trace.SpanFromContext(ctx),
		ctx:          ctx,
		pinnedInodes: map[proto.Ino]struct{}{},
		xlockedDns:   map[DentryRef]struct{}{},
		hardRead:     map[proto.Ino]struct{}{},
		hardWrite:    map[proto.Ino]struct{}{},
		fileRead:     map[proto.Ino]struct{}{},
		fileWrite:    map[proto.Ino]struct{}{},
	}
}

func (c *Context) Context() context.Context { return c.ctx }

// PinInode marks ino as referenced by this request for the duration of
// its lifecycle (spec.md #4.3 "request_start ... pins the reference
// inode and trace").
func (c *Context) PinInode(ino proto.Ino) {
	c.mu.Lock()
	c.pinnedInodes[ino] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) PinnedInodes() []proto.Ino {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.Ino, 0, len(c.pinnedInodes))
	for ino := range c.pinnedInodes {
		out = append(out, ino)
	}
	return out
}

// MarkXlocked / HoldsXlock track which dentries this request holds the
// xlock on, so a handler can re-request a lock it already holds
// idempotently (spec.md #4.5).
func (c *Context) MarkXlocked(d DentryRef) {
	c.mu.Lock()
	c.xlockedDns[d] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) UnmarkXlocked(d DentryRef) {
	c.mu.Lock()
	delete(c.xlockedDns, d)
	c.mu.Unlock()
}

func (c *Context) HoldsXlock(d DentryRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.xlockedDns[d]
	return ok
}

func (c *Context) XlockedDentries() []DentryRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DentryRef, 0, len(c.xlockedDns))
	for d := range c.xlockedDns {
		out = append(out, d)
	}
	return out
}

type lockClass int

const (
	classHardRead lockClass = iota
	classHardWrite
	classFileRead
	classFileWrite
)

func (c *Context) set(class lockClass) map[proto.Ino]struct{} {
	switch class {
	case classHardRead:
		return c.hardRead
	case classHardWrite:
		return c.hardWrite
	case classFileRead:
		return c.fileRead
	default:
		return c.fileWrite
	}
}

func (c *Context) markInodeLock(class lockClass, ino proto.Ino) {
	c.mu.Lock()
	c.set(class)[ino] = struct{}{}
	c.mu.Unlock()
}

func (c *Context) unmarkInodeLock(class lockClass, ino proto.Ino) {
	c.mu.Lock()
	delete(c.set(class), ino)
	c.mu.Unlock()
}

func (c *Context) holdsInodeLock(class lockClass, ino proto.Ino) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set(class)[ino]
	return ok
}

func (c *Context) MarkHardRead(ino proto.Ino)    { c.markInodeLock(classHardRead, ino) }
func (c *Context) MarkHardWrite(ino proto.Ino)   { c.markInodeLock(classHardWrite, ino) }
func (c *Context) MarkFileRead(ino proto.Ino)    { c.markInodeLock(classFileRead, ino) }
func (c *Context) MarkFileWrite(ino proto.Ino)   { c.markInodeLock(classFileWrite, ino) }
func (c *Context) UnmarkHardRead(ino proto.Ino)  { c.unmarkInodeLock(classHardRead, ino) }
func (c *Context) UnmarkHardWrite(ino proto.Ino) { c.unmarkInodeLock(classHardWrite, ino) }
func (c *Context) UnmarkFileRead(ino proto.Ino)  { c.unmarkInodeLock(classFileRead, ino) }
func (c *Context) UnmarkFileWrite(ino proto.Ino) { c.unmarkInodeLock(classFileWrite, ino) }
func (c *Context) snapshot(class lockClass) []proto.Ino {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.set(class)
	out := make([]proto.Ino, 0, len(set))
	for ino := range set {
		out = append(out, ino)
	}
	return out
}

func (c *Context) HardReadInodes() []proto.Ino  { return c.snapshot(classHardRead) }
func (c *Context) HardWriteInodes() []proto.Ino { return c.snapshot(classHardWrite) }
func (c *Context) FileReadInodes() []proto.Ino  { return c.snapshot(classFileRead) }
func (c *Context) FileWriteInodes() []proto.Ino { return c.snapshot(classFileWrite) }

func (c *Context) HoldsHardRead(ino proto.Ino) bool  { return c.holdsInodeLock(classHardRead, ino) }
func (c *Context) HoldsHardWrite(ino proto.Ino) bool { return c.holdsInodeLock(classHardWrite, ino) }
func (c *Context) HoldsFileRead(ino proto.Ino) bool  { return c.holdsInodeLock(classFileRead, ino) }
func (c *Context) HoldsFileWrite(ino proto.Ino) bool { return c.holdsInodeLock(classFileWrite, ino) }

// SetRetry installs the single outstanding retry continuation,
// replacing any previous one (spec.md #3: "a single outstanding retry
// continuation slot").
func (c *Context) SetRetry(r Retry) {
	c.mu.Lock()
	c.retry = r
	c.mu.Unlock()
}

// TakeRetry removes and returns the retry continuation, or nil.
func (c *Context) TakeRetry() Retry {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.retry
	c.retry = nil
	return r
}

// MarkFinished records that reply/finish has run; Finished reports it.
// This enforces spec.md #8 invariant 6 ("a reply is sent at most once
// per request") at the single place every finish path funnels through.
func (c *Context) MarkFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	return true
}

func (c *Context) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Table is the live request table requests are installed into by
// request_start and removed from by request_finish (spec.md #3, #4.3).
type Table struct {
	mu   sync.Mutex
	reqs map[uint64]*Context
}

func NewTable() *Table {
	return &Table{reqs: map[uint64]*Context{}}
}

// Start installs rc into the table, reporting ErrDuplicateRequest-style
// failure via the bool return if its id is already present
// (spec.md #4.3: "If start fails (duplicate), return").
func (t *Table) Start(rc *Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.reqs[rc.ReqID]; ok {
		return false
	}
	t.reqs[rc.ReqID] = rc
	return true
}

// Finish removes rc from the table; safe to call more than once.
func (t *Table) Finish(reqID uint64) {
	t.mu.Lock()
	delete(t.reqs, reqID)
	t.mu.Unlock()
}

func (t *Table) Get(reqID uint64) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rc, ok := t.reqs[reqID]
	return rc, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reqs)
}

// Snapshot returns the reqIDs of every live request, for the admin
// /requests introspection endpoint.
func (t *Table) Snapshot() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.reqs))
	for id := range t.reqs {
		out = append(out, id)
	}
	return out
}
