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

// Package server is the HTTP front door: it decodes client mount,
// unmount, and request messages, admits them past the active/not-
// active gate, and dispatches them into the core (spec.md #4.1, #4.2,
// #6).
package server

import (
	"context"
	"sync"

	"github.com/cubefs/metaserver/mount"
	"github.com/cubefs/metaserver/ops"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/waiter"
)

// Config is the subset of the process configuration the server needs
// beyond what Ops/mount.Controller already carry.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	LocalPeer  proto.PeerID
}

// activeGate implements spec.md #4.1: requests admitted before the
// server has finished recovering into the active state park on the
// shared Active wait tag instead of being dispatched.
type activeGate struct {
	mu      sync.RWMutex
	active  bool
	waiters *waiter.Registry
}

func (g *activeGate) setActive(v bool) {
	g.mu.Lock()
	g.active = v
	g.mu.Unlock()
	if v {
		g.waiters.FireAll("server", waiter.Active)
	}
}

func (g *activeGate) isActive() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// Server is the process-level wiring: the HTTP transport below talks
// only to this type, which fans client messages out to mount.Controller
// for mount/unmount and ops.Ops for everything else (spec.md #4.1's
// message-type routing, folded in here rather than as a separate
// package - see DESIGN.md).
type Server struct {
	Cfg     *Config
	Mount   *mount.Controller
	Ops     *ops.Ops
	Table   *reqctx.Table
	Waiters *waiter.Registry
	Sender  *CorrelatingSender
	Acks    *MountReplies

	gate activeGate
}

func NewServer(cfg *Config, mountCtl *mount.Controller, o *ops.Ops, table *reqctx.Table, waiters *waiter.Registry, sender *CorrelatingSender, acks *MountReplies) *Server {
	s := &Server{Cfg: cfg, Mount: mountCtl, Ops: o, Table: table, Waiters: waiters, Sender: sender, Acks: acks}
	s.gate.waiters = waiters
	return s
}

// Activate marks the server ready to dispatch client requests (spec.md
// #4.1 "not-active admits mount/unmount only; everything else waits").
func (s *Server) Activate() {
	s.gate.setActive(true)
}

func (s *Server) HandleMount(ctx context.Context, req *proto.MClientMount) {
	s.Mount.Mount(ctx, req)
}

func (s *Server) HandleUnmount(ctx context.Context, req *proto.MClientUnmount) {
	s.Mount.Unmount(ctx, req)
}

// HandleClientRequest implements spec.md #4.1's admission gate: while
// the server is not active, the request parks on the global Active
// wait list instead of reaching Ops.Dispatch.
func (s *Server) HandleClientRequest(ctx context.Context, req *proto.MClientRequest) {
	if !s.gate.isActive() {
		s.Waiters.Register("server", waiter.Active, waiter.Continuation(func() {
			s.Ops.Dispatch(ctx, req)
		}))
		return
	}
	s.Ops.Dispatch(ctx, req)
}
