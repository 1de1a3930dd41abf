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

// Package ops implements C7: stat, utime, chmod, chown, readdir,
// mknod, mkdir, symlink, link, unlink/rmdir, rename, truncate, open,
// and open-create (spec.md #4.7 - #4.12), plus the admission logic of
// spec.md #4.3 that resolves a request's path and starts its context
// before dispatching to one of these handlers.
package ops

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/metaserver/clock"
	"github.com/cubefs/metaserver/config"
	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/finish"
	"github.com/cubefs/metaserver/journal"
	"github.com/cubefs/metaserver/locker"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/metrics"
	"github.com/cubefs/metaserver/peer"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/resolver"
	"github.com/cubefs/metaserver/util/limiter"
	"github.com/cubefs/metaserver/waiter"
)

// Popularity is the load balancer's external collaborator hook
// (spec.md #1 "the load balancer's popularity counters", #4.8 step 7
// "Register a dir-write popularity hit"). Nil is a valid Ops field:
// handlers skip the hit silently.
type Popularity interface {
	HitDirWrite(ino proto.Ino, frag proto.Frag)
}

// Ops is C7, wired with every collaborator its handlers need.
type Ops struct {
	Cache      *mdcache.Cache
	Locks      *locker.Locks
	Resolver   *resolver.Resolver
	Journal    *journal.Journal
	Finisher   *finish.Finisher
	Table      *reqctx.Table
	Messenger  peer.Messenger
	Clock      clock.Clock
	Cfg        *config.Config
	Waiters    *waiter.Registry
	Popularity Popularity

	// Limiter bounds concurrent data-path mutations (Truncate) and
	// dirfrag fetches (Readdir's miss path) - spec.md #9's admin
	// surface leaves throttling unspecified; nil is a valid field,
	// handlers skip the gate when it is unset.
	Limiter limiter.Limiter

	LocalPeer   proto.PeerID
	ClusterSize uint32

	inoSeq uint64
}

func New(cache *mdcache.Cache, locks *locker.Locks, res *resolver.Resolver, j *journal.Journal, f *finish.Finisher, table *reqctx.Table, messenger peer.Messenger, clk clock.Clock, cfg *config.Config, waiters *waiter.Registry, localPeer proto.PeerID, clusterSize uint32) *Ops {
	return &Ops{
		Cache:       cache,
		Locks:       locks,
		Resolver:    res,
		Journal:     j,
		Finisher:    f,
		Table:       table,
		Messenger:   messenger,
		Clock:       clk,
		Cfg:         cfg,
		Waiters:     waiters,
		LocalPeer:   localPeer,
		ClusterSize: clusterSize,
		inoSeq:      uint64(proto.RootIno),
	}
}

// allocIno hands out a fresh ino. The real allocator is a durable,
// cluster-coordinated pool outside this spec's scope; this sequence is
// sufficient to exercise every handler against a single peer.
func (o *Ops) allocIno() proto.Ino {
	return atomic.AddUint64(&o.inoSeq, 1)
}

func splitParent(path string) (parent, name string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func (o *Ops) replyError(rc *reqctx.Context, err error) {
	o.Finisher.Reply(rc, err, proto.MClientReply{})
}

// Dispatch is the C7 entry described in spec.md #4.3: it computes the
// resolution path, traverses it, and on success starts the request
// before routing to the operation-specific handler.
func (o *Ops) Dispatch(ctx context.Context, req *proto.MClientRequest) {
	if fhIno, ok := fhStyleIno(req); ok {
		o.dispatchByIno(ctx, req, fhIno)
		return
	}

	openCreate := req.Op == proto.OpOpen && req.Args.Flags&proto.OCreat != 0

	resolutionPath := req.Filepath
	if req.Op.IsCreating() || openCreate {
		parent, _ := splitParent(req.Filepath)
		resolutionPath = parent
	}
	followSymlink := req.Op != proto.OpLstat

	rc := reqctx.New(ctx, req)
	rc.SetRetry(func() { o.Dispatch(ctx, req) })

	outcome, trace, err := o.Resolver.Resolve(ctx, rc, resolutionPath, resolver.FORWARD, followSymlink, req.Op == proto.OpLstat)
	switch outcome {
	case resolver.Delayed:
		metrics.ObserveDelayed(req.Op.String())
		return
	case resolver.Errored:
		o.replyError(rc, err)
		return
	case resolver.Forwarded:
		return
	}

	refIno := proto.RootIno
	if len(trace) > 0 {
		refIno = trace[len(trace)-1].Ino
	}

	if req.Op == proto.OpRename {
		trace = nil
	}

	if !o.Table.Start(rc) {
		return
	}
	rc.RefIno = refIno
	rc.Trace = trace
	rc.PinInode(refIno)

	// Once started, a retry re-enters the handler rather than Dispatch,
	// whose Table.Start would refuse the request as a duplicate.
	var handle func()
	handle = func() {
		rc.SetRetry(handle)
		if openCreate {
			o.OpenCreate(ctx, rc)
			return
		}
		o.dispatchOp(ctx, rc)
	}
	handle()
}

func (o *Ops) dispatchOp(ctx context.Context, rc *reqctx.Context) {
	switch rc.Op {
	case proto.OpStat, proto.OpLstat:
		o.Stat(ctx, rc)
	case proto.OpUtime:
		o.Utime(ctx, rc)
	case proto.OpChmod:
		o.Chmod(ctx, rc)
	case proto.OpChown:
		o.Chown(ctx, rc)
	case proto.OpReaddir:
		o.Readdir(ctx, rc)
	case proto.OpMknod:
		o.Mknod(ctx, rc)
	case proto.OpMkdir:
		o.Mkdir(ctx, rc)
	case proto.OpSymlink:
		o.Symlink(ctx, rc)
	case proto.OpOpen:
		o.Open(ctx, rc)
	case proto.OpLink:
		o.Link(ctx, rc)
	case proto.OpUnlink:
		o.Unlink(ctx, rc)
	case proto.OpRmdir:
		o.Rmdir(ctx, rc)
	case proto.OpRename:
		o.Rename(ctx, rc)
	case proto.OpTruncate:
		o.Truncate(ctx, rc)
	default:
		log.Errorf("ops: unhandled op %s for req %d", rc.Op, rc.ReqID)
		o.replyError(rc, apierrors.ErrUnknownOp)
	}
}

// fhStyleIno reports the file-handle-addressed ino for ops that skip
// path resolution entirely (spec.md #4.3: "truncate by ino, release,
// fsync").
func fhStyleIno(req *proto.MClientRequest) (proto.Ino, bool) {
	switch req.Op {
	case proto.OpFsync, proto.OpRelease:
		return req.Args.Ino, true
	case proto.OpTruncate:
		if req.Args.Ino != 0 {
			return req.Args.Ino, true
		}
	}
	return 0, false
}

// dispatchByIno implements the round-robin "buck-passing" forward rule
// (spec.md #4.3): if ino isn't cached on this peer, forward to the
// next peer modulo cluster size.
func (o *Ops) dispatchByIno(ctx context.Context, req *proto.MClientRequest, ino proto.Ino) {
	rc := reqctx.New(ctx, req)

	if _, ok := o.Cache.GetInode(ino); !ok {
		if o.ClusterSize <= 1 {
			o.replyError(rc, apierrors.ENOENT)
			return
		}
		target := (o.LocalPeer + 1) % o.ClusterSize
		if err := o.Messenger.ForwardRequest(ctx, target, req); err != nil {
			o.replyError(rc, err)
			return
		}
		rc.MarkFinished()
		return
	}

	if !o.Table.Start(rc) {
		return
	}
	rc.RefIno = ino
	rc.PinInode(ino)

	switch req.Op {
	case proto.OpTruncate:
		var handle func()
		handle = func() {
			rc.SetRetry(handle)
			o.Truncate(ctx, rc)
		}
		handle()
	case proto.OpFsync:
		o.Finisher.Reply(rc, nil, proto.MClientReply{})
	case proto.OpRelease:
		o.Release(ctx, rc)
	default:
		o.replyError(rc, apierrors.ErrUnknownOp)
	}
}
