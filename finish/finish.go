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

// Package finish implements C10: apply projected state, release
// locks, send the client reply, and evict inodes whose nlink reached
// zero (spec.md #4.6 step 5, #3 "Lifecycle", #8 invariant 6).
package finish

import (
	"github.com/cubefs/cubefs/blobstore/util/log"
	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/locker"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
)

// Sender delivers the finished reply to the client, addressed by
// rc.Client; wire framing and transport belong to the server's HTTP
// front door, not here.
type Sender interface {
	Send(rc *reqctx.Context, reply *proto.MClientReply)
}

// Finisher is C10.
type Finisher struct {
	locks  *locker.Locks
	cache  *mdcache.Cache
	sender Sender
	table  *reqctx.Table
}

func New(locks *locker.Locks, cache *mdcache.Cache, sender Sender, table *reqctx.Table) *Finisher {
	return &Finisher{locks: locks, cache: cache, sender: sender, table: table}
}

// Reply sends rc's reply exactly once, releasing every pin and lock rc
// holds first (spec.md #3 "Lifecycle": "request_finish ... releases
// all pins and locks", #8 invariant 6: "a reply is sent at most once
// per request"). Calling Reply more than once for the same rc is a
// no-op after the first.
func (f *Finisher) Reply(rc *reqctx.Context, result error, reply proto.MClientReply) {
	if !rc.MarkFinished() {
		log.Errorf("finish: reply attempted twice for req %d", rc.ReqID)
		return
	}
	f.locks.ReleaseAll(rc)
	if f.table != nil {
		f.table.Finish(rc.ReqID)
	}
	reply.ReqID = rc.ReqID
	reply.Result = apierrors.Errno(result)
	f.sender.Send(rc, &reply)
}

// Forwarded marks rc finished without sending a reply, for the
// forward path (spec.md #8 invariant 7: "a request that receives a
// forward is not also reply'd"). Locks are still released: a
// forwarded request owns nothing locally once it leaves.
func (f *Finisher) Forwarded(rc *reqctx.Context) {
	if !rc.MarkFinished() {
		return
	}
	f.locks.ReleaseAll(rc)
	if f.table != nil {
		f.table.Finish(rc.ReqID)
	}
}

// EvictIfUnlinked purges ino from the cache once nlink has reached
// zero and no capability references remain (spec.md #3 invariant 5,
// #8 invariant 4).
func (f *Finisher) EvictIfUnlinked(inode *mdcache.Inode) {
	if inode.Nlink == 0 && inode.CapCount == 0 {
		f.cache.RemoveInode(inode.Ino)
	}
}
