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

// Package ops, link handler (spec.md #4.9).
package ops

import (
	"context"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/resolver"
)

// Link implements spec.md #4.9. The anchor subsystem that decides
// whether a hard-linked inode needs a back-pointer record is an
// opaque, unbuilt part of this core (the spec describes it without
// requiring it); every local link here is treated as already
// anchored, matching the "skip anchoring" branch.
func (o *Ops) Link(ctx context.Context, rc *reqctx.Context) {
	rc.SetRetry(func() { o.Link(ctx, rc) })

	outcome, targetTrace, err := o.Resolver.Resolve(ctx, rc, rc.StringArg, resolver.DISCOVER, true, true)
	switch outcome {
	case resolver.Delayed:
		return
	case resolver.Errored:
		o.replyError(rc, err)
		return
	case resolver.Forwarded:
		o.Finisher.Forwarded(rc)
		return
	}

	targetIno := proto.RootIno
	if len(targetTrace) > 0 {
		targetIno = targetTrace[len(targetTrace)-1].Ino
	}
	target, ok := o.Cache.GetInode(targetIno)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return
	}
	if target.IsDir {
		o.replyError(rc, apierrors.EINVAL)
		return
	}
	if target.Authority != o.LocalPeer {
		o.replyError(rc, apierrors.EXDEV)
		return
	}

	if !o.Locks.HardWriteStart(rc, targetIno) {
		return
	}

	_, newName := splitParent(rc.Filepath)
	f, dn, existingIno, exists, delayed := o.prepareMknod(ctx, rc, newName)
	if delayed {
		return
	}
	if exists {
		_ = existingIno
		o.replyError(rc, apierrors.EEXIST)
		return
	}

	dpv := dn.PreDirty()
	tpdv := target.PreDirty()
	now := o.Clock.Now()
	stat := target.Snapshot()
	stat.Nlink++
	stat.Ctime = now
	payload := payloadOf(&stat)

	entry := proto.EUpdate{
		Name: "link",
		Blob: proto.MetaBlob{
			DirContexts: []proto.DirContext{{Ino: f.Ino, Frag: f.Frag}},
			Dentries: []proto.DentryPayload{
				{ParentIno: dn.ParentIno, Frag: dn.Frag, Name: dn.Name, State: proto.DentryRemote, TargetIno: targetIno, Version: dpv},
				{State: proto.DentryPrimary, TargetIno: targetIno, Version: tpdv, Inode: &payload},
			},
		},
	}

	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}

		dn.State = proto.DentryRemote
		dn.TargetIno = targetIno
		dn.MarkDirty(dpv)

		target.Nlink = stat.Nlink
		target.Ctime = now
		target.MarkDirty(tpdv)

		o.Locks.DentryXlockFinish(rc, reqctx.DentryRef{ParentIno: dn.ParentIno, Frag: dn.Frag, Name: dn.Name})
		o.Locks.HardWriteFinish(rc, targetIno)

		trace := append(append([]proto.TraceEntry{}, rc.Trace...), proto.TraceEntry{Ino: targetIno, Name: dn.Name, IsDir: false})
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: trace})
	})
}
