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

// Package ops, attribute handlers (spec.md #4.7): utime, chmod,
// chown. Each takes the appropriate inode lock, embeds the delta in
// the journal entry, and applies/replies from the finisher.
package ops

import (
	"context"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
)

// inodeOnlyEntry wraps an attribute delta as a journal EUpdate. Unlike
// the namespace handlers, attribute changes touch no dentry linkage,
// so the DentryPayload here is a carrier for the embedded InodePayload
// only; ParentIno/Frag/Name are left zero.
func inodeOnlyEntry(name string, targetIno proto.Ino, pdv uint64, payload proto.InodePayload) proto.EUpdate {
	return proto.EUpdate{
		Name: name,
		Blob: proto.MetaBlob{
			Dentries: []proto.DentryPayload{{
				State:     proto.DentryPrimary,
				TargetIno: targetIno,
				Version:   pdv,
				Inode:     &payload,
			}},
		},
	}
}

func payloadOf(i *proto.InodeStat) proto.InodePayload {
	return proto.InodePayload{
		Ino:     i.Ino,
		Mode:    i.Mode,
		UID:     i.UID,
		GID:     i.GID,
		Size:    i.Size,
		Mtime:   i.Mtime,
		Atime:   i.Atime,
		Ctime:   i.Ctime,
		Nlink:   i.Nlink,
		Symlink: i.Symlink,
	}
}

// Utime implements spec.md #4.7: file-write lock, mtime/atime delta.
func (o *Ops) Utime(ctx context.Context, rc *reqctx.Context) {
	ino := rc.RefIno
	inode, ok := o.Cache.GetInode(ino)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return
	}
	if inode.Authority != o.LocalPeer {
		o.forwardToAuthority(ctx, rc, inode.Authority)
		return
	}
	if !o.Locks.FileWriteStart(rc, ino) {
		return
	}

	pdv := inode.PreDirty()
	now := o.Clock.Now()
	stat := inode.Snapshot()
	stat.Mtime = rc.Args.Mtime
	stat.Atime = rc.Args.Atime
	stat.Ctime = now
	payload := payloadOf(&stat)
	entry := inodeOnlyEntry("utime", ino, pdv, payload)

	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}
		inode.Mtime = stat.Mtime
		inode.Atime = stat.Atime
		inode.Ctime = stat.Ctime
		inode.MarkDirty(pdv)
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: rc.Trace})
	})
}

// Chmod implements spec.md #4.7: hard-write lock, mode delta
// preserving the high bits via mask 04777.
func (o *Ops) Chmod(ctx context.Context, rc *reqctx.Context) {
	ino := rc.RefIno
	inode, ok := o.Cache.GetInode(ino)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return
	}
	if inode.Authority != o.LocalPeer {
		o.forwardToAuthority(ctx, rc, inode.Authority)
		return
	}
	if !o.Locks.HardWriteStart(rc, ino) {
		return
	}

	pdv := inode.PreDirty()
	now := o.Clock.Now()
	newMode := (inode.Mode &^ 04777) | (rc.Args.Mode & 04777)
	stat := inode.Snapshot()
	stat.Mode = newMode
	stat.Ctime = now
	entry := inodeOnlyEntry("chmod", ino, pdv, payloadOf(&stat))

	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}
		inode.Mode = newMode
		inode.Ctime = now
		inode.MarkDirty(pdv)
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: rc.Trace})
	})
}

// Chown implements spec.md #4.7: hard-write lock, uid/gid delta.
func (o *Ops) Chown(ctx context.Context, rc *reqctx.Context) {
	ino := rc.RefIno
	inode, ok := o.Cache.GetInode(ino)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return
	}
	if inode.Authority != o.LocalPeer {
		o.forwardToAuthority(ctx, rc, inode.Authority)
		return
	}
	if !o.Locks.HardWriteStart(rc, ino) {
		return
	}

	pdv := inode.PreDirty()
	now := o.Clock.Now()
	stat := inode.Snapshot()
	stat.UID = rc.Args.UID
	stat.GID = rc.Args.GID
	stat.Ctime = now
	entry := inodeOnlyEntry("chown", ino, pdv, payloadOf(&stat))

	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}
		inode.UID = stat.UID
		inode.GID = stat.GID
		inode.Ctime = now
		inode.MarkDirty(pdv)
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: rc.Trace})
	})
}
