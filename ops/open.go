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

package ops

import (
	"context"
	"sort"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
)

// capModeLazy and capModeRead mirror the two open modes that do not
// require local authority (spec.md #4.12 "open"): a lazy or read-only
// open may be served from a replica.
const (
	capModeRead = 1
	capModeLazy = 2
)

// Stat implements spec.md #4.12: the file-read lock is acquired only
// when the requested mask needs size or mtime (spec.md #9 canonical
// mask->lock map, #8 boundary behavior "stat with mask=0 does not
// acquire the file-read lock").
func (o *Ops) Stat(ctx context.Context, rc *reqctx.Context) {
	ino := rc.RefIno
	inode, ok := o.Cache.GetInode(ino)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return
	}

	if proto.NeedsFileLock(rc.Args.Mask) {
		if !o.Locks.FileReadStart(rc, ino) {
			return
		}
		stat := inode.Snapshot()
		o.Locks.FileReadFinish(rc, ino)
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: rc.Trace, Stat: &stat})
		return
	}

	stat := inode.Snapshot()
	o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: rc.Trace, Stat: &stat})
}

// Open implements spec.md #4.12: regular files only, forwarding
// writers to the authority, and issuing an opaque capability grant.
func (o *Ops) Open(ctx context.Context, rc *reqctx.Context) {
	ino := rc.RefIno
	inode, ok := o.Cache.GetInode(ino)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return
	}
	if inode.IsDir {
		o.replyError(rc, apierrors.EISDIR)
		return
	}

	writer := rc.Args.Mode&(capModeRead|capModeLazy) == 0
	if writer && inode.Authority != o.LocalPeer {
		if err := o.Messenger.ForwardRequest(ctx, inode.Authority, requestOf(rc)); err != nil {
			o.replyError(rc, err)
			return
		}
		o.Finisher.Forwarded(rc)
		return
	}

	inode.CapCount++
	o.Finisher.Reply(rc, nil, proto.MClientReply{
		Trace:       rc.Trace,
		Caps:        rc.Args.Mode,
		CapsSeq:     inode.DirtyVersion,
		DataVersion: inode.DirtyVersion,
	})
}

// Release implements the fh-style cap release named in spec.md #4.3
// ("requests that carry a fh-style ino: truncate by ino, release,
// fsync"): it drops the capability grant Open issued and, if the
// inode's link count already reached zero while it was open, evicts
// it now that the last reference is gone (spec.md #3 invariant 5).
func (o *Ops) Release(ctx context.Context, rc *reqctx.Context) {
	ino := rc.RefIno
	inode, ok := o.Cache.GetInode(ino)
	if !ok {
		o.Finisher.Reply(rc, nil, proto.MClientReply{})
		return
	}
	if inode.CapCount > 0 {
		inode.CapCount--
	}
	o.Finisher.EvictIfUnlinked(inode)
	o.Finisher.Reply(rc, nil, proto.MClientReply{})
}

// Truncate implements spec.md #4.12. The spec flags this path as
// provisional ("bypasses the journal for the size change"); the
// EString placeholder entry records that a real implementation must
// journal the size change alongside ctime (spec.md #9 open question).
func (o *Ops) Truncate(ctx context.Context, rc *reqctx.Context) {
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
	if o.Limiter != nil {
		if err := o.Limiter.AcquireWrite(ctx); err != nil {
			o.Locks.FileWriteFinish(rc, ino)
			o.replyError(rc, apierrors.EAGAIN)
			return
		}
	}

	length := rc.Args.Length
	entry := proto.EString{Label: "truncate"}
	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if o.Limiter != nil {
			o.Limiter.ReleaseWrite()
		}
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}
		inode.Size = length
		inode.Ctime = o.Clock.Now()
		o.Locks.FileWriteFinish(rc, ino)
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: rc.Trace})
	})
}

// Readdir implements spec.md #4.12.
func (o *Ops) Readdir(ctx context.Context, rc *reqctx.Context) {
	ino := rc.RefIno
	inode, ok := o.Cache.GetInode(ino)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return
	}
	if !inode.IsDir {
		o.replyError(rc, apierrors.ENOTDIR)
		return
	}
	if rc.Args.FragArg >= inode.Fragtree.NumFrags() {
		o.replyError(rc, apierrors.EAGAIN)
		return
	}

	f, ok := o.Cache.GetDirfrag(ino, rc.Args.FragArg)
	if !ok {
		if inode.Authority != o.LocalPeer {
			o.forwardToAuthority(ctx, rc, inode.Authority)
			return
		}
		f = o.Cache.EnsureDirfrag(ino, rc.Args.FragArg)
	} else if f.Authority != o.LocalPeer {
		o.forwardToAuthority(ctx, rc, f.Authority)
		return
	}
	if !f.IsComplete() {
		if o.Limiter != nil {
			if err := o.Limiter.AcquireRead(ctx); err != nil {
				o.replyError(rc, apierrors.EAGAIN)
				return
			}
		}
		rc.SetRetry(func() { o.Readdir(ctx, rc) })
		o.park(rc, f.ID())
		go func() {
			if o.Limiter != nil {
				defer o.Limiter.ReleaseRead()
			}
			o.Cache.FetchDirfrag(ctx, f) //nolint:errcheck
		}()
		return
	}

	if !o.Locks.HardReadStart(rc, ino) {
		return
	}
	entries := f.Entries()
	o.Locks.HardReadFinish(rc, ino)

	items := make([]proto.DirItem, 0, len(entries)+1)
	selfStat := inode.Snapshot()
	items = append(items, proto.DirItem{Name: ".", Stat: selfStat})
	for _, d := range entries {
		target, ok := o.Cache.GetInode(d.TargetIno)
		if !ok {
			continue
		}
		items = append(items, proto.DirItem{Name: d.Name, Stat: target.Snapshot()})
	}
	sort.Slice(items[1:], func(i, j int) bool { return items[i+1].Name < items[j+1].Name })

	o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: rc.Trace, DirItems: items})
}
