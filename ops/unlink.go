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

// Package ops, unlink and rmdir handlers (spec.md #4.10).
package ops

import (
	"context"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
)

// victim resolves the name to remove under rc.RefIno (the parent,
// since unlink/rmdir/rename are IsCreating ops resolved to their
// parent directory), validating the common preamble shared by unlink,
// rmdir, and rename's source side (spec.md #4.10, #4.11). notFound is
// the errno replied when the named dentry itself does not exist -
// ENOENT for unlink/rmdir, but EEXIST for rename's source, matching
// cephmds2's `reply_request(req, -EEXIST)` on a missing srcdn
// (original_source/branches/sage/cephmds2/mds/Server.cc:1946). delayed
// reports the caller must return without replying.
func (o *Ops) victim(ctx context.Context, rc *reqctx.Context, name string, notFound error) (f *mdcache.Dirfrag, dn *mdcache.Dentry, target *mdcache.Inode, delayed bool) {
	if name == "" || name == "." || name == ".." {
		o.replyError(rc, apierrors.EINVAL)
		return nil, nil, nil, true
	}

	parent, ok := o.Cache.GetInode(rc.RefIno)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return nil, nil, nil, true
	}
	if !parent.IsDir {
		o.replyError(rc, apierrors.ENOTDIR)
		return nil, nil, nil, true
	}

	fragID := parent.Fragtree.PickDirfrag(name)
	frag, ok := o.Cache.GetDirfrag(rc.RefIno, fragID)
	if !ok {
		if parent.Authority != o.LocalPeer {
			if err := o.Messenger.ForwardRequest(ctx, parent.Authority, requestOf(rc)); err != nil {
				o.replyError(rc, err)
				return nil, nil, nil, true
			}
			o.Finisher.Forwarded(rc)
			return nil, nil, nil, true
		}
		o.replyError(rc, apierrors.ENOENT)
		return nil, nil, nil, true
	}

	if frag.IsFrozen() || !frag.PinnableRaw() {
		o.park(rc, frag.ID())
		return nil, nil, nil, true
	}

	if !frag.IsComplete() {
		o.park(rc, frag.ID())
		go o.Cache.FetchDirfrag(ctx, frag) //nolint:errcheck
		return nil, nil, nil, true
	}

	d, ok := frag.Lookup(name)
	if !ok || d.IsNull() {
		o.replyError(rc, notFound)
		return nil, nil, nil, true
	}

	ref := reqctx.DentryRef{ParentIno: d.ParentIno, Frag: d.Frag, Name: d.Name}
	if holder := o.Locks.DentryXlockHolder(ref); holder != 0 && holder != rc.ReqID {
		o.park(rc, "dn:"+ref.String())
		return nil, nil, nil, true
	}

	t, ok := o.Cache.GetInode(d.TargetIno)
	if !ok {
		o.park(rc, inodeTag(d.TargetIno))
		return nil, nil, nil, true
	}

	return frag, d, t, false
}

func inodeTag(ino proto.Ino) string { return "ino:" + itoaOps(ino) }

func itoaOps(v proto.Ino) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Unlink implements spec.md #4.10.
func (o *Ops) Unlink(ctx context.Context, rc *reqctx.Context) {
	rc.SetRetry(func() { o.Unlink(ctx, rc) })
	_, name := splitParent(rc.Filepath)

	f, dn, target, delayed := o.victim(ctx, rc, name, apierrors.ENOENT)
	if delayed {
		return
	}
	if target.IsDir {
		o.replyError(rc, apierrors.EISDIR)
		return
	}
	o.removeLink(ctx, rc, f, dn, target)
}

// Rmdir implements spec.md #4.10: the victim must be an empty,
// complete directory.
func (o *Ops) Rmdir(ctx context.Context, rc *reqctx.Context) {
	rc.SetRetry(func() { o.Rmdir(ctx, rc) })
	_, name := splitParent(rc.Filepath)

	f, dn, target, delayed := o.victim(ctx, rc, name, apierrors.ENOENT)
	if delayed {
		return
	}
	if !target.IsDir {
		o.replyError(rc, apierrors.ENOTDIR)
		return
	}

	// This implementation keeps one frag per directory (mdcache's
	// Dirfragtree never splits), so checking leaf frag 0 covers every
	// leaf spec.md #4.10 asks for.
	childFrag, ok := o.Cache.GetDirfrag(target.Ino, 0)
	if !ok {
		// Never fetched: treat as empty, matching a directory whose
		// sole frag has not yet been instantiated.
	} else {
		if !childFrag.IsComplete() {
			o.park(rc, childFrag.ID())
			go o.Cache.FetchDirfrag(ctx, childFrag) //nolint:errcheck
			return
		}
		if childFrag.Size() > 0 {
			o.replyError(rc, apierrors.ENOTEMPTY)
			return
		}
	}

	o.removeLink(ctx, rc, f, dn, target)
}

// removeLink is the shared commit path for unlink and rmdir: xlock the
// dentry (victim only detects another holder; the lock is taken
// here), hard-write-lock a remote target's inode, journal the removal,
// and apply it in the finisher.
func (o *Ops) removeLink(ctx context.Context, rc *reqctx.Context, f *mdcache.Dirfrag, dn *mdcache.Dentry, target *mdcache.Inode) {
	ref := reqctx.DentryRef{ParentIno: dn.ParentIno, Frag: dn.Frag, Name: dn.Name}
	if !o.Locks.DentryXlockStart(rc, ref) {
		return
	}

	remote := dn.State == proto.DentryRemote
	if remote {
		if !o.Locks.HardWriteStart(rc, target.Ino) {
			return
		}
	}

	if !remote && (target.Nlink > 1 || target.CapCount > 0) {
		o.Locks.DentryXlockFinish(rc, ref)
		if remote {
			o.Locks.HardWriteFinish(rc, target.Ino)
		}
		o.replyError(rc, apierrors.EXDEV)
		return
	}

	dpv := dn.PreDirty()
	blob := proto.MetaBlob{
		DirContexts: []proto.DirContext{{Ino: f.Ino, Frag: f.Frag}},
		Dentries: []proto.DentryPayload{{
			ParentIno: dn.ParentIno,
			Frag:      dn.Frag,
			Name:      dn.Name,
			State:     proto.DentryNull,
			Version:   dpv,
		}},
	}

	var tpdv uint64
	if remote {
		tpdv = target.PreDirty()
		stat := target.Snapshot()
		stat.Nlink--
		payload := payloadOf(&stat)
		blob.Dentries = append(blob.Dentries, proto.DentryPayload{State: proto.DentryPrimary, TargetIno: target.Ino, Version: tpdv, Inode: &payload})
	} else {
		blob.DestroyedInodes = []proto.Ino{target.Ino}
	}

	entry := proto.EUpdate{Name: "unlink", Blob: blob}

	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}

		dn.State = proto.DentryNull
		dn.TargetIno = 0
		dn.MarkDirty(dpv)
		f.Remove(dn.Name)

		if remote {
			target.Nlink--
			target.MarkDirty(tpdv)
			o.Locks.HardWriteFinish(rc, target.Ino)
		} else {
			target.Nlink = 0
		}

		replicas := append([]proto.PeerID{}, dn.Replicas...)
		if len(replicas) > 0 {
			_ = o.Messenger.BroadcastDentryUnlink(ctx, replicas, dn.ParentIno, dn.Frag, dn.Name)
		}

		o.Locks.DentryXlockFinish(rc, ref)
		o.Finisher.EvictIfUnlinked(target)

		o.Finisher.Reply(rc, nil, proto.MClientReply{})
	})
}
