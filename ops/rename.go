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

// Package ops, rename handler (spec.md #4.11).
package ops

import (
	"context"
	"strings"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/resolver"
)

// isPathPrefix reports whether every component of prefix leads path,
// the check rename uses to reject moving a directory inside itself
// (spec.md #4.11): src must not be a path prefix of dst.
func isPathPrefix(prefix, path string) bool {
	pc := strings.Split(strings.Trim(prefix, "/"), "/")
	lc := strings.Split(strings.Trim(path, "/"), "/")
	if len(pc) > len(lc) {
		return false
	}
	for i, c := range pc {
		if c != lc[i] {
			return false
		}
	}
	return true
}

// resolveRenameDest mirrors prepareMknod's steps against an explicit
// parent (rather than rc.RefIno, which the dispatcher already spent on
// src's parent) without touching the lock manager: rename acquires
// both dentry xlocks together, in lexicographic order, after both
// sides have been looked up (spec.md #4.11 "lock order").
func (o *Ops) resolveRenameDest(ctx context.Context, rc *reqctx.Context, parentIno proto.Ino, name string) (frag *mdcache.Dirfrag, dn *mdcache.Dentry, exists bool, delayed bool) {
	parent, ok := o.Cache.GetInode(parentIno)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return nil, nil, false, true
	}
	if !parent.IsDir {
		o.replyError(rc, apierrors.ENOTDIR)
		return nil, nil, false, true
	}

	fragID := parent.Fragtree.PickDirfrag(name)
	f, ok := o.Cache.GetDirfrag(parentIno, fragID)
	if !ok {
		if parent.Authority != o.LocalPeer {
			o.replyError(rc, apierrors.ENOENT)
			return nil, nil, false, true
		}
		f = o.Cache.EnsureDirfrag(parentIno, fragID)
	}

	if f.IsFrozen() || !f.PinnableRaw() {
		o.park(rc, f.ID())
		return nil, nil, false, true
	}

	if existing, ok := f.Lookup(name); ok {
		ref := reqctx.DentryRef{ParentIno: existing.ParentIno, Frag: existing.Frag, Name: existing.Name}
		if holder := o.Locks.DentryXlockHolder(ref); holder != 0 && holder != rc.ReqID {
			o.park(rc, "dn:"+ref.String())
			return nil, nil, false, true
		}
		if !existing.IsNull() {
			return f, existing, true, false
		}
		dn = existing
	}

	if !f.IsComplete() {
		o.park(rc, f.ID())
		go o.Cache.FetchDirfrag(ctx, f) //nolint:errcheck
		return nil, nil, false, true
	}

	if dn == nil {
		dn = f.AddNull(parentIno, fragID, name)
	}
	return f, dn, false, false
}

// acquireXlock takes d's xlock, going over the messenger when d's
// owning dirfrag is foreign (spec.md #4.5 "Cross-peer xlock is
// requested over the messenger", #4.11 "lock order"). It consumes
// rc's retry continuation on every path that does not return granted,
// so callers must not touch rc's retry slot afterward.
func (o *Ops) acquireXlock(ctx context.Context, rc *reqctx.Context, authority proto.PeerID, d reqctx.DentryRef) bool {
	if authority == o.LocalPeer {
		return o.Locks.DentryXlockStart(rc, d)
	}

	retry := rc.TakeRetry()
	if retry == nil {
		return false
	}
	err := o.Messenger.RequestXlock(ctx, authority, d.ParentIno, d.Frag, d.Name, rc.ReqID, func(granted bool) {
		if granted {
			retry()
		} else {
			o.replyError(rc, apierrors.EXDEV)
		}
	})
	if err != nil {
		o.replyError(rc, err)
	}
	return false
}

// Rename implements spec.md #4.11, the handler with the most moving
// parts: re-trace src's dentry (already parked on by the dispatcher's
// ordinary path resolution into rc.RefIno), discover dst's dentry,
// lock both in lexicographic (dirfrag-id, name) order to avoid
// cluster-wide deadlock, then journal the move.
func (o *Ops) Rename(ctx context.Context, rc *reqctx.Context) {
	rc.SetRetry(func() { o.Rename(ctx, rc) })

	srcPath := rc.Filepath
	dstPath := rc.StringArg

	if strings.Trim(srcPath, "/") == "" {
		o.replyError(rc, apierrors.EINVAL)
		return
	}
	if isPathPrefix(srcPath, dstPath) {
		o.replyError(rc, apierrors.EINVAL)
		return
	}
	if strings.Trim(srcPath, "/") == strings.Trim(dstPath, "/") {
		o.replyError(rc, apierrors.EINVAL)
		return
	}

	_, srcName := splitParent(srcPath)
	dstParentPath, dstName := splitParent(dstPath)

	srcFrag, srcDn, srcTarget, delayed := o.victim(ctx, rc, srcName, apierrors.EEXIST)
	if delayed {
		return
	}

	outcome, dstTrace, err := o.Resolver.Resolve(ctx, rc, dstParentPath, resolver.DISCOVER, true, false)
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
	dstParentIno := proto.RootIno
	if len(dstTrace) > 0 {
		dstParentIno = dstTrace[len(dstTrace)-1].Ino
	}

	dstFrag, dstDn, dstExists, delayed := o.resolveRenameDest(ctx, rc, dstParentIno, dstName)
	if delayed {
		return
	}

	var dstTarget *mdcache.Inode
	if dstExists {
		var ok bool
		dstTarget, ok = o.Cache.GetInode(dstDn.TargetIno)
		if !ok {
			o.park(rc, inodeTag(dstDn.TargetIno))
			return
		}
		if dstTarget.IsDir && !srcTarget.IsDir {
			o.replyError(rc, apierrors.EISDIR)
			return
		}
		if !dstTarget.IsDir && srcTarget.IsDir {
			o.replyError(rc, apierrors.ENOTDIR)
			return
		}
		if dstTarget.Nlink > 1 || dstTarget.CapCount > 0 {
			o.replyError(rc, apierrors.EXDEV)
			return
		}
		if dstTarget.IsDir {
			if grand, ok := o.Cache.GetDirfrag(dstTarget.Ino, 0); ok {
				if !grand.IsComplete() {
					o.park(rc, grand.ID())
					go o.Cache.FetchDirfrag(ctx, grand) //nolint:errcheck
					return
				}
				if grand.Size() > 0 {
					o.replyError(rc, apierrors.ENOTEMPTY)
					return
				}
			}
		}
	}

	srcRef := reqctx.DentryRef{ParentIno: srcDn.ParentIno, Frag: srcDn.Frag, Name: srcDn.Name}
	dstRef := reqctx.DentryRef{ParentIno: dstFrag.Ino, Frag: dstFrag.Frag, Name: dstDn.Name}

	first, second := srcRef, dstRef
	firstAuth, secondAuth := o.LocalPeer, dstFrag.Authority
	if !first.Less(second) {
		first, second = second, first
		firstAuth, secondAuth = dstFrag.Authority, o.LocalPeer
	}

	if !o.acquireXlock(ctx, rc, firstAuth, first) {
		return
	}
	if !o.acquireXlock(ctx, rc, secondAuth, second) {
		return
	}

	srcPdv := srcDn.PreDirty()
	dstPdv := dstDn.PreDirty()

	var destroyed proto.Ino
	if dstExists && dstTarget.Nlink <= 1 {
		destroyed = dstTarget.Ino
	}

	blob := proto.MetaBlob{
		DirContexts: []proto.DirContext{{Ino: srcFrag.Ino, Frag: srcFrag.Frag}, {Ino: dstFrag.Ino, Frag: dstFrag.Frag}},
		Dentries: []proto.DentryPayload{
			{ParentIno: srcDn.ParentIno, Frag: srcDn.Frag, Name: srcDn.Name, State: proto.DentryNull, Version: srcPdv},
			{ParentIno: dstDn.ParentIno, Frag: dstDn.Frag, Name: dstDn.Name, State: proto.DentryPrimary, TargetIno: srcTarget.Ino, Version: dstPdv},
		},
	}
	if destroyed != 0 {
		blob.DestroyedInodes = []proto.Ino{destroyed}
	}

	entry := proto.EUpdate{Name: "rename", Blob: blob}

	srcName2 := srcDn.Name
	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}

		srcDn.State = proto.DentryNull
		srcDn.TargetIno = 0
		srcDn.MarkDirty(srcPdv)
		srcFrag.Remove(srcName2)

		dstDn.State = proto.DentryPrimary
		dstDn.TargetIno = srcTarget.Ino
		dstDn.MarkDirty(dstPdv)

		if destroyed != 0 {
			o.Cache.RemoveInode(destroyed)
		}

		if srcTarget.Authority != o.LocalPeer {
			_ = o.Messenger.RenameNotify(ctx, srcTarget.Authority, srcTarget.Ino, srcTarget.Ino)
		}

		o.Locks.DentryXlockFinish(rc, srcRef)
		o.Locks.DentryXlockFinish(rc, dstRef)

		trace := append(append([]proto.TraceEntry{}, dstTrace...), proto.TraceEntry{Ino: srcTarget.Ino, Name: dstDn.Name, IsDir: srcTarget.IsDir})
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: trace})
	})
}
