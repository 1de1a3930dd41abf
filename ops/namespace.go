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

// Package ops, namespace-create handlers (spec.md #4.8): mknod,
// mkdir, symlink, open-create, sharing the prepare_mknod protocol.
package ops

import (
	"context"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
)

// prepareMknod implements spec.md #4.8 steps 2-5: validate the
// parent, pick and ready its dirfrag, look up name, and either report
// the existing target or hand back a freshly xlocked null dentry for
// the caller to fill in. delayed reports that the caller must return
// without replying (a wait was parked, a forward was issued, or an
// error reply was already sent); when
// delayed is false and exists is false, dn is non-nil and xlocked by
// rc.
func (o *Ops) prepareMknod(ctx context.Context, rc *reqctx.Context, name string) (frag *mdcache.Dirfrag, dn *mdcache.Dentry, existingIno proto.Ino, exists bool, delayed bool) {
	parent, ok := o.Cache.GetInode(rc.RefIno)
	if !ok {
		o.replyError(rc, apierrors.ENOENT)
		return nil, nil, 0, false, true
	}
	if !parent.IsDir {
		o.replyError(rc, apierrors.ENOTDIR)
		return nil, nil, 0, false, true
	}

	fragID := parent.Fragtree.PickDirfrag(name)
	f, ok := o.Cache.GetDirfrag(rc.RefIno, fragID)
	if !ok {
		if parent.Authority != o.LocalPeer {
			if err := o.Messenger.ForwardRequest(ctx, parent.Authority, requestOf(rc)); err != nil {
				o.replyError(rc, err)
				return nil, nil, 0, false, true
			}
			o.Finisher.Forwarded(rc)
			return nil, nil, 0, false, true
		}
		f = o.Cache.EnsureDirfrag(rc.RefIno, fragID)
	}

	if f.IsFrozen() || !f.PinnableRaw() {
		o.park(rc, f.ID())
		return nil, nil, 0, false, true
	}

	if existing, ok := f.Lookup(name); ok {
		ref := reqctx.DentryRef{ParentIno: existing.ParentIno, Frag: existing.Frag, Name: existing.Name}
		if holder := o.Locks.DentryXlockHolder(ref); holder != 0 && holder != rc.ReqID {
			o.park(rc, "dn:"+ref.String())
			return nil, nil, 0, false, true
		}
		if !existing.IsNull() {
			return f, nil, existing.TargetIno, true, false
		}
		dn = existing
	}

	if !f.IsComplete() {
		o.park(rc, f.ID())
		go o.Cache.FetchDirfrag(ctx, f) //nolint:errcheck
		return nil, nil, 0, false, true
	}

	if dn == nil {
		dn = f.AddNull(rc.RefIno, fragID, name)
	}
	ref := reqctx.DentryRef{ParentIno: rc.RefIno, Frag: fragID, Name: name}
	if !o.Locks.DentryXlockStart(rc, ref) {
		return nil, nil, 0, false, true
	}

	if o.Popularity != nil {
		o.Popularity.HitDirWrite(rc.RefIno, fragID)
	}

	return f, dn, 0, false, false
}

// Mknod implements spec.md #4.8.
func (o *Ops) Mknod(ctx context.Context, rc *reqctx.Context) {
	_, name := splitParent(rc.Filepath)
	rc.SetRetry(func() { o.Mknod(ctx, rc) })
	f, dn, existingIno, exists, delayed := o.prepareMknod(ctx, rc, name)
	if delayed {
		return
	}
	if exists {
		_ = existingIno
		o.replyError(rc, apierrors.EEXIST)
		return
	}
	o.createChild(ctx, rc, "mknod", f, dn, rc.Args.Mode, false, "")
}

// Mkdir implements spec.md #4.8: additionally opens a fresh empty
// dirfrag on the new inode, marked complete and dirty.
func (o *Ops) Mkdir(ctx context.Context, rc *reqctx.Context) {
	_, name := splitParent(rc.Filepath)
	rc.SetRetry(func() { o.Mkdir(ctx, rc) })
	f, dn, existingIno, exists, delayed := o.prepareMknod(ctx, rc, name)
	if delayed {
		return
	}
	if exists {
		_ = existingIno
		o.replyError(rc, apierrors.EEXIST)
		return
	}
	o.createChild(ctx, rc, "mkdir", f, dn, rc.Args.Mode, true, "")
}

// Symlink implements spec.md #4.8: copies the target string into the
// new inode.
func (o *Ops) Symlink(ctx context.Context, rc *reqctx.Context) {
	_, name := splitParent(rc.Filepath)
	rc.SetRetry(func() { o.Symlink(ctx, rc) })
	f, dn, existingIno, exists, delayed := o.prepareMknod(ctx, rc, name)
	if delayed {
		return
	}
	if exists {
		_ = existingIno
		o.replyError(rc, apierrors.EEXIST)
		return
	}
	o.createChild(ctx, rc, "symlink", f, dn, 0120777, false, rc.StringArg)
}

// createChild is the common commit path for mknod/mkdir/symlink and
// the create branch of open-create: build the inode, xlock-protected
// null dentry promotion, journal entry, and finisher.
func (o *Ops) createChild(ctx context.Context, rc *reqctx.Context, opName string, f *mdcache.Dirfrag, dn *mdcache.Dentry, mode uint32, isDir bool, symlink string) {
	now := o.Clock.Now()
	newIno := o.allocIno()

	dpv := dn.PreDirty()
	stat := proto.InodeStat{
		Ino:     newIno,
		Mode:    mode,
		UID:     rc.CallerUID,
		GID:     rc.CallerGID,
		Nlink:   1,
		IsDir:   isDir,
		Symlink: symlink,
		Mtime:   now,
		Atime:   now,
		Ctime:   now,
	}
	payload := payloadOf(&stat)

	entry := proto.EUpdate{
		Name: opName,
		Blob: proto.MetaBlob{
			DirContexts: []proto.DirContext{{Ino: f.Ino, Frag: f.Frag}},
			Dentries: []proto.DentryPayload{{
				ParentIno: dn.ParentIno,
				Frag:      dn.Frag,
				Name:      dn.Name,
				State:     proto.DentryPrimary,
				TargetIno: newIno,
				Version:   dpv,
				Inode:     &payload,
			}},
		},
	}

	o.Journal.Submit(ctx, entry, o.Cfg.LogBeforeReply, func(err error) {
		if err != nil {
			o.Finisher.Reply(rc, apierrors.EIO, proto.MClientReply{})
			return
		}

		newInode := &mdcache.Inode{
			Ino:      newIno,
			Mode:     mode,
			UID:      stat.UID,
			GID:      stat.GID,
			Nlink:    1,
			IsDir:    isDir,
			Symlink:  symlink,
			Mtime:    now,
			Atime:    now,
			Ctime:    now,
			Fragtree: &mdcache.Dirfragtree{},
			Authority: o.LocalPeer,
		}
		o.Cache.PutInode(newInode)
		if isDir {
			childFrag := o.Cache.EnsureDirfrag(newIno, 0)
			childFrag.SetComplete(true)
			childFrag.Dirty = true
		}

		dn.State = proto.DentryPrimary
		dn.TargetIno = newIno
		dn.MarkDirty(dpv)

		o.Locks.DentryXlockFinish(rc, reqctx.DentryRef{ParentIno: dn.ParentIno, Frag: dn.Frag, Name: dn.Name})

		trace := append(append([]proto.TraceEntry{}, rc.Trace...), proto.TraceEntry{Ino: newIno, Name: dn.Name, IsDir: isDir})
		o.Finisher.Reply(rc, nil, proto.MClientReply{Trace: trace})
	})
}

// OpenCreate implements spec.md #4.8's open-create branch: mode 0644 |
// FILE; O_EXCL on an existing name fails EEXIST, otherwise falls
// through to Open on the pre-existing inode (spec.md #8 boundary
// behavior "open O_EXCL|O_CREAT on existing -> EEXIST").
func (o *Ops) OpenCreate(ctx context.Context, rc *reqctx.Context) {
	_, name := splitParent(rc.Filepath)
	rc.SetRetry(func() { o.OpenCreate(ctx, rc) })
	f, dn, existingIno, exists, delayed := o.prepareMknod(ctx, rc, name)
	if delayed {
		return
	}
	if exists {
		if rc.Args.Flags&proto.OExcl != 0 {
			o.replyError(rc, apierrors.EEXIST)
			return
		}
		rc.RefIno = existingIno
		o.Open(ctx, rc)
		return
	}
	o.createChild(ctx, rc, "open-create", f, dn, 0100644, false, "")
}
