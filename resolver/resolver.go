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

// Package resolver implements C3: asynchronous path traversal across
// authority boundaries (spec.md #4.4). Resolve walks one path
// component at a time and, at each component, may park a retry
// continuation and return delayed, forward the request to another
// peer's authority, fail with a POSIX error, or continue.
package resolver

import (
	"context"
	"strings"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/peer"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/waiter"
)

// Mode is the traversal mode named in spec.md #4.4.
type Mode int

const (
	// FORWARD hops to the authority peer on a cross-peer boundary.
	FORWARD Mode = iota
	// DISCOVER never forwards. No replica is fetched from the
	// authority: a dirfrag absent from the local cache ends the walk
	// with ENOENT.
	DISCOVER
)

// Outcome is one of the four traversal results spec.md #4.4 names.
type Outcome int

const (
	Delayed Outcome = iota
	Errored
	Success
	Forwarded
)

// Resolver is C3.
type Resolver struct {
	cache     *mdcache.Cache
	waiters   *waiter.Registry
	messenger peer.Messenger
	localPeer proto.PeerID
}

func New(cache *mdcache.Cache, waiters *waiter.Registry, messenger peer.Messenger, localPeer proto.PeerID) *Resolver {
	return &Resolver{cache: cache, waiters: waiters, messenger: messenger, localPeer: localPeer}
}

func splitComponents(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Resolve walks path from the root, producing a dentry trace ending at
// the final component's inode (spec.md #4.4). rc must have its retry
// continuation set by the caller before calling Resolve if the caller
// wants to be woken on delay; Resolve itself only parks that
// continuation, it never installs one.
func (r *Resolver) Resolve(ctx context.Context, rc *reqctx.Context, path string, mode Mode, followSymlink bool, isLstatFinal bool) (Outcome, []proto.TraceEntry, error) {
	trace := make([]proto.TraceEntry, 0, 4)
	curIno := proto.RootIno
	components := splitComponents(path)

	for i := 0; i < len(components); i++ {
		name := components[i]
		isFinal := i == len(components)-1

		inode, ok := r.cache.GetInode(curIno)
		if !ok {
			return Errored, nil, apierrors.ENOENT
		}
		if !inode.IsDir {
			return Errored, nil, apierrors.ENOTDIR
		}

		frag := inode.Fragtree.PickDirfrag(name)

		f, ok := r.cache.GetDirfrag(curIno, frag)
		if !ok {
			// Step 2: dirfrag absent. If this peer isn't the inode's
			// authority and mode is FORWARD, forward; in every other
			// case (local authority, or DISCOVER) reply ENOENT.
			if inode.Authority != r.localPeer {
				if mode == FORWARD {
					if err := r.messenger.ForwardRequest(ctx, inode.Authority, requestOf(rc)); err != nil {
						return Errored, nil, err
					}
					return Forwarded, nil, nil
				}
			}
			return Errored, nil, apierrors.ENOENT
		}

		// Step 3: frozen or not auth-pinnable.
		if f.IsFrozen() {
			r.park(rc, f.ID(), waiter.Unfreeze)
			return Delayed, nil, nil
		}
		if !f.PinnableRaw() {
			r.park(rc, f.ID(), waiter.AuthPinnable)
			return Delayed, nil, nil
		}

		var d *mdcache.Dentry
		if f.IsComplete() {
			// Step 4.
			d, ok = f.Lookup(name)
			if !ok {
				return Errored, nil, apierrors.ENOENT
			}
		} else {
			// Step 5: incomplete and name possibly not yet fetched.
			d, ok = f.Lookup(name)
			if !ok {
				r.park(rc, f.ID(), waiter.FetchFrag)
				go r.cache.FetchDirfrag(ctx, f) //nolint:errcheck
				return Delayed, nil, nil
			}
		}

		if d.IsNull() {
			return Errored, nil, apierrors.ENOENT
		}

		// Step 6: remote dentry - open the primary via the cache.
		if d.State == proto.DentryRemote {
			target, ok := r.cache.GetInode(d.TargetIno)
			if !ok {
				r.park(rc, inodeTag(d.TargetIno), waiter.Active)
				return Delayed, nil, nil
			}
			curIno = target.Ino
			trace = append(trace, proto.TraceEntry{Ino: target.Ino, Name: name, IsDir: target.IsDir})
			continue
		}

		target, ok := r.cache.GetInode(d.TargetIno)
		if !ok {
			return Errored, nil, apierrors.ENOENT
		}

		// Step 7: symlink splice.
		followHere := followSymlink && !(isFinal && isLstatFinal)
		if target.Symlink != "" && followHere {
			rest := strings.Join(components[i+1:], "/")
			splice := target.Symlink
			if rest != "" {
				splice = strings.TrimRight(splice, "/") + "/" + rest
			}
			if strings.HasPrefix(target.Symlink, "/") {
				return r.Resolve(ctx, rc, splice, mode, followSymlink, isLstatFinal)
			}
			// Relative symlink target: resolved against the directory
			// that contains the link, i.e. curIno before this hop.
			rejoined := strings.Join(append(append([]string{}, components[:i]...), splice), "/")
			return r.Resolve(ctx, rc, rejoined, mode, followSymlink, isLstatFinal)
		}

		curIno = target.Ino
		trace = append(trace, proto.TraceEntry{Ino: target.Ino, Name: name, IsDir: target.IsDir})
	}

	return Success, trace, nil
}

func (r *Resolver) park(rc *reqctx.Context, object string, tag waiter.Tag) {
	retry := rc.TakeRetry()
	if retry == nil {
		return
	}
	r.waiters.Register(object, tag, waiter.Continuation(retry))
}

// requestOf rebuilds the wire request from rc's immutable fields, for
// handing to the messenger on forward (spec.md #4.4 step 2).
func requestOf(rc *reqctx.Context) *proto.MClientRequest {
	return &proto.MClientRequest{
		ReqID:     rc.ReqID,
		Op:        rc.Op,
		Filepath:  rc.Filepath,
		StringArg: rc.StringArg,
		Args:      rc.Args,
		CallerUID: rc.CallerUID,
		CallerGID: rc.CallerGID,
		Client:    rc.Client,
	}
}

func inodeTag(ino proto.Ino) string { return "ino:" + itoa(ino) }

func itoa(v proto.Ino) string {
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
