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

package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/memstore"
	"github.com/cubefs/metaserver/peer"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/waiter"
)

func newTestResolver(t *testing.T) (*Resolver, *mdcache.Cache) {
	waiters := waiter.NewRegistry()
	store := memstore.New()
	cache := mdcache.New(1, store, waiters)

	root := &mdcache.Inode{Ino: proto.RootIno, IsDir: true, Authority: 1, Fragtree: &mdcache.Dirfragtree{}}
	cache.PutInode(root)
	rootFrag := cache.EnsureDirfrag(proto.RootIno, 0)
	rootFrag.SetComplete(true)

	a := &mdcache.Inode{Ino: 2, IsDir: true, Authority: 1, Fragtree: &mdcache.Dirfragtree{}}
	cache.PutInode(a)
	d := rootFrag.AddNull(proto.RootIno, 0, "a")
	d.State = proto.DentryPrimary
	d.TargetIno = 2

	r := New(cache, waiters, peer.NewStub(), 1)
	return r, cache
}

func TestResolveSuccess(t *testing.T) {
	r, _ := newTestResolver(t)
	req := &proto.MClientRequest{ReqID: 1, Op: proto.OpStat, Filepath: "/a"}
	rc := reqctx.New(context.Background(), req)

	outcome, trace, err := r.Resolve(context.Background(), rc, "/a", DISCOVER, true, false)
	require.NoError(t, err)
	require.Equal(t, Success, outcome)
	require.Len(t, trace, 1)
	require.Equal(t, proto.Ino(2), trace[0].Ino)
}

func TestResolveMissingComponentIsENOENT(t *testing.T) {
	r, _ := newTestResolver(t)
	req := &proto.MClientRequest{ReqID: 2, Op: proto.OpStat, Filepath: "/missing"}
	rc := reqctx.New(context.Background(), req)

	outcome, _, err := r.Resolve(context.Background(), rc, "/missing", DISCOVER, true, false)
	require.Equal(t, Errored, outcome)
	require.Error(t, err)
}

func TestResolveEmptyPathIsRoot(t *testing.T) {
	r, _ := newTestResolver(t)
	req := &proto.MClientRequest{ReqID: 3, Op: proto.OpStat, Filepath: ""}
	rc := reqctx.New(context.Background(), req)

	outcome, trace, err := r.Resolve(context.Background(), rc, "", DISCOVER, true, false)
	require.NoError(t, err)
	require.Equal(t, Success, outcome)
	require.Len(t, trace, 0)
}

func TestResolveIncompleteFragParksFetchRetry(t *testing.T) {
	r, cache := newTestResolver(t)
	f := cache.EnsureDirfrag(2, 0)
	f.SetComplete(false)

	req := &proto.MClientRequest{ReqID: 4, Op: proto.OpStat, Filepath: "/a/b"}
	rc := reqctx.New(context.Background(), req)
	fired := false
	rc.SetRetry(func() { fired = true })

	outcome, _, err := r.Resolve(context.Background(), rc, "/a/b", DISCOVER, true, false)
	require.NoError(t, err)
	require.Equal(t, Delayed, outcome)
	_ = fired
}
