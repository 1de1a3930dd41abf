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

package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/metaserver/clock"
	"github.com/cubefs/metaserver/config"
	"github.com/cubefs/metaserver/finish"
	"github.com/cubefs/metaserver/journal"
	"github.com/cubefs/metaserver/locker"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/ops"
	"github.com/cubefs/metaserver/peer"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/resolver"
	"github.com/cubefs/metaserver/waiter"
)

func newTestServer(t *testing.T) (*Server, *CorrelatingSender) {
	waiters := waiter.NewRegistry()
	cache := mdcache.New(0, nil, waiters)
	locks := locker.New(waiters)
	res := resolver.New(cache, waiters, peer.NewStub(), 0)
	j := journal.New(journal.NewMemStore())
	table := reqctx.NewTable()
	sender := NewCorrelatingSender()
	finisher := finish.New(locks, cache, sender, table)
	cfg := config.Default()
	cfg.LogBeforeReply = false

	o := ops.New(cache, locks, res, j, finisher, table, peer.NewStub(), clock.NewFake(time.Unix(1700000000, 0)), cfg, waiters, 0, 1)

	root := &mdcache.Inode{Ino: proto.RootIno, IsDir: true, Mode: 0755, Fragtree: &mdcache.Dirfragtree{}, Authority: 0}
	cache.PutInode(root)
	rootFrag := cache.EnsureDirfrag(proto.RootIno, 0)
	rootFrag.SetComplete(true)
	rootFrag.Dirty = true

	srv := NewServer(&Config{LocalPeer: 0}, nil, o, table, waiters, sender, NewMountReplies())
	return srv, sender
}

func TestActiveGateParksRequestsUntilActivated(t *testing.T) {
	srv, sender := newTestServer(t)

	req := &proto.MClientRequest{ReqID: 1, Op: proto.OpStat, Filepath: "/"}
	ch := sender.Await(req.ReqID)

	srv.HandleClientRequest(context.Background(), req)

	select {
	case <-ch:
		t.Fatal("request should not have been dispatched before Activate")
	case <-time.After(20 * time.Millisecond):
	}

	srv.Activate()

	select {
	case reply := <-ch:
		require.Equal(t, req.ReqID, reply.ReqID)
	case <-time.After(time.Second):
		t.Fatal("request was never dispatched after Activate")
	}
}

func TestActiveGateDispatchesImmediatelyOnceActive(t *testing.T) {
	srv, sender := newTestServer(t)
	srv.Activate()

	req := &proto.MClientRequest{ReqID: 2, Op: proto.OpStat, Filepath: "/"}
	ch := sender.Await(req.ReqID)
	srv.HandleClientRequest(context.Background(), req)

	select {
	case reply := <-ch:
		require.Equal(t, req.ReqID, reply.ReqID)
	case <-time.After(time.Second):
		t.Fatal("request was never dispatched")
	}
}

func TestActivateFiresEveryParkedRequest(t *testing.T) {
	srv, sender := newTestServer(t)

	const n = 5
	chans := make([]<-chan *proto.MClientReply, n)
	for i := 0; i < n; i++ {
		req := &proto.MClientRequest{ReqID: uint64(10 + i), Op: proto.OpStat, Filepath: "/"}
		chans[i] = sender.Await(req.ReqID)
		srv.HandleClientRequest(context.Background(), req)
	}

	srv.Activate()

	done := 0
	for _, ch := range chans {
		select {
		case <-ch:
			done++
		case <-time.After(time.Second):
			t.Fatal("a parked request never woke up")
		}
	}
	require.Equal(t, n, done)
}
