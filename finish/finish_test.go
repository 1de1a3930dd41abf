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

package finish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/locker"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/memstore"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/waiter"
)

type recordingSender struct {
	replies []*proto.MClientReply
}

func (s *recordingSender) Send(rc *reqctx.Context, reply *proto.MClientReply) {
	s.replies = append(s.replies, reply)
}

func TestReplySentAtMostOnce(t *testing.T) {
	waiters := waiter.NewRegistry()
	locks := locker.New(waiters)
	cache := mdcache.New(1, memstore.New(), waiters)
	sender := &recordingSender{}
	table := reqctx.NewTable()
	f := New(locks, cache, sender, table)

	req := &proto.MClientRequest{ReqID: 9, Op: proto.OpStat}
	rc := reqctx.New(context.Background(), req)
	table.Start(rc)

	f.Reply(rc, nil, proto.MClientReply{})
	f.Reply(rc, apierrors.EIO, proto.MClientReply{})

	require.Len(t, sender.replies, 1)
	require.Equal(t, int32(0), sender.replies[0].Result)
	_, stillThere := table.Get(rc.ReqID)
	require.False(t, stillThere)
}

func TestEvictIfUnlinkedRemovesZeroNlink(t *testing.T) {
	waiters := waiter.NewRegistry()
	locks := locker.New(waiters)
	cache := mdcache.New(1, memstore.New(), waiters)
	f := New(locks, cache, &recordingSender{}, reqctx.NewTable())

	inode := &mdcache.Inode{Ino: 5, Nlink: 0, CapCount: 0}
	cache.PutInode(inode)
	f.EvictIfUnlinked(inode)

	_, ok := cache.GetInode(5)
	require.False(t, ok)
}
