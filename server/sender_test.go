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

	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
)

func TestCorrelatingSenderDeliversToAwaitingReqID(t *testing.T) {
	sender := NewCorrelatingSender()
	ch := sender.Await(42)

	sender.Send(&reqctx.Context{ReqID: 42}, &proto.MClientReply{ReqID: 42, Result: 0})

	select {
	case reply := <-ch:
		require.Equal(t, uint64(42), reply.ReqID)
	case <-time.After(time.Second):
		t.Fatal("reply never delivered")
	}
}

func TestCorrelatingSenderSendWithoutAwaiterIsNoop(t *testing.T) {
	sender := NewCorrelatingSender()
	sender.Send(&reqctx.Context{ReqID: 7}, &proto.MClientReply{ReqID: 7})
}

func TestWaitForReplyTimesOutWithEAGAIN(t *testing.T) {
	sender := NewCorrelatingSender()
	ch := sender.Await(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	reply := WaitForReply(ctx, sender, 1, ch)
	require.Equal(t, uint64(1), reply.ReqID)
	require.NotEqual(t, int32(0), reply.Result)
}

func TestMountRepliesMountAckRoundTrip(t *testing.T) {
	m := NewMountReplies()
	client := proto.ClientInstance{ID: 5}
	ch := m.await(client.ID)

	m.MountAck(client, proto.MClientMountAck{})

	ctx := context.Background()
	ack := awaitMount(ctx, m, client.ID, ch)
	require.NotNil(t, ack)
}

func TestMountRepliesUnmountAckRoundTrip(t *testing.T) {
	m := NewMountReplies()
	client := proto.ClientInstance{ID: 6}
	ch := m.await(client.ID)

	m.UnmountAck(client)

	ctx := context.Background()
	require.True(t, awaitUnmount(ctx, m, client.ID, ch))
}

func TestMountRepliesTimeoutCancelsPending(t *testing.T) {
	m := NewMountReplies()
	ch := m.await(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.Nil(t, awaitMount(ctx, m, 8, ch))
}
