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

package mount

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/metaserver/journal"
	"github.com/cubefs/metaserver/proto"
)

type recordingReplies struct {
	mu      sync.Mutex
	mounted []proto.ClientInstance
	echoed  []proto.ClientInstance
}

func (r *recordingReplies) MountAck(client proto.ClientInstance, ack proto.MClientMountAck) {
	r.mu.Lock()
	r.mounted = append(r.mounted, client)
	r.mu.Unlock()
}

func (r *recordingReplies) UnmountAck(client proto.ClientInstance) {
	r.mu.Lock()
	r.echoed = append(r.echoed, client)
	r.mu.Unlock()
}

type recordingShutdowner struct {
	called bool
}

func (s *recordingShutdowner) InitiateShutdown() { s.called = true }

func TestMountThenUnmountLastTriggersShutdown(t *testing.T) {
	j := journal.New(journal.NewMemStore())
	clients := NewClientMap()
	replies := &recordingReplies{}
	shutdowner := &recordingShutdowner{}
	ctrl := NewController(j, clients, replies, []byte("cluster"), []byte("objstore"), true, shutdowner, true)

	client := proto.ClientInstance{ID: 7, Addr: "10.0.0.1"}
	ctrl.Mount(context.Background(), &proto.MClientMount{Client: client})
	require.Eventually(t, func() bool { return clients.Len() == 1 }, time.Second, time.Millisecond)
	require.Len(t, replies.mounted, 1)

	ctrl.Unmount(context.Background(), &proto.MClientUnmount{Client: client})
	require.Eventually(t, func() bool { return clients.Len() == 0 }, time.Second, time.Millisecond)
	require.Len(t, replies.echoed, 1)
	require.True(t, shutdowner.called)
}
