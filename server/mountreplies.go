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
	"sync"

	"github.com/cubefs/metaserver/proto"
)

type mountResult struct {
	ack       *proto.MClientMountAck
	unmounted bool
}

// MountReplies implements mount.Replies the same way CorrelatingSender
// implements finish.Sender: a per-client channel the HTTP handler
// blocks on until the journaled mount/unmount commits.
type MountReplies struct {
	mu      sync.Mutex
	pending map[uint64]chan mountResult
}

func NewMountReplies() *MountReplies {
	return &MountReplies{pending: make(map[uint64]chan mountResult)}
}

func (m *MountReplies) await(clientID uint64) <-chan mountResult {
	ch := make(chan mountResult, 1)
	m.mu.Lock()
	m.pending[clientID] = ch
	m.mu.Unlock()
	return ch
}

func (m *MountReplies) cancel(clientID uint64) {
	m.mu.Lock()
	delete(m.pending, clientID)
	m.mu.Unlock()
}

func (m *MountReplies) deliver(clientID uint64, res mountResult) {
	m.mu.Lock()
	ch, ok := m.pending[clientID]
	delete(m.pending, clientID)
	m.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (m *MountReplies) MountAck(client proto.ClientInstance, ack proto.MClientMountAck) {
	m.deliver(client.ID, mountResult{ack: &ack})
}

func (m *MountReplies) UnmountAck(client proto.ClientInstance) {
	m.deliver(client.ID, mountResult{unmounted: true})
}

// awaitMount and awaitUnmount block the HTTP handler until the
// corresponding ack arrives or ctx is done.
func awaitMount(ctx context.Context, m *MountReplies, clientID uint64, ch <-chan mountResult) *proto.MClientMountAck {
	select {
	case res := <-ch:
		return res.ack
	case <-ctx.Done():
		m.cancel(clientID)
		return nil
	}
}

func awaitUnmount(ctx context.Context, m *MountReplies, clientID uint64, ch <-chan mountResult) bool {
	select {
	case res := <-ch:
		return res.unmounted
	case <-ctx.Done():
		m.cancel(clientID)
		return false
	}
}
