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

// Package mount implements C6: the journaled admit/evict of client
// sessions (spec.md #4.2, #3 "ClientMap").
package mount

import (
	"context"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/metaserver/journal"
	"github.com/cubefs/metaserver/proto"
)

// session is one mounted client's bookkeeping row.
type session struct {
	client proto.ClientInstance
}

// ClientMap is the ordered, versioned client-id -> session mapping
// (spec.md #3 "ClientMap"), mutated only through journaled mount and
// unmount events.
type ClientMap struct {
	mu        sync.Mutex
	sessions  map[uint64]session
	version   uint64
	projected uint64
}

func NewClientMap() *ClientMap {
	return &ClientMap{sessions: make(map[uint64]session)}
}

// IncProjected reserves and returns the next version (spec.md #3
// "inc_projected() reserves the next version").
func (m *ClientMap) IncProjected() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projected++
	return m.projected
}

func (m *ClientMap) apply(version uint64, add bool, client proto.ClientInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version != m.version+1 {
		panic("mount: client map version applied out of order")
	}
	if add {
		m.sessions[client.ID] = session{client: client}
	} else {
		delete(m.sessions, client.ID)
	}
	m.version = version
}

func (m *ClientMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *ClientMap) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// ClientIDs returns every mounted client id, sorted, for the admin
// surface.
func (m *ClientMap) ClientIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Replies is the sink the controller uses to deliver the mount-ack or
// unmount echo once the journal entry has synced (spec.md #4.2).
type Replies interface {
	MountAck(client proto.ClientInstance, ack proto.MClientMountAck)
	UnmountAck(client proto.ClientInstance)
}

// Shutdowner is invoked when the last mount disappears and
// shutdown-on-last-unmount is enabled (spec.md #4.2, #6).
type Shutdowner interface {
	InitiateShutdown()
}

// Controller is C6.
type Controller struct {
	journal *journal.Journal
	clients *ClientMap
	replies Replies

	clusterMap     []byte
	objectStoreMap []byte

	shutdownOnLast bool
	shutdowner     Shutdowner

	logBeforeReply bool
}

func NewController(j *journal.Journal, clients *ClientMap, replies Replies, clusterMap, objectStoreMap []byte, shutdownOnLast bool, shutdowner Shutdowner, logBeforeReply bool) *Controller {
	return &Controller{
		journal:        j,
		clients:        clients,
		replies:        replies,
		clusterMap:     clusterMap,
		objectStoreMap: objectStoreMap,
		shutdownOnLast: shutdownOnLast,
		shutdowner:     shutdowner,
		logBeforeReply: logBeforeReply,
	}
}

// Mount handles an MClientMount (spec.md #4.2): reserve the next
// version, submit an EMount journal entry, and ack once synced.
func (c *Controller) Mount(ctx context.Context, req *proto.MClientMount) {
	version := c.clients.IncProjected()
	entry := proto.EMount{Client: req.Client, Mount: true, Version: version}
	c.journal.Submit(ctx, entry, c.logBeforeReply, func(err error) {
		if err != nil {
			log.Errorf("mount: journal sync failed for client %d: %s", req.Client.ID, err)
			return
		}
		c.clients.apply(version, true, req.Client)
		c.replies.MountAck(req.Client, proto.MClientMountAck{
			ClusterMap:     c.clusterMap,
			ObjectStoreMap: c.objectStoreMap,
		})
	})
}

// Unmount handles an MClientUnmount (spec.md #4.2): reserve the next
// version, submit an EMount(mount=false) entry, echo on sync, and
// trigger shutdown if this was the last mount and the config key is
// set.
func (c *Controller) Unmount(ctx context.Context, req *proto.MClientUnmount) {
	version := c.clients.IncProjected()
	entry := proto.EMount{Client: req.Client, Mount: false, Version: version}
	c.journal.Submit(ctx, entry, c.logBeforeReply, func(err error) {
		if err != nil {
			log.Errorf("mount: journal sync failed for client %d unmount: %s", req.Client.ID, err)
			return
		}
		c.clients.apply(version, false, req.Client)
		c.replies.UnmountAck(req.Client)
		if c.clients.Len() == 0 && c.shutdownOnLast && c.shutdowner != nil {
			c.shutdowner.InitiateShutdown()
		}
	})
}
