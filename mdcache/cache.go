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

package mdcache

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/waiter"
	"golang.org/x/sync/singleflight"
)

// ObjectStore is the external object store for dentry/inode fetch and
// commit (spec.md #1 "Out of scope"). The core only ever talks to it
// through this interface; production wiring supplies the real
// implementation from outside this module.
type ObjectStore interface {
	// FetchDirfrag loads the full child set of (ino, frag) into memory.
	// The returned entries are added to the cache by the caller.
	FetchDirfrag(ctx context.Context, ino proto.Ino, frag proto.Frag) ([]*Dentry, error)
}

// Cache is C4: the dir/dentry cache interface, backed by an in-memory
// index (spec.md #9 "index-based cache: 64-bit ino -> inode slot;
// (ino,frag) -> dirfrag slot").
type Cache struct {
	localPeer proto.PeerID
	store     ObjectStore
	waiters   *waiter.Registry

	mu       sync.RWMutex
	inodes   map[proto.Ino]*Inode
	dirfrags map[string]*Dirfrag

	fetchGroup singleflight.Group
}

func New(localPeer proto.PeerID, store ObjectStore, waiters *waiter.Registry) *Cache {
	return &Cache{
		localPeer: localPeer,
		store:     store,
		waiters:   waiters,
		inodes:    make(map[proto.Ino]*Inode),
		dirfrags:  make(map[string]*Dirfrag),
	}
}

func (c *Cache) LocalPeer() proto.PeerID { return c.localPeer }

func (c *Cache) GetInode(ino proto.Ino) (*Inode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.inodes[ino]
	return i, ok
}

func (c *Cache) PutInode(i *Inode) {
	c.mu.Lock()
	c.inodes[i.Ino] = i
	c.mu.Unlock()
}

// RemoveInode evicts ino from the cache (spec.md #3 invariant 5: once
// nlink reaches 0 with no outstanding capabilities, the inode is
// purged and removed; #8 invariant 4).
func (c *Cache) RemoveInode(ino proto.Ino) {
	c.mu.Lock()
	delete(c.inodes, ino)
	c.mu.Unlock()
}

func (c *Cache) GetDirfrag(ino proto.Ino, frag proto.Frag) (*Dirfrag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.dirfrags[dirfragID(ino, frag)]
	return f, ok
}

// EnsureDirfrag returns the dirfrag for (ino,frag), creating an empty
// placeholder authoritative on localPeer if absent. Handlers that
// create new directories call this directly (spec.md #4.8 "mkdir
// ... opens a fresh empty dirfrag"); the resolver never creates
// placeholders - a missing dirfrag there means "forward or fetch".
func (c *Cache) EnsureDirfrag(ino proto.Ino, frag proto.Frag) *Dirfrag {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := dirfragID(ino, frag)
	f, ok := c.dirfrags[id]
	if ok {
		return f
	}
	f = NewDirfrag(ino, frag, c.localPeer)
	f.AuthPinnable = true
	c.dirfrags[id] = f
	return f
}

func (c *Cache) PutDirfrag(f *Dirfrag) {
	c.mu.Lock()
	c.dirfrags[f.ID()] = f
	c.mu.Unlock()
}

// FetchDirfrag loads (ino,frag) from the object store, collapsing
// concurrent fetches of the same frag into a single call (spec.md
// #4.4 step 5: "register retry; return delay" - the singleflight group
// is what lets many parked continuations share one outstanding fetch).
func (c *Cache) FetchDirfrag(ctx context.Context, f *Dirfrag) error {
	id := f.ID()
	_, err, _ := c.fetchGroup.Do(id, func() (interface{}, error) {
		dentries, err := c.store.FetchDirfrag(ctx, f.Ino, f.Frag)
		if err != nil {
			return nil, errors.Info(err, "fetch dirfrag failed")
		}
		f.mu.Lock()
		if f.dentries == nil {
			f.dentries = make(map[string]*Dentry)
		}
		for _, d := range dentries {
			f.dentries[d.Name] = d
		}
		f.Complete = true
		f.mu.Unlock()
		return nil, nil
	})
	if err == nil {
		c.waiters.FireAll(id, waiter.FetchFrag)
		// ops handlers park on the frag's generic DNRead tag before
		// starting a fetch.
		c.waiters.FireAll(id, waiter.DNRead)
	}
	return err
}

// Snapshot reports the number of cached inodes/dirfrags, for the admin
// surface.
func (c *Cache) Snapshot() (inodes, dirfrags int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inodes), len(c.dirfrags)
}
