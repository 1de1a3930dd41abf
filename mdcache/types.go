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

// Package mdcache implements C4: the dir/dentry cache interface -
// fetch, lookup, add/remove dentries, and authority/freeze state
// (spec.md #3, #4.4). Objects are addressed by slot id (ino, or
// (ino,frag)) rather than owned pointers, per spec.md #9 "Cyclic
// object graphs": a dirfrag holds pointers to its own dentries, but
// no object points back up or across - dentries name their parent and
// target by ino, and inodes reach dirfrags only through this
// package's maps.
package mdcache

import (
	"sync"
	"time"

	"github.com/cubefs/metaserver/proto"
)

// FreezeState is a dirfrag's freeze state (spec.md #3).
type FreezeState int32

const (
	Unfrozen FreezeState = iota
	Freezing
	Frozen
)

// Inode mirrors spec.md #3 "Inode": identified by ino, carrying
// projected/dirty versions and authority.
type Inode struct {
	mu sync.RWMutex

	Ino     proto.Ino
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint64
	Mtime   time.Time
	Atime   time.Time
	Ctime   time.Time
	Nlink   uint32
	Symlink string
	IsDir   bool

	Fragtree *Dirfragtree

	ProjectedVersion uint64
	DirtyVersion     uint64

	Authority proto.PeerID

	// CapCount is an opaque count of outstanding capability grants
	// (spec.md #3 invariant 5); the capability subsystem itself is an
	// external collaborator (spec.md #1), so only the count needed to
	// decide "purge on nlink==0" is tracked here.
	CapCount int
}

func (i *Inode) Snapshot() proto.InodeStat {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return proto.InodeStat{
		Ino:     i.Ino,
		Mode:    i.Mode,
		UID:     i.UID,
		GID:     i.GID,
		Size:    i.Size,
		Mtime:   i.Mtime,
		Atime:   i.Atime,
		Ctime:   i.Ctime,
		Nlink:   i.Nlink,
		IsDir:   i.IsDir,
		Symlink: i.Symlink,
	}
}

// PreDirty reserves and returns the next projected version for this
// inode (spec.md #4.6 step 2, #3 invariant 1).
func (i *Inode) PreDirty() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ProjectedVersion++
	return i.ProjectedVersion
}

// MarkDirty commits pdv as the dirty (applied) version. It asserts
// monotonicity per spec.md #3 invariant 1; a violation is a caller
// bug, never a client-visible condition.
func (i *Inode) MarkDirty(pdv uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pdv < i.DirtyVersion {
		panic("mdcache: dirty version moved backwards")
	}
	i.DirtyVersion = pdv
}

// Dirfragtree maps name to frag by hashing (spec.md #3
// "Dirfragtree"). This implementation always uses a single,
// power-of-two fragment count per directory (no dynamic splitting),
// which is sufficient to exercise every operation in spec.md #4 while
// keeping PickDirfrag a pure, peer-stable function as invariant 5
// requires.
type Dirfragtree struct {
	Bits uint32
}

func (t *Dirfragtree) PickDirfrag(name string) proto.Frag {
	if t == nil {
		return 0
	}
	return proto.PickDirfrag(name, t.Bits)
}

func (t *Dirfragtree) NumFrags() uint32 {
	if t == nil || t.Bits == 0 {
		return 1
	}
	return 1 << t.Bits
}

// Dentry mirrors spec.md #3 "Dentry": (name, parent-dirfrag), state
// null/primary/remote, projected version, xlock holder, replica set.
type Dentry struct {
	mu sync.Mutex

	ParentIno proto.Ino
	Frag      proto.Frag
	Name      string

	State     proto.DentryState
	TargetIno proto.Ino

	ProjectedVersion uint64
	DirtyVersion     uint64

	// XlockHolder is not written by the lock manager: locker.Locks
	// records the current xlock holder in its own table (see
	// DentryXlockHolder), so this field stays 0.
	XlockHolder uint64

	Replicas []proto.PeerID
}

func (d *Dentry) PreDirty() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ProjectedVersion++
	return d.ProjectedVersion
}

func (d *Dentry) MarkDirty(pdv uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pdv < d.DirtyVersion {
		panic("mdcache: dentry dirty version moved backwards")
	}
	d.DirtyVersion = pdv
}

func (d *Dentry) IsNull() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State == proto.DentryNull
}

// Dirfrag mirrors spec.md #3 "Dirfrag": a subtree of a directory's
// children, identified by (ino, frag).
type Dirfrag struct {
	mu sync.RWMutex

	Ino      proto.Ino
	Frag     proto.Frag
	Complete bool
	Dirty    bool

	Authority proto.PeerID

	Freeze       FreezeState
	AuthPinnable bool

	dentries map[string]*Dentry

	Waiters DirfragWaiters
}

// DirfragWaiters groups the per-name and per-purpose wait list keys a
// dirfrag exposes (spec.md #3 "per-name and per-purpose wait lists").
// The lists themselves live in the shared waiter.Registry, keyed by
// this dirfrag's ID string; this struct only documents which tags
// apply.
type DirfragWaiters struct{}

func NewDirfrag(ino proto.Ino, frag proto.Frag, authority proto.PeerID) *Dirfrag {
	return &Dirfrag{
		Ino:       ino,
		Frag:      frag,
		Authority: authority,
		dentries:  make(map[string]*Dentry),
	}
}

// ID returns the string key used to address this dirfrag's wait lists
// and lock rows: "ino/frag".
func (f *Dirfrag) ID() string {
	return dirfragID(f.Ino, f.Frag)
}

func dirfragID(ino proto.Ino, frag proto.Frag) string {
	return itoa(ino) + "/" + itoa(uint64(frag))
}

func itoa(v uint64) string {
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

func (f *Dirfrag) Lookup(name string) (*Dentry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.dentries[name]
	return d, ok
}

// AddNull adds a reserved null dentry at name if absent, returning the
// existing or newly created dentry (spec.md #4.8 step 5, #3
// "Lifecycle": "Dentries are added null by preparation").
func (f *Dirfrag) AddNull(parentIno proto.Ino, frag proto.Frag, name string) *Dentry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.dentries[name]; ok {
		return d
	}
	d := &Dentry{ParentIno: parentIno, Frag: frag, Name: name, State: proto.DentryNull}
	f.dentries[name] = d
	return d
}

// Remove deletes name's dentry (spec.md #3 "Lifecycle": "removed when
// null+clean+sync after unlink").
func (f *Dirfrag) Remove(name string) {
	f.mu.Lock()
	delete(f.dentries, name)
	f.mu.Unlock()
}

// Size is the number of non-null children, used by rmdir's emptiness
// check (spec.md #3 invariant 6, #4.10).
func (f *Dirfrag) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, d := range f.dentries {
		if d.State != proto.DentryNull {
			n++
		}
	}
	return n
}

// Entries returns a snapshot of non-null dentries in no defined order
// (map iteration order), for readdir (spec.md #4.12).
func (f *Dirfrag) Entries() []*Dentry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Dentry, 0, len(f.dentries))
	for _, d := range f.dentries {
		if d.State != proto.DentryNull {
			out = append(out, d)
		}
	}
	return out
}

// IsAuthPinnable reports whether this dirfrag may be auth-pinned right
// now: neither frozen nor excluded by the raw auth-pinnable flag
// (spec.md #4.4 step 3 folds both checks before resolving a
// component).
func (f *Dirfrag) IsAuthPinnable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.AuthPinnable && f.Freeze == Unfrozen
}

func (f *Dirfrag) IsFrozen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.Freeze != Unfrozen
}

// PinnableRaw reports the auth-pinnable flag alone, ignoring freeze
// state, so callers that must tell WAIT_UNFREEZE apart from
// WAIT_AUTHPINNABLE (spec.md #4.4 step 3) can check each condition
// independently.
func (f *Dirfrag) PinnableRaw() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.AuthPinnable
}

func (f *Dirfrag) SetComplete(v bool) {
	f.mu.Lock()
	f.Complete = v
	f.mu.Unlock()
}

func (f *Dirfrag) IsComplete() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.Complete
}
