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

// Package locker implements C5: the lock manager interface - dentry
// xlocks, and inode hard/file shared-reader/exclusive-writer locks
// (spec.md #4.5). Every *_start returns true (granted) or false
// (enqueued for retry); *_finish releases. Locks are idempotent per
// request: re-requesting a lock a request already holds is a no-op
// success, which is what lets a retried handler call the same
// *_start calls again without tracking "did I already take this".
package locker

import (
	"sync"

	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/waiter"
)

// rwState is a single object's shared-reader/exclusive-writer lock
// row. readers is a set of reqIDs; writer is a reqID or 0.
type rwState struct {
	readers map[uint64]struct{}
	writer  uint64
}

type inodeClass int

const (
	classHard inodeClass = iota
	classFile
)

// Locks is C5.
type Locks struct {
	mu sync.Mutex

	dentryXlock map[reqctx.DentryRef]uint64 // holder reqID, 0 = unlocked
	hard        map[proto.Ino]*rwState
	file        map[proto.Ino]*rwState

	waiters *waiter.Registry
}

func New(waiters *waiter.Registry) *Locks {
	return &Locks{
		dentryXlock: make(map[reqctx.DentryRef]uint64),
		hard:        make(map[proto.Ino]*rwState),
		file:        make(map[proto.Ino]*rwState),
		waiters:     waiters,
	}
}

func dentryTag(d reqctx.DentryRef) string { return "dn:" + d.String() }
func inodeTag(class inodeClass, ino proto.Ino) string {
	p := "hard:"
	if class == classFile {
		p = "file:"
	}
	return p + itoa(ino)
}

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

// DentryXlockStart acquires the exclusive lock on d for rc (spec.md
// #4.5 "Dentry xlock"). On failure, rc's current retry continuation is
// parked on d's wait list and fired in FIFO order on release.
func (l *Locks) DentryXlockStart(rc *reqctx.Context, d reqctx.DentryRef) bool {
	if rc.HoldsXlock(d) {
		return true
	}

	l.mu.Lock()
	holder := l.dentryXlock[d]
	if holder == 0 {
		l.dentryXlock[d] = rc.ReqID
		l.mu.Unlock()
		rc.MarkXlocked(d)
		return true
	}
	l.mu.Unlock()

	l.parkRetry(rc, dentryTag(d), waiter.DNRead)
	return false
}

// DentryXlockFinish releases d's xlock held by rc, waking the oldest
// parked waiter (spec.md #5 "FIFO per wait list").
func (l *Locks) DentryXlockFinish(rc *reqctx.Context, d reqctx.DentryRef) {
	if !rc.HoldsXlock(d) {
		return
	}
	l.mu.Lock()
	delete(l.dentryXlock, d)
	l.mu.Unlock()
	rc.UnmarkXlocked(d)
	l.waiters.FireOne(dentryTag(d), waiter.DNRead)
}

// DentryXlockHolder reports the reqID currently holding d's xlock, or
// 0 if free. Used by the ops handlers' "xlocked-by-other -> wait
// DNREAD" checks (spec.md #4.9, #4.11).
func (l *Locks) DentryXlockHolder(d reqctx.DentryRef) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dentryXlock[d]
}

func (l *Locks) rowFor(class inodeClass, ino proto.Ino) *rwState {
	m := l.hard
	if class == classFile {
		m = l.file
	}
	row, ok := m[ino]
	if !ok {
		row = &rwState{readers: map[uint64]struct{}{}}
		m[ino] = row
	}
	return row
}

func (l *Locks) readStart(rc *reqctx.Context, class inodeClass, ino proto.Ino, holds func(proto.Ino) bool, mark func(proto.Ino)) bool {
	if holds(ino) {
		return true
	}
	l.mu.Lock()
	row := l.rowFor(class, ino)
	if row.writer == 0 || row.writer == rc.ReqID {
		row.readers[rc.ReqID] = struct{}{}
		l.mu.Unlock()
		mark(ino)
		return true
	}
	l.mu.Unlock()
	l.parkRetry(rc, inodeTag(class, ino), waiter.DNRead)
	return false
}

func (l *Locks) writeStart(rc *reqctx.Context, class inodeClass, ino proto.Ino, holds func(proto.Ino) bool, mark func(proto.Ino)) bool {
	if holds(ino) {
		return true
	}
	l.mu.Lock()
	row := l.rowFor(class, ino)
	onlySelfReader := len(row.readers) == 0 || (len(row.readers) == 1 && func() bool { _, ok := row.readers[rc.ReqID]; return ok }())
	if row.writer == 0 && onlySelfReader {
		delete(row.readers, rc.ReqID)
		row.writer = rc.ReqID
		l.mu.Unlock()
		mark(ino)
		return true
	}
	l.mu.Unlock()
	l.parkRetry(rc, inodeTag(class, ino), waiter.DNRead)
	return false
}

func (l *Locks) finish(rc *reqctx.Context, class inodeClass, ino proto.Ino, holds func(proto.Ino) bool, unmark func(proto.Ino)) {
	if !holds(ino) {
		return
	}
	l.mu.Lock()
	row := l.rowFor(class, ino)
	delete(row.readers, rc.ReqID)
	if row.writer == rc.ReqID {
		row.writer = 0
	}
	l.mu.Unlock()
	unmark(ino)
	l.waiters.FireOne(inodeTag(class, ino), waiter.DNRead)
}

// HardReadStart/HardWriteStart/HardFinish guard mode, uid, gid, nlink,
// ctime (spec.md #4.5 "Inode hard lock").
func (l *Locks) HardReadStart(rc *reqctx.Context, ino proto.Ino) bool {
	return l.readStart(rc, classHard, ino, rc.HoldsHardRead, rc.MarkHardRead)
}

func (l *Locks) HardWriteStart(rc *reqctx.Context, ino proto.Ino) bool {
	return l.writeStart(rc, classHard, ino, rc.HoldsHardWrite, rc.MarkHardWrite)
}

func (l *Locks) HardReadFinish(rc *reqctx.Context, ino proto.Ino) {
	l.finish(rc, classHard, ino, rc.HoldsHardRead, rc.UnmarkHardRead)
}

func (l *Locks) HardWriteFinish(rc *reqctx.Context, ino proto.Ino) {
	l.finish(rc, classHard, ino, rc.HoldsHardWrite, rc.UnmarkHardWrite)
}

// FileReadStart/FileWriteStart/FileFinish guard size, mtime, atime,
// and file-data-version issuance (spec.md #4.5 "Inode file lock").
func (l *Locks) FileReadStart(rc *reqctx.Context, ino proto.Ino) bool {
	return l.readStart(rc, classFile, ino, rc.HoldsFileRead, rc.MarkFileRead)
}

func (l *Locks) FileWriteStart(rc *reqctx.Context, ino proto.Ino) bool {
	return l.writeStart(rc, classFile, ino, rc.HoldsFileWrite, rc.MarkFileWrite)
}

func (l *Locks) FileReadFinish(rc *reqctx.Context, ino proto.Ino) {
	l.finish(rc, classFile, ino, rc.HoldsFileRead, rc.UnmarkFileRead)
}

func (l *Locks) FileWriteFinish(rc *reqctx.Context, ino proto.Ino) {
	l.finish(rc, classFile, ino, rc.HoldsFileWrite, rc.UnmarkFileWrite)
}

// ReleaseAll drops every lock rc holds, in request_finish (spec.md #3
// "Lifecycle": "the latter releases all pins and locks").
func (l *Locks) ReleaseAll(rc *reqctx.Context) {
	for _, d := range rc.XlockedDentries() {
		l.DentryXlockFinish(rc, d)
	}
	for _, ino := range rc.HardReadInodes() {
		l.HardReadFinish(rc, ino)
	}
	for _, ino := range rc.HardWriteInodes() {
		l.HardWriteFinish(rc, ino)
	}
	for _, ino := range rc.FileReadInodes() {
		l.FileReadFinish(rc, ino)
	}
	for _, ino := range rc.FileWriteInodes() {
		l.FileWriteFinish(rc, ino)
	}
}

func (l *Locks) parkRetry(rc *reqctx.Context, object string, tag waiter.Tag) {
	retry := rc.TakeRetry()
	if retry == nil {
		return
	}
	l.waiters.Register(object, tag, waiter.Continuation(retry))
}
