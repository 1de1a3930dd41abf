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

// Package proto defines the wire types exchanged with clients and
// between peers (spec.md #6): op codes, argument unions, client
// request/reply envelopes, and journal entry payloads.
package proto

import "time"

type (
	Ino  = uint64
	Frag = uint32
)

// RootIno is the ino of the root inode; it exists before any client
// request is dispatched (spec.md #3 invariant 7).
const RootIno Ino = 1

// Op identifies a client request's operation (spec.md #6).
type Op int32

const (
	OpOpen Op = iota + 1
	OpTruncate
	OpRelease
	OpFsync
	OpStat
	OpLstat
	OpUtime
	OpChmod
	OpChown
	OpReaddir
	OpMknod
	OpMkdir
	OpSymlink
	OpLink
	OpUnlink
	OpRmdir
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpTruncate:
		return "truncate"
	case OpRelease:
		return "release"
	case OpFsync:
		return "fsync"
	case OpStat:
		return "stat"
	case OpLstat:
		return "lstat"
	case OpUtime:
		return "utime"
	case OpChmod:
		return "chmod"
	case OpChown:
		return "chown"
	case OpReaddir:
		return "readdir"
	case OpMknod:
		return "mknod"
	case OpMkdir:
		return "mkdir"
	case OpSymlink:
		return "symlink"
	case OpLink:
		return "link"
	case OpUnlink:
		return "unlink"
	case OpRmdir:
		return "rmdir"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// IsCreating reports whether the op creates a new name, meaning the
// resolution path is the *parent* of the filepath rather than the
// filepath itself (spec.md #4.3).
func (o Op) IsCreating() bool {
	switch o {
	case OpMknod, OpMkdir, OpSymlink, OpLink, OpUnlink, OpRmdir, OpRename:
		return true
	default:
		return false
	}
}

// Args is the per-op argument union carried by MClientRequest.
type Args struct {
	// OPEN / open-create
	Flags int32
	Mode  uint32

	// TRUNCATE
	Ino    Ino
	Length uint64

	// FSYNC uses Ino above.

	// STAT / LSTAT
	Mask uint32

	// UTIME
	Mtime time.Time
	Atime time.Time

	// CHOWN
	UID uint32
	GID uint32

	// READDIR
	FragArg Frag

	// SYMLINK target / rename dest / string arg
	StringArg string
}

// Open flag bits carried in Args.Flags (spec.md #6 "OPEN{flags,mode}").
const (
	OCreat int32 = 0x40
	OExcl  int32 = 0x80
)

// Stat mask bits (spec.md #9 open question - canonical mask->lock map).
const (
	MaskSize  uint32 = 1 << 0
	MaskMtime uint32 = 1 << 1
	MaskAtime uint32 = 1 << 2
	MaskMode  uint32 = 1 << 3
	MaskOwner uint32 = 1 << 4
	MaskAll   uint32 = MaskSize | MaskMtime | MaskAtime | MaskMode | MaskOwner
)

// NeedsFileLock reports whether mask requires acquiring the inode
// file-read lock before the attributes it asks for can be trusted
// (spec.md #4.12 "stat/lstat").
func NeedsFileLock(mask uint32) bool {
	return mask&(MaskSize|MaskMtime) != 0
}

// ClientInstance identifies one client mount.
type ClientInstance struct {
	ID   uint64
	Addr string
}

// MClientMount/MClientMountAck (spec.md #6).
type MClientMount struct {
	Client ClientInstance
}

type MClientMountAck struct {
	ClusterMap     []byte
	ObjectStoreMap []byte
}

// MClientUnmount (spec.md #6): echoed back verbatim on success.
type MClientUnmount struct {
	Client ClientInstance
}

// MClientRequest/MClientReply (spec.md #6).
type MClientRequest struct {
	ReqID     uint64
	Op        Op
	Filepath  string
	StringArg string
	Args      Args
	CallerUID uint32
	CallerGID uint32
	Client    ClientInstance
}

type TraceEntry struct {
	Ino   Ino
	Name  string
	IsDir bool
}

type DirItem struct {
	Name string
	Stat InodeStat
}

type InodeStat struct {
	Ino     Ino
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint64
	Mtime   time.Time
	Atime   time.Time
	Ctime   time.Time
	Nlink   uint32
	IsDir   bool
	Symlink string
}

type MClientReply struct {
	ReqID       uint64
	Result      int32
	Trace       []TraceEntry
	Stat        *InodeStat
	Caps        uint32
	CapsSeq     uint64
	DataVersion uint64
	DirItems    []DirItem
}

// Journal entry types (spec.md #6).

type EMount struct {
	Client  ClientInstance
	Mount   bool
	Version uint64
}

// MetaBlob is an ordered log of directory-context chains, dentry
// payloads, and destroyed-inode records (spec.md #6). Replay (out of
// scope here) must reapply in submit order.
type MetaBlob struct {
	DirContexts     []DirContext
	Dentries        []DentryPayload
	DestroyedInodes []Ino
}

type DirContext struct {
	Ino  Ino
	Frag Frag
}

type DentryState int32

const (
	DentryNull DentryState = iota
	DentryPrimary
	DentryRemote
)

type DentryPayload struct {
	ParentIno Ino
	Frag      Frag
	Name      string
	State     DentryState
	TargetIno Ino // primary/remote target; 0 for null
	Version   uint64
	Inode     *InodePayload // embedded new inode payload, primary dentries only
}

type InodePayload struct {
	Ino     Ino
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    uint64
	Mtime   time.Time
	Atime   time.Time
	Ctime   time.Time
	Nlink   uint32
	Symlink string
}

type EUpdate struct {
	Name string
	Blob MetaBlob
}

// EString is a placeholder journal entry (spec.md #6), used by the
// provisional truncate path (spec.md #4.12, #9 open question).
type EString struct {
	Label string
}
