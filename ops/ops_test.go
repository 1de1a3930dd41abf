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

package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/metaserver/clock"
	"github.com/cubefs/metaserver/config"
	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/finish"
	"github.com/cubefs/metaserver/journal"
	"github.com/cubefs/metaserver/locker"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/peer"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/resolver"
	"github.com/cubefs/metaserver/waiter"
)

type recordingSender struct {
	replies []*proto.MClientReply
}

func (s *recordingSender) Send(rc *reqctx.Context, reply *proto.MClientReply) {
	s.replies = append(s.replies, reply)
}

func (s *recordingSender) last() *proto.MClientReply {
	if len(s.replies) == 0 {
		return nil
	}
	return s.replies[len(s.replies)-1]
}

type harness struct {
	ops    *Ops
	cache  *mdcache.Cache
	locks  *locker.Locks
	sender *recordingSender
	clk    *clock.Fake
}

func newHarness(t *testing.T) *harness {
	waiters := waiter.NewRegistry()
	cache := mdcache.New(0, nil, waiters)
	locks := locker.New(waiters)
	res := resolver.New(cache, waiters, peer.NewStub(), 0)
	j := journal.New(journal.NewMemStore())
	table := reqctx.NewTable()
	sender := &recordingSender{}
	f := finish.New(locks, cache, sender, table)
	clk := clock.NewFake(time.Unix(1700000000, 0))
	cfg := config.Default()
	cfg.LogBeforeReply = false

	root := &mdcache.Inode{Ino: proto.RootIno, IsDir: true, Mode: 0755, Fragtree: &mdcache.Dirfragtree{}, Authority: 0}
	cache.PutInode(root)
	rootFrag := cache.EnsureDirfrag(proto.RootIno, 0)
	rootFrag.SetComplete(true)
	rootFrag.Dirty = true

	o := New(cache, locks, res, j, f, table, peer.NewStub(), clk, cfg, waiters, 0, 1)
	return &harness{ops: o, cache: cache, locks: locks, sender: sender, clk: clk}
}

func (h *harness) dispatch(t *testing.T, req *proto.MClientRequest) *proto.MClientReply {
	t.Helper()
	h.ops.Dispatch(context.Background(), req)
	require.NotEmpty(t, h.sender.replies, "expected a reply")
	return h.sender.last()
}

func TestMknodThenStat(t *testing.T) {
	h := newHarness(t)

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/file", Args: proto.Args{Mode: 0100644}})
	require.Equal(t, int32(0), reply.Result)
	require.Len(t, reply.Trace, 1)
	ino := reply.Trace[0].Ino

	statReply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpStat, Filepath: "/file", Args: proto.Args{Mask: proto.MaskAll}})
	require.Equal(t, int32(0), statReply.Result)
	require.NotNil(t, statReply.Stat)
	require.Equal(t, ino, statReply.Stat.Ino)
}

func TestMknodDuplicateNameIsEEXIST(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/dup", Args: proto.Args{Mode: 0100644}})
	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpMknod, Filepath: "/dup", Args: proto.Args{Mode: 0100644}})
	require.Equal(t, apierrors.Errno(apierrors.EEXIST), reply.Result)
}

func TestMkdirCreatesCompleteChildFrag(t *testing.T) {
	h := newHarness(t)

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/d", Args: proto.Args{Mode: 040755}})
	require.Equal(t, int32(0), reply.Result)
	ino := reply.Trace[0].Ino

	frag, ok := h.cache.GetDirfrag(ino, 0)
	require.True(t, ok)
	require.True(t, frag.IsComplete())

	child, ok := h.cache.GetInode(ino)
	require.True(t, ok)
	require.True(t, child.IsDir)
}

func TestChmodUpdatesPermissionBitsOnly(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/f", Args: proto.Args{Mode: 0100600}})
	ino := mk.Trace[0].Ino

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpChmod, Filepath: "/f", Args: proto.Args{Mode: 0755}})
	require.Equal(t, int32(0), reply.Result)

	inode, ok := h.cache.GetInode(ino)
	require.True(t, ok)
	require.Equal(t, uint32(0100755), inode.Mode)
}

func TestChownUpdatesOwnership(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/f", Args: proto.Args{Mode: 0100644}})
	ino := mk.Trace[0].Ino

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpChown, Filepath: "/f", Args: proto.Args{UID: 42, GID: 7}})
	require.Equal(t, int32(0), reply.Result)

	inode, ok := h.cache.GetInode(ino)
	require.True(t, ok)
	require.Equal(t, uint32(42), inode.UID)
	require.Equal(t, uint32(7), inode.GID)
}

func TestChmodOnForeignInodeForwardsInsteadOfReplying(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/f", Args: proto.Args{Mode: 0100644}})
	ino := mk.Trace[0].Ino

	inode, ok := h.cache.GetInode(ino)
	require.True(t, ok)
	inode.Authority = 1

	before := len(h.sender.replies)
	h.ops.Dispatch(context.Background(), &proto.MClientRequest{ReqID: 2, Op: proto.OpChmod, Filepath: "/f", Args: proto.Args{Mode: 0600}})
	require.Len(t, h.sender.replies, before, "a forwarded request must not also receive a local reply")

	stub, ok := h.ops.Messenger.(*peer.Stub)
	require.True(t, ok)
	require.Equal(t, []proto.PeerID{1}, stub.Forwards)
}

func TestReaddirOnForeignDirfragForwardsInsteadOfReplying(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/d", Args: proto.Args{Mode: 040755}})
	ino := mk.Trace[0].Ino

	frag, ok := h.cache.GetDirfrag(ino, 0)
	require.True(t, ok)
	frag.Authority = 1

	before := len(h.sender.replies)
	h.ops.Dispatch(context.Background(), &proto.MClientRequest{ReqID: 2, Op: proto.OpReaddir, Filepath: "/d"})
	require.Len(t, h.sender.replies, before, "a forwarded request must not also receive a local reply")

	stub, ok := h.ops.Messenger.(*peer.Stub)
	require.True(t, ok)
	require.Equal(t, []proto.PeerID{1}, stub.Forwards)
}

func TestUnlinkRemovesDentryAndEvictsInode(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/gone", Args: proto.Args{Mode: 0100644}})
	ino := mk.Trace[0].Ino

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpUnlink, Filepath: "/gone"})
	require.Equal(t, int32(0), reply.Result)

	_, ok := h.cache.GetInode(ino)
	require.False(t, ok)

	statReply := h.dispatch(t, &proto.MClientRequest{ReqID: 3, Op: proto.OpStat, Filepath: "/gone", Args: proto.Args{Mask: proto.MaskAll}})
	require.Equal(t, apierrors.Errno(apierrors.ENOENT), statReply.Result)
}

func TestUnlinkOnDirectoryIsEISDIR(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/d", Args: proto.Args{Mode: 040755}})
	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpUnlink, Filepath: "/d"})
	require.Equal(t, apierrors.Errno(apierrors.EISDIR), reply.Result)
}

func TestRmdirRequiresEmpty(t *testing.T) {
	h := newHarness(t)

	h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/d", Args: proto.Args{Mode: 040755}})
	h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpMknod, Filepath: "/d/child", Args: proto.Args{Mode: 0100644}})

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 3, Op: proto.OpRmdir, Filepath: "/d"})
	require.Equal(t, apierrors.Errno(apierrors.ENOTEMPTY), reply.Result)
}

func TestRmdirEmptyDirectorySucceeds(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/empty", Args: proto.Args{Mode: 040755}})
	ino := mk.Trace[0].Ino

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpRmdir, Filepath: "/empty"})
	require.Equal(t, int32(0), reply.Result)

	_, ok := h.cache.GetInode(ino)
	require.False(t, ok)
}

func TestRenameMovesDentryToNewName(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/old", Args: proto.Args{Mode: 0100644}})
	ino := mk.Trace[0].Ino

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpRename, Filepath: "/old", StringArg: "/new"})
	require.Equal(t, int32(0), reply.Result)

	statOld := h.dispatch(t, &proto.MClientRequest{ReqID: 3, Op: proto.OpStat, Filepath: "/old", Args: proto.Args{Mask: proto.MaskAll}})
	require.Equal(t, apierrors.Errno(apierrors.ENOENT), statOld.Result)

	statNew := h.dispatch(t, &proto.MClientRequest{ReqID: 4, Op: proto.OpStat, Filepath: "/new", Args: proto.Args{Mask: proto.MaskAll}})
	require.Equal(t, int32(0), statNew.Result)
	require.Equal(t, ino, statNew.Stat.Ino)
}

func TestRenameSrcPrefixOfDestIsEINVAL(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/a", Args: proto.Args{Mode: 040755}})

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpRename, Filepath: "/a", StringArg: "/a/b"})
	require.Equal(t, apierrors.Errno(apierrors.EINVAL), reply.Result)
}

func TestRenameMissingSourceIsEEXIST(t *testing.T) {
	h := newHarness(t)

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpRename, Filepath: "/missing", StringArg: "/new"})
	require.Equal(t, apierrors.Errno(apierrors.EEXIST), reply.Result)
}

func TestUnlinkMissingNameIsENOENT(t *testing.T) {
	h := newHarness(t)

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpUnlink, Filepath: "/missing"})
	require.Equal(t, apierrors.Errno(apierrors.ENOENT), reply.Result)
}

func TestLinkIncrementsNlink(t *testing.T) {
	h := newHarness(t)

	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/src", Args: proto.Args{Mode: 0100644}})
	ino := mk.Trace[0].Ino

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpLink, Filepath: "/dst", StringArg: "/src"})
	require.Equal(t, int32(0), reply.Result)

	inode, ok := h.cache.GetInode(ino)
	require.True(t, ok)
	require.Equal(t, uint32(2), inode.Nlink)

	statDst := h.dispatch(t, &proto.MClientRequest{ReqID: 3, Op: proto.OpStat, Filepath: "/dst", Args: proto.Args{Mask: proto.MaskAll}})
	require.Equal(t, int32(0), statDst.Result)
	require.Equal(t, ino, statDst.Stat.Ino)
}

func TestLinkToDirectoryIsEINVAL(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/d", Args: proto.Args{Mode: 040755}})

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpLink, Filepath: "/dlink", StringArg: "/d"})
	require.Equal(t, apierrors.Errno(apierrors.EINVAL), reply.Result)
}

func TestOpenCreateExclOnExistingIsEEXIST(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/f", Args: proto.Args{Mode: 0100644}})

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpOpen, Filepath: "/f", Args: proto.Args{Flags: proto.OCreat | proto.OExcl}})
	require.Equal(t, apierrors.Errno(apierrors.EEXIST), reply.Result)
}

func TestOpenCreateMakesNewFile(t *testing.T) {
	h := newHarness(t)

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpOpen, Filepath: "/new", Args: proto.Args{Flags: proto.OCreat}})
	require.Equal(t, int32(0), reply.Result)
}

func TestReleaseDecrementsCapCount(t *testing.T) {
	h := newHarness(t)
	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/f", Args: proto.Args{Mode: 0100644}})
	ino := mk.Trace[0].Ino

	openReply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpOpen, Filepath: "/f"})
	require.Equal(t, int32(0), openReply.Result)

	inode, ok := h.cache.GetInode(ino)
	require.True(t, ok)
	require.Equal(t, 1, inode.CapCount)

	releaseReply := h.dispatch(t, &proto.MClientRequest{ReqID: 3, Op: proto.OpRelease, Args: proto.Args{Ino: ino}})
	require.Equal(t, int32(0), releaseReply.Result)
	require.Equal(t, 0, inode.CapCount)
}

func TestTruncateUpdatesSize(t *testing.T) {
	h := newHarness(t)
	mk := h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMknod, Filepath: "/f", Args: proto.Args{Mode: 0100644}})
	ino := mk.Trace[0].Ino

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpTruncate, Filepath: "/f", Args: proto.Args{Length: 1024}})
	require.Equal(t, int32(0), reply.Result)

	inode, ok := h.cache.GetInode(ino)
	require.True(t, ok)
	require.Equal(t, uint64(1024), inode.Size)
}

func TestReaddirListsChildren(t *testing.T) {
	h := newHarness(t)
	h.dispatch(t, &proto.MClientRequest{ReqID: 1, Op: proto.OpMkdir, Filepath: "/d", Args: proto.Args{Mode: 040755}})
	h.dispatch(t, &proto.MClientRequest{ReqID: 2, Op: proto.OpMknod, Filepath: "/d/a", Args: proto.Args{Mode: 0100644}})
	h.dispatch(t, &proto.MClientRequest{ReqID: 3, Op: proto.OpMknod, Filepath: "/d/b", Args: proto.Args{Mode: 0100644}})

	reply := h.dispatch(t, &proto.MClientRequest{ReqID: 4, Op: proto.OpReaddir, Filepath: "/d", Args: proto.Args{FragArg: 0}})
	require.Equal(t, int32(0), reply.Result)

	names := map[string]bool{}
	for _, item := range reply.DirItems {
		names[item.Name] = true
	}
	require.True(t, names["."])
	require.True(t, names["a"])
	require.True(t, names["b"])
}
