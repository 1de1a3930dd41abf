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

// Package peer declares the inter-MDS messenger the core consumes as
// an external collaborator (spec.md #1, #6 "Inter-MDS messages"): the
// wire layout, transport, and retry policy belong to the messenger
// module, out of scope here.
package peer

import (
	"context"

	"github.com/cubefs/metaserver/proto"
)

// Messenger is the hook surface the core calls into for cross-peer
// coordination (spec.md #6 "dentry-xlock request/grant, dentry-unlink
// broadcast, link prepare/commit, rename notify").
type Messenger interface {
	// ForwardRequest hands an entire client request to target, which
	// either owns it or forwards again (spec.md #4.3 "round-robin
	// forward", #4.4 step 2 "forward the request to the inode's
	// authority").
	ForwardRequest(ctx context.Context, target proto.PeerID, req *proto.MClientRequest) error

	// RequestXlock asks target, the dentry's authority, to grant an
	// exclusive lock on behalf of reqID. onGrant is invoked once the
	// answer arrives; the caller has taken its retry continuation out
	// of the request context and runs it from onGrant (spec.md #4.5
	// "Cross-peer xlock is requested over the messenger").
	RequestXlock(ctx context.Context, target proto.PeerID, ino proto.Ino, frag proto.Frag, name string, reqID uint64, onGrant func(granted bool)) error

	// BroadcastDentryUnlink notifies a dentry's replica set that it was
	// unlinked (spec.md #4.10 finisher step).
	BroadcastDentryUnlink(ctx context.Context, replicas []proto.PeerID, ino proto.Ino, frag proto.Frag, name string) error

	// LinkPrepare/LinkCommit implement the two-phase link-to-remote-inode
	// protocol named but not required by spec.md #4.9; both return
	// EXDEV-equivalent errors until a real transport is wired.
	LinkPrepare(ctx context.Context, target proto.PeerID, ino proto.Ino) error
	LinkCommit(ctx context.Context, target proto.PeerID, ino proto.Ino) error

	// RenameNotify tells a foreign authority that a rename touching one
	// of its objects committed (spec.md #4.11 "foreign renames").
	RenameNotify(ctx context.Context, target proto.PeerID, srcIno, dstIno proto.Ino) error
}
