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

package peer

import (
	"context"
	"sync"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/proto"
)

// Stub is a reference Messenger for single-peer deployments and tests.
// ForwardRequest records the target peer in Forwards and returns nil;
// BroadcastDentryUnlink returns nil. RequestXlock, the two-phase link
// hooks and RenameNotify return EXDEV, matching the unimplemented
// cross-peer paths spec.md #4.9 and #4.11 call out.
type Stub struct {
	mu       sync.Mutex
	Forwards []proto.PeerID
}

func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) ForwardRequest(ctx context.Context, target proto.PeerID, req *proto.MClientRequest) error {
	s.mu.Lock()
	s.Forwards = append(s.Forwards, target)
	s.mu.Unlock()
	return nil
}

func (s *Stub) RequestXlock(ctx context.Context, target proto.PeerID, ino proto.Ino, frag proto.Frag, name string, reqID uint64, onGrant func(granted bool)) error {
	return apierrors.EXDEV
}

func (s *Stub) BroadcastDentryUnlink(ctx context.Context, replicas []proto.PeerID, ino proto.Ino, frag proto.Frag, name string) error {
	return nil
}

func (s *Stub) LinkPrepare(ctx context.Context, target proto.PeerID, ino proto.Ino) error {
	return apierrors.EXDEV
}

func (s *Stub) LinkCommit(ctx context.Context, target proto.PeerID, ino proto.Ino) error {
	return apierrors.EXDEV
}

func (s *Stub) RenameNotify(ctx context.Context, target proto.PeerID, srcIno, dstIno proto.Ino) error {
	return apierrors.EXDEV
}
