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
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/proto"
)

func TestStubForwardRequestRecordsTarget(t *testing.T) {
	s := NewStub()
	req := &proto.MClientRequest{ReqID: 1, Op: proto.OpStat}

	require.NoError(t, s.ForwardRequest(context.Background(), 2, req))
	require.NoError(t, s.ForwardRequest(context.Background(), 3, req))
	require.Equal(t, []proto.PeerID{2, 3}, s.Forwards)
}

func TestStubCrossPeerHooksFailEXDEV(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	err := s.RequestXlock(ctx, 1, 10, 0, "name", 5, func(bool) {})
	require.Equal(t, apierrors.EXDEV, err)

	require.Equal(t, apierrors.EXDEV, s.LinkPrepare(ctx, 1, 10))
	require.Equal(t, apierrors.EXDEV, s.LinkCommit(ctx, 1, 10))
	require.Equal(t, apierrors.EXDEV, s.RenameNotify(ctx, 1, 10, 11))
}

func TestStubBroadcastDentryUnlinkIsNoop(t *testing.T) {
	s := NewStub()
	require.NoError(t, s.BroadcastDentryUnlink(context.Background(), []proto.PeerID{1, 2}, 10, 0, "name"))
}
