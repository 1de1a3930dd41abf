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

	apierrors "github.com/cubefs/metaserver/errors"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
)

// CorrelatingSender is the finish.Sender the HTTP front door installs:
// a request may suspend across multiple wait lists and peer round-
// trips before the finisher calls Send, so the /request handler parks
// on a per-reqID channel rather than assuming the reply is ready by
// the time Ops.Dispatch's first call frame returns (spec.md #1
// "session layer" is the real transport's job; this is the minimal
// stand-in that lets the HTTP handler behave like a blocking RPC).
type CorrelatingSender struct {
	mu      sync.Mutex
	pending map[uint64]chan *proto.MClientReply
}

func NewCorrelatingSender() *CorrelatingSender {
	return &CorrelatingSender{pending: make(map[uint64]chan *proto.MClientReply)}
}

// Await registers reqID and returns the channel the caller should
// select on alongside its own deadline.
func (s *CorrelatingSender) Await(reqID uint64) <-chan *proto.MClientReply {
	ch := make(chan *proto.MClientReply, 1)
	s.mu.Lock()
	s.pending[reqID] = ch
	s.mu.Unlock()
	return ch
}

func (s *CorrelatingSender) Cancel(reqID uint64) {
	s.mu.Lock()
	delete(s.pending, reqID)
	s.mu.Unlock()
}

func (s *CorrelatingSender) Send(rc *reqctx.Context, reply *proto.MClientReply) {
	s.mu.Lock()
	ch, ok := s.pending[rc.ReqID]
	delete(s.pending, rc.ReqID)
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- reply
}

// WaitForReply blocks the HTTP handler goroutine until either the
// reply arrives or ctx is done, in which case the pending entry is
// cleaned up and a synthetic EAGAIN is reported to the client (the
// request itself stays live server-side; spec.md #9 leaves client
// retry-on-timeout policy to the transport).
func WaitForReply(ctx context.Context, sender *CorrelatingSender, reqID uint64, ch <-chan *proto.MClientReply) *proto.MClientReply {
	select {
	case reply := <-ch:
		return reply
	case <-ctx.Done():
		sender.Cancel(reqID)
		return &proto.MClientReply{ReqID: reqID, Result: apierrors.Errno(apierrors.EAGAIN)}
	}
}
