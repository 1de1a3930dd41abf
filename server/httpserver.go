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
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/metaserver/metrics"
	"github.com/cubefs/metaserver/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

// HttpServer is the transport: JSON-over-HTTP for client mount/
// request traffic, plus the admin introspection surface spec.md #9
// leaves unspecified in shape (stats, waiters, requests, limiter).
type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), logHandler{}, ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

// logHandler logs the method, path, and latency of every request this
// server serves, ahead of routing.
type logHandler struct{}

func (logHandler) Handler(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request)) {
	start := time.Now()
	next(w, r)
	log.Infof("http: %s %s %s", r.Method, r.URL.Path, time.Since(start))
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.POST("/mount", h.Mount, rpc.OptArgsBody())
	rpc.POST("/unmount", h.Unmount, rpc.OptArgsBody())
	rpc.POST("/request", h.Request, rpc.OptArgsBody())

	rpc.GET("/stats", h.Stats, rpc.OptArgsQuery())
	rpc.GET("/waiters", h.WaitersSnapshot, rpc.OptArgsQuery())
	rpc.GET("/requests", h.RequestsSnapshot, rpc.OptArgsQuery())
	rpc.GET("/limiter", h.LimiterStatus, rpc.OptArgsQuery())

	return rpc.DefaultRouter
}

func (h *HttpServer) Mount(c *rpc.Context) {
	req := new(proto.MClientMount)
	if err := c.ArgsBody(req); err != nil {
		c.RespondError(err)
		return
	}
	ctx := c.Request.Context()
	ch := h.Acks.await(req.Client.ID)
	h.HandleMount(ctx, req)
	ack := awaitMount(ctx, h.Acks, req.Client.ID, ch)
	if ack == nil {
		c.RespondStatus(http.StatusGatewayTimeout)
		return
	}
	c.RespondJSON(ack)
}

func (h *HttpServer) Unmount(c *rpc.Context) {
	req := new(proto.MClientUnmount)
	if err := c.ArgsBody(req); err != nil {
		c.RespondError(err)
		return
	}
	ctx := c.Request.Context()
	ch := h.Acks.await(req.Client.ID)
	h.HandleUnmount(ctx, req)
	if !awaitUnmount(ctx, h.Acks, req.Client.ID, ch) {
		c.RespondStatus(http.StatusGatewayTimeout)
		return
	}
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) Request(c *rpc.Context) {
	req := new(proto.MClientRequest)
	if err := c.ArgsBody(req); err != nil {
		c.RespondError(err)
		return
	}
	ctx := c.Request.Context()
	start := time.Now()
	ch := h.Sender.Await(req.ReqID)
	h.HandleClientRequest(ctx, req)
	reply := WaitForReply(ctx, h.Sender, req.ReqID, ch)
	metrics.ObserveOp(req.Op.String(), reply.Result == 0, start)
	c.RespondJSON(reply)
}

func (h *HttpServer) Stats(c *rpc.Context) {
	depth := h.Ops.Journal.Len()
	metrics.SetJournalDepth(depth)
	c.RespondJSON(map[string]int{
		"live_requests": h.Table.Len(),
		"journal_depth": depth,
	})
}

func (h *HttpServer) WaitersSnapshot(c *rpc.Context) {
	c.RespondJSON(h.Waiters.Snapshot())
}

func (h *HttpServer) RequestsSnapshot(c *rpc.Context) {
	c.RespondJSON(h.Table.Snapshot())
}

// LimiterStatus reports the write/read concurrency gate's current
// occupancy and configuration, nil if no limiter is wired.
func (h *HttpServer) LimiterStatus(c *rpc.Context) {
	if h.Ops.Limiter == nil {
		c.RespondJSON(nil)
		return
	}
	c.RespondJSON(h.Ops.Limiter.Status())
}
