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

package main

import (
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"

	"github.com/cubefs/metaserver/clock"
	mdsconfig "github.com/cubefs/metaserver/config"
	"github.com/cubefs/metaserver/finish"
	"github.com/cubefs/metaserver/journal"
	"github.com/cubefs/metaserver/locker"
	"github.com/cubefs/metaserver/mdcache"
	"github.com/cubefs/metaserver/memstore"
	"github.com/cubefs/metaserver/mount"
	"github.com/cubefs/metaserver/ops"
	"github.com/cubefs/metaserver/peer"
	"github.com/cubefs/metaserver/proto"
	"github.com/cubefs/metaserver/reqctx"
	"github.com/cubefs/metaserver/resolver"
	"github.com/cubefs/metaserver/server"
	"github.com/cubefs/metaserver/util"
	"github.com/cubefs/metaserver/util/limiter"
	"github.com/cubefs/metaserver/waiter"
)

// Config is the on-disk service config: the core's own keys
// (spec.md #6) plus the process-level knobs cmd.go owns.
type Config struct {
	mdsconfig.Config

	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "metaserver.json")

	cfg := &Config{Config: *mdsconfig.Default()}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	if err := cfg.Config.Validate(); err != nil {
		log.Fatal(errors.Detail(err))
	}
	if cfg.HTTPBindAddr == "" {
		ip, err := util.GetLocalIp()
		if err != nil {
			log.Fatalf("can't get local ip address, please set http_bind_addr in config: %s", err)
		}
		cfg.HTTPBindAddr = ip + ":7000"
	}

	registerLogLevel()
	modifyOpenFiles()
	log.SetOutputLevel(cfg.LogLevel)

	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}

	srv, httpServer := buildServer(cfg)
	httpServer.Serve(cfg.HTTPBindAddr)
	srv.Activate()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	httpServer.Stop()
}

// buildServer wires C1 through C10 the way cmd.go's main wired the
// source's master/router/shardserver stack: one process, one set of
// collaborators, no dependency injection framework.
func buildServer(cfg *Config) (*server.Server, *server.HttpServer) {
	localPeer := proto.PeerID(cfg.PeerID)

	waiters := waiter.NewRegistry()
	store := memstore.New()
	cache := mdcache.New(localPeer, store, waiters)
	cache.PutInode(&mdcache.Inode{Ino: proto.RootIno, IsDir: true, Mode: 040755, Nlink: 1, Fragtree: &mdcache.Dirfragtree{}, Authority: localPeer})
	cache.EnsureDirfrag(proto.RootIno, 0).SetComplete(true)
	locks := locker.New(waiters)
	messenger := peer.NewStub()
	res := resolver.New(cache, waiters, messenger, localPeer)

	j := journal.New(journal.NewMemStore())

	table := reqctx.NewTable()
	sender := server.NewCorrelatingSender()
	finisher := finish.New(locks, cache, sender, table)

	o := ops.New(cache, locks, res, j, finisher, table, messenger, clock.Real{}, &cfg.Config, waiters, localPeer, cfg.ClusterSize)
	o.Limiter = limiter.NewLimiter(limiter.LimitConfig{
		WriteConcurrency: int(cfg.WriteConcurrency),
		ReadConcurrency:  int(cfg.ReadConcurrency),
		WriteQPS:         int(cfg.WriteQPS),
		ReadQPS:          int(cfg.ReadQPS),
	})

	clients := mount.NewClientMap()
	acks := server.NewMountReplies()
	mountCtl := mount.NewController(j, clients, acks, nil, nil, cfg.ShutdownOnLastUnmount, shutdownFunc(requestShutdown), cfg.LogBeforeReply)

	srvCfg := &server.Config{ListenAddr: cfg.HTTPBindAddr, LocalPeer: localPeer}
	srv := server.NewServer(srvCfg, mountCtl, o, table, waiters, sender, acks)

	return srv, server.NewHttpServer(srv)
}

// shutdownFunc adapts a plain function to mount.Shutdowner.
type shutdownFunc func()

func (f shutdownFunc) InitiateShutdown() { f() }

func requestShutdown() {
	log.Info("metaserver: last client unmounted, shutting down")
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	p.Signal(syscall.SIGTERM)
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}

func modifyOpenFiles() {
	var rLimit syscall.Rlimit
	err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)

	if rLimit.Cur >= 102400 && rLimit.Max >= 102400 {
		return
	}

	rLimit.Cur = 1024000
	rLimit.Max = 1024000

	err = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("setting rlimit failed: %s", err)
	}
	err = syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	if err != nil {
		log.Fatalf("getting rlimit failed: %s", err)
	}
	log.Info("system limit: ", rLimit)
}
