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

// Package config holds the configuration keys the core honors
// (spec.md #6), loaded the way cmd/cmd.go loads its service config.
package config

import "github.com/cubefs/cubefs/blobstore/util/log"

// Config carries every key named in spec.md #6 plus the listen
// address and peer table needed to run a server instance.
type Config struct {
	// LogBeforeReply is the safe-mode switch (spec.md #4.6): when
	// true (default), the journal entry must sync before the client
	// reply is sent. When false, "sloppy mode" replies immediately
	// after submit.
	LogBeforeReply bool `json:"log-before-reply"`

	// Log enables journal submission at all; the spec does not define
	// behavior with logging off, so the core always logs: Validate
	// resets a false value to true and logs a warning.
	Log bool `json:"log"`

	// ShutdownOnLastUnmount triggers orderly shutdown when the last
	// mounted client unmounts (spec.md #4.2).
	ShutdownOnLastUnmount bool `json:"shutdown-on-last-unmount"`

	Debug    int `json:"debug"`
	DebugMDS int `json:"debug-mds"`

	HTTPBindAddr string   `json:"http_bind_addr"`
	PeerID       uint32   `json:"peer_id"`
	ClusterSize  uint32   `json:"cluster_size"`
	Peers        []string `json:"peers"`

	// WriteConcurrency caps concurrent data-path mutations (Truncate);
	// zero means unlimited.
	WriteConcurrency uint32 `json:"write_concurrency"`

	// ReadConcurrency caps concurrent dirfrag fetches (Readdir's miss
	// path); zero means unlimited.
	ReadConcurrency uint32 `json:"read_concurrency"`

	// ReadQPS/WriteQPS cap steady-state request rates on top of the
	// concurrency gates above; zero means unlimited.
	ReadQPS  uint32 `json:"read_qps"`
	WriteQPS uint32 `json:"write_qps"`
}

// Default returns the configuration defaults named in spec.md #6.
func Default() *Config {
	return &Config{
		LogBeforeReply: true,
		Log:            true,
		ClusterSize:    1,
	}
}

// Validate fills in/refuses obviously broken configuration, in the
// style of cmd/cmd.go's initConfig.
func (c *Config) Validate() error {
	if !c.Log {
		log.Warn("config: log=false is not supported by this core; journaling stays enabled")
		c.Log = true
	}
	if c.ClusterSize == 0 {
		c.ClusterSize = 1
	}
	return nil
}
