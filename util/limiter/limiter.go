// Copyright 2023 The Cuber Authors.
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

package limiter

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/time/rate"
)

type (
	// Limiter bounds how many data-mutating (Truncate) and dirfrag-fetch
	// (Readdir's miss path) requests this peer admits concurrently, and
	// at what rate. There is no byte-rate surface here: nothing in this
	// core streams bytes through an io.Reader/io.Writer boundary for a
	// limiter to wrap; the rate side instead throttles requests/sec via
	// AcquireRead/AcquireWrite's context.
	Limiter interface {
		AcquireRead(ctx context.Context) error
		ReleaseRead()
		AcquireWrite(ctx context.Context) error
		ReleaseWrite()
		SetReadConcurrency(value uint32)
		SetWriteConcurrency(value uint32)
		GetConfig() *LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		ReadConcurrency  int
		WriteConcurrency int
		// ReadQPS/WriteQPS are steady-state request rates; zero means
		// the concurrency gate is the only throttle.
		ReadQPS  int
		WriteQPS int
	}
	Status struct {
		Config       LimitConfig
		ReadRunning  int
		WriteRunning int
	}
	limiter struct {
		config          LimitConfig
		readCountLimit  CountLimit
		writeCountLimit CountLimit
		readRate        *rate.Limiter
		writeRate       *rate.Limiter
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	limiter := &limiter{config: cfg}
	if cfg.ReadConcurrency > 0 {
		limiter.readCountLimit = NewCountLimit(cfg.ReadConcurrency)
	}
	if cfg.WriteConcurrency > 0 {
		limiter.writeCountLimit = NewCountLimit(cfg.WriteConcurrency)
	}
	if cfg.ReadQPS > 0 {
		limiter.readRate = rate.NewLimiter(rate.Limit(cfg.ReadQPS), cfg.ReadQPS)
	}
	if cfg.WriteQPS > 0 {
		limiter.writeRate = rate.NewLimiter(rate.Limit(cfg.WriteQPS), cfg.WriteQPS)
	}
	return limiter
}

func (lim *limiter) AcquireRead(ctx context.Context) error {
	if lim.readCountLimit != nil {
		if err := lim.readCountLimit.Acquire(); err != nil {
			return err
		}
	}
	if lim.readRate != nil {
		if err := lim.readRate.Wait(ctx); err != nil {
			lim.ReleaseRead()
			return err
		}
	}
	return nil
}

func (lim *limiter) AcquireWrite(ctx context.Context) error {
	if lim.writeCountLimit != nil {
		if err := lim.writeCountLimit.Acquire(); err != nil {
			return err
		}
	}
	if lim.writeRate != nil {
		if err := lim.writeRate.Wait(ctx); err != nil {
			lim.ReleaseWrite()
			return err
		}
	}
	return nil
}

func (lim *limiter) ReleaseRead() {
	if lim.readCountLimit != nil {
		lim.readCountLimit.Release()
	}
}

func (lim *limiter) ReleaseWrite() {
	if lim.writeCountLimit != nil {
		lim.writeCountLimit.Release()
	}
}

func (lim *limiter) SetReadConcurrency(value uint32) {
	if lim.readCountLimit == nil {
		lim.readCountLimit = NewCountLimit(int(value))
	} else {
		lim.readCountLimit.SetLimit(value)
	}
	lim.config.ReadConcurrency = int(value)
}

func (lim *limiter) SetWriteConcurrency(value uint32) {
	if lim.writeCountLimit == nil {
		lim.writeCountLimit = NewCountLimit(int(value))
	} else {
		lim.writeCountLimit.SetLimit(value)
	}
	lim.config.WriteConcurrency = int(value)
}

func (lim *limiter) GetConfig() *LimitConfig {
	return &lim.config
}

func (lim *limiter) Status() Status {
	st := Status{Config: lim.config}
	if lim.readCountLimit != nil {
		st.ReadRunning = lim.readCountLimit.Running()
	}
	if lim.writeCountLimit != nil {
		st.WriteRunning = lim.writeCountLimit.Running()
	}
	return st
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > l.limit {
		atomic.AddUint32(&l.current, minusOne)
		return errors.New("limit exceeded")
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
