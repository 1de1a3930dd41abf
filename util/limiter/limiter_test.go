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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiterConcurrencyGate(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(LimitConfig{ReadConcurrency: 1, WriteConcurrency: 1})

	require.NoError(t, l.AcquireRead(ctx))
	require.Equal(t, errors.New("limit exceeded"), l.AcquireRead(ctx))
	l.SetReadConcurrency(2)
	require.NoError(t, l.AcquireRead(ctx))
	l.ReleaseRead()
	l.ReleaseRead()
	require.Equal(t, 0, l.Status().ReadRunning)

	require.NoError(t, l.AcquireWrite(ctx))
	require.Equal(t, errors.New("limit exceeded"), l.AcquireWrite(ctx))
	l.ReleaseWrite()
	require.Equal(t, 0, l.Status().WriteRunning)
}

func TestLimiterUnboundedWhenConfigZero(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(LimitConfig{})
	require.NoError(t, l.AcquireRead(ctx))
	require.NoError(t, l.AcquireWrite(ctx))
	l.ReleaseRead()
	l.ReleaseWrite()
}

func TestLimiterRateGateFailsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLimiter(LimitConfig{WriteQPS: 1})
	require.NoError(t, l.AcquireWrite(context.Background()))
	l.ReleaseWrite()
	// rate.Limiter.Wait returns the error of an already cancelled
	// context, so AcquireWrite fails on the rate path.
	require.Error(t, l.AcquireWrite(ctx))
}

func TestCountLimitSetLimit(t *testing.T) {
	cl := NewCountLimit(1)
	require.NoError(t, cl.Acquire())
	require.Error(t, cl.Acquire())
	cl.SetLimit(2)
	require.NoError(t, cl.Acquire())
	require.Equal(t, 2, cl.Running())
}
