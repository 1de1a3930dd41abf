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

package waiter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryFireAllWakesEveryContinuationInOrder(t *testing.T) {
	r := NewRegistry()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		r.Register("dirfrag-1", Unfreeze, func() { order = append(order, i) })
	}
	require.Equal(t, 3, r.Len("dirfrag-1", Unfreeze))

	r.FireAll("dirfrag-1", Unfreeze)

	require.Equal(t, []int{0, 1, 2}, order)
	require.Equal(t, 0, r.Len("dirfrag-1", Unfreeze))
}

func TestRegistryFireOnePopsOldestFirst(t *testing.T) {
	r := NewRegistry()

	var fired []string
	r.Register("dn:1", DNRead, func() { fired = append(fired, "first") })
	r.Register("dn:1", DNRead, func() { fired = append(fired, "second") })

	require.True(t, r.FireOne("dn:1", DNRead))
	require.Equal(t, []string{"first"}, fired)
	require.Equal(t, 1, r.Len("dn:1", DNRead))

	require.True(t, r.FireOne("dn:1", DNRead))
	require.Equal(t, []string{"first", "second"}, fired)
	require.False(t, r.FireOne("dn:1", DNRead))
}

func TestRegistryKeysDoNotCrossTagsOrObjects(t *testing.T) {
	r := NewRegistry()
	r.Register("a", Unfreeze, func() {})
	r.Register("a", AuthPinnable, func() {})
	r.Register("b", Unfreeze, func() {})

	require.Equal(t, 1, r.Len("a", Unfreeze))
	require.Equal(t, 1, r.Len("a", AuthPinnable))
	require.Equal(t, 1, r.Len("b", Unfreeze))
	require.Equal(t, 0, r.Len("b", AuthPinnable))
}

func TestRegistrySnapshotOmitsEmptyLists(t *testing.T) {
	r := NewRegistry()
	r.Register("server", Active, func() {})
	r.FireAll("nonexistent", Active)

	snap := r.Snapshot()
	require.Equal(t, map[string]int{"server\x00active": 1}, snap)
}

func TestFireAllOnEmptyOrUnregisteredListIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NotPanics(t, func() { r.FireAll("missing", Active) })
	require.False(t, r.FireOne("missing", Active))
	require.Equal(t, 0, r.Len("missing", Active))
}
