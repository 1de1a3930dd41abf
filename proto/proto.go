package proto

import (
	"hash/crc32"

	"github.com/cubefs/metaserver/util"
)

// PeerID identifies one MDS peer in the cluster.
type PeerID = uint32

const ReqIDKey = "req-id"

// PickDirfrag is a pure function of name and the fragtree's bit width
// (spec.md #3, #8 invariant 5): stable across peers, so every peer
// that resolves the same path lands on the same frag without any
// coordination.
func PickDirfrag(name string, bits uint32) Frag {
	if bits == 0 {
		return 0
	}
	h := crc32.ChecksumIEEE(util.StringsToBytes(name))
	mask := uint32(1)<<bits - 1
	return h & mask
}
