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

/*

# metaserver: a single-partition metadata server

metaserver answers client path and inode requests for one metadata
partition of a POSIX-like distributed filesystem: path resolution,
dentry/inode caching, locking, and journaled mutation, modeled on a
CephFS-style MDS rather than on a raft-replicated key-value store.

## Request lifecycle

A client request arrives over HTTP, is admitted past the active/
not-active gate, resolved component by component against the dentry
cache (fetching or forwarding on a miss), locked according to its
operation's invariants, journaled, and replied to. Any step that would
block - an incomplete dirfrag, a contended lock, a cross-partition
hop - suspends the request as a continuation on a wait list instead of
blocking a thread; the event loop is cooperative and single-threaded
by convention even though the process itself is not.

## Building blocks

  - mdcache: the index-based inode/dirfrag/dentry cache (C4)
  - locker: dentry xlocks and inode hard/file locks (C5)
  - resolver: path-to-trace resolution with symlink splicing (C3)
  - ops: the per-operation handlers - stat, mknod, link, rename, and
    the rest of spec.md #4.7-#4.12 (C7)
  - journal: the safe-mode/sloppy-mode commit pipeline (C9)
  - finish: reply and lock-release bookkeeping shared by every op (C10)
  - mount: the journaled client session table (C6)
  - server: the HTTP front door and the admission gate (spec.md #4.1)

Replication, on-disk storage, and inter-MDS migration are out of this
module's scope (see SPEC_FULL.md and DESIGN.md); peer.Messenger and
journal.Store are the seams where a multi-partition, durable
deployment would plug in.

*/

package metaserver
