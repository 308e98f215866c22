package raftstore

import (
	"log"
	"time"
)

// Options configure the Raft-replicated registry.
type Options struct {
	NodeID string
	Logger *log.Logger

	// Bootstrap forms a single-node Raft cluster on Start when true. The
	// pool master bootstraps; other replicas are added with AddVoter.
	Bootstrap bool

	// Timeouts (optional). Zero means defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration // client-side apply wait

	// BindAddr selects a TCP transport (e.g. "127.0.0.1:0"); empty means an
	// in-memory transport.
	BindAddr string

	// DataDir selects on-disk stores when non-empty (bolt store for log and
	// stable state, file snapshot store). When empty, in-memory stores are used.
	DataDir string

	// SnapshotsRetained controls how many snapshots to retain on disk.
	SnapshotsRetained int
}
