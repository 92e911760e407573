// Package config holds the coordinator's enumerated configuration knobs
// (spec §6 "Configuration"). It follows the teacher's plain-option-struct-
// with-Default*-constructor idiom (eventsync.CompactionOptions) rather than
// a config-file parser: the teacher never reaches for a config library for
// in-process option structs, so neither do we.
package config

import "docsync/jsonpatch"

// SizeCalculator estimates the serialized byte size of a batch of ops.
type SizeCalculator func(ops []jsonpatch.Op) int

// SubscribeFilter decides whether a subscriber receives a given document's
// broadcasts. Neither the coordinator nor the rpc handlers call it:
// changesCommitted / docDeleted notifications go to every connection
// subscribed to the document.
type SubscribeFilter func(docID string, subscriberID string) bool

// Options bundles the coordinator's tunables (spec §6).
type Options struct {
	// SessionTimeoutMinutes is the inactivity gap that ends an editing
	// session on the server, triggering a VersionMetadata cut.
	SessionTimeoutMinutes int

	// SnapshotInterval is the committed-change count between snapshot
	// compactions (LWW: spec §4.5 step 5). Only LWWServer reads it;
	// OTServer does not consult it.
	SnapshotInterval int

	// MaxPayloadBytes is the wire ceiling per Change (0 means none). No
	// component in this module reads this field: the coordinator and the
	// branch manager commit changes without splitting them by size, and
	// clientalgo.OT takes its own ceiling through WithMaxPayloadBytes.
	MaxPayloadBytes int

	// SizeCalculator estimates byte size. Defaults to DefaultSizeCalculator,
	// the JSON-encoded length. No component in this module reads this field.
	SizeCalculator SizeCalculator

	// SubscribeFilter is stored here but not consulted before broadcasting
	// (see the SubscribeFilter type).
	SubscribeFilter SubscribeFilter
}

// DefaultOptions returns the spec-mandated defaults: 30 minute session
// timeout, snapshot every 200 committed changes, no payload ceiling.
func DefaultOptions() *Options {
	return &Options{
		SessionTimeoutMinutes: 30,
		SnapshotInterval:      200,
		MaxPayloadBytes:       0,
		SizeCalculator:        DefaultSizeCalculator,
	}
}

// SessionTimeoutMillis converts SessionTimeoutMinutes to milliseconds, the
// unit used throughout the coordinator's createdAt/committedAt comparisons.
func (o *Options) SessionTimeoutMillis() int64 {
	return int64(o.SessionTimeoutMinutes) * 60 * 1000
}
