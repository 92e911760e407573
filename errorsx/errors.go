// Package errorsx is docsync's error taxonomy (spec §7). Sentinel errors
// are compared with errors.Is; the handful that carry context wrap a
// sentinel so that comparison still works through fmt.Errorf("%w", ...).
package errorsx

import "errors"

var (
	// ErrClientAheadOfServer: the client's baseRev > currentRev. The
	// client must discard local state and reload.
	ErrClientAheadOfServer = errors.New("client is ahead of server: resync required")

	// ErrDocAlreadyExists: an initial batch at baseRev=0 arrived for a doc
	// that already exists.
	ErrDocAlreadyExists = errors.New("document already exists")

	// ErrBaseRevMismatchInBatch: a submitted batch mixes inconsistent
	// baseRev values across its changes.
	ErrBaseRevMismatchInBatch = errors.New("changes in a batch do not share a baseRev")

	// ErrBranchNotOpen: merge/update attempted on a branch that is not open.
	ErrBranchNotOpen = errors.New("branch is not open")

	// ErrBranchOfBranch: attempted to branch a document that is itself a branch.
	ErrBranchOfBranch = errors.New("cannot branch a branch")

	// ErrInvalidPatch: apply/transform failed in strict mode.
	ErrInvalidPatch = errors.New("invalid patch")

	// ErrDisconnected: transport dropped mid-flush; the flush was aborted
	// and pending changes were retained for retry.
	ErrDisconnected = errors.New("disconnected during flush")

	// ErrStoreUnavailable: the persistence layer failed; no state changed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrBroadcastFailed: a post-commit notify failed. The server logs
	// this but never rolls back the already-committed change.
	ErrBroadcastFailed = errors.New("broadcast failed")
)
