package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"docsync/serverstore"
)

// CompactionOptions tunes the periodic janitor that refreshes LWW
// snapshots. Grounded on eventsync.CompactionOptions/
// DefaultCompactionOptions.
type CompactionOptions struct {
	// MaxAge is not read by Compactor; no op history is deleted by age.
	MaxAge time.Duration
	// BatchSize caps how many documents are compacted per tick.
	BatchSize int
}

// DefaultCompactionOptions mirrors the teacher's defaults, scaled down to
// this system's smaller retention needs (snapshotInterval is measured in
// committed revisions, not wall-clock events).
func DefaultCompactionOptions() *CompactionOptions {
	return &CompactionOptions{
		MaxAge:    time.Hour,
		BatchSize: 100,
	}
}

// DocLister supplies the set of document IDs a compaction sweep should
// consider, since LWWServerStore has no native "list all docs" operation.
type DocLister func(ctx context.Context) ([]string, error)

// Compactor periodically refreshes the snapshots of LWW documents; it
// deletes no op history. Grounded on
// eventsync.MongoEventCompactor's ticker/stopCh loop.
type Compactor struct {
	store   serverstore.LWWServerStore
	docs    DocLister
	options *CompactionOptions
	log     *zap.Logger
	stopCh  chan struct{}
}

// NewCompactor constructs a Compactor. docs supplies the candidate document
// IDs for each sweep; options defaults to DefaultCompactionOptions if nil.
func NewCompactor(store serverstore.LWWServerStore, docs DocLister, options *CompactionOptions, log *zap.Logger) *Compactor {
	if options == nil {
		options = DefaultCompactionOptions()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Compactor{store: store, docs: docs, options: options, log: log, stopCh: make(chan struct{})}
}

// CompactDoc snapshots docID if it does not already have a recent-enough
// snapshot, so a subsequent getDoc can serve from the snapshot instead of
// replaying full op history. The LWWServerStore contract does not expose
// op deletion (ops remain the append-only source of truth for
// getChangesSince / text-delta catch-up), so compaction here only ensures
// the snapshot is fresh rather than trimming storage.
func (c *Compactor) CompactDoc(ctx context.Context, docID string) error {
	snap, ok, err := c.store.LoadSnapshot(ctx, docID)
	if err != nil {
		return err
	}

	ops, err := c.store.LoadOps(ctx, docID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	state, rev, err := materializeLWWState(ops)
	if err != nil {
		return err
	}
	if ok && snap.Rev >= rev {
		return nil
	}
	return c.store.SaveSnapshot(ctx, docID, state, rev)
}

// CompactAll runs CompactDoc over every document docs reports, continuing
// past individual failures so one bad document does not stall the sweep.
func (c *Compactor) CompactAll(ctx context.Context) (int, error) {
	docIDs, err := c.docs(ctx)
	if err != nil {
		return 0, err
	}
	compacted := 0
	for i, docID := range docIDs {
		if c.options.BatchSize > 0 && i >= c.options.BatchSize {
			c.log.Debug("compaction batch size reached, deferring remainder to next sweep", zap.Int("batch_size", c.options.BatchSize), zap.Int("total_docs", len(docIDs)))
			break
		}
		if cerr := c.CompactDoc(ctx, docID); cerr != nil {
			c.log.Warn("compaction failed for document", zap.String("doc_id", docID), zap.Error(cerr))
			continue
		}
		compacted++
	}
	return compacted, nil
}

// ScheduleCompaction starts a ticker that runs CompactAll every interval
// until StopCompaction is called.
func (c *Compactor) ScheduleCompaction(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval/2)
				n, err := c.CompactAll(ctx)
				if err != nil {
					c.log.Error("scheduled compaction failed", zap.Error(err))
				} else {
					c.log.Info("scheduled compaction completed", zap.Int("documents_compacted", n))
				}
				cancel()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
	c.log.Info("scheduled compaction started", zap.Duration("interval", interval))
}

// StopCompaction stops the ticker goroutine started by ScheduleCompaction.
func (c *Compactor) StopCompaction() {
	close(c.stopCh)
}
