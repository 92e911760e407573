package serverstore

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"docsync/change"
	"docsync/jsonpatch"
)

type lwwOpDoc struct {
	DocID     string `bson:"docId"`
	Path      string `bson:"path"`
	Op        string `bson:"op"`
	ValueJSON []byte `bson:"valueJson"`
	Ts        int64  `bson:"ts"`
	Rev       int64  `bson:"rev"`
}

type snapshotDoc struct {
	DocID string      `bson:"docId"`
	State interface{} `bson:"state"`
	Rev   int64       `bson:"rev"`
}

type textDeltaDoc struct {
	DocID     string `bson:"docId"`
	Path      string `bson:"path"`
	Rev       int64  `bson:"rev"`
	DeltaJSON []byte `bson:"deltaJson"`
}

// MongoLWWStore implements LWWServerStore over mongo-driver. Grounded on
// luvjson/crdtstorage's per-path resolution and on eventsync.MongoEventStore's
// sequence-allocation-under-mutex pattern for SaveOps' revision bump.
type MongoLWWStore struct {
	ops        *mongo.Collection
	snapshots  *mongo.Collection
	textDeltas *mongo.Collection
	tombstones *mongo.Collection
	branches   *mongo.Collection
	revMutex   sync.Mutex
	revCache   map[string]int64
	log        *zap.Logger
}

// NewMongoLWWStore opens (and indexes) the LWW server's collections.
func NewMongoLWWStore(ctx context.Context, db *mongo.Database, log *zap.Logger) (*MongoLWWStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &MongoLWWStore{
		ops:        db.Collection("lww_ops"),
		snapshots:  db.Collection("lww_snapshots"),
		textDeltas: db.Collection("lww_text_deltas"),
		tombstones: db.Collection("lww_tombstones"),
		branches:   db.Collection("lww_branches"),
		revCache:   make(map[string]int64),
		log:        log,
	}
	indexModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "docId", Value: 1}, {Key: "path", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := s.ops.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, fmt.Errorf("serverstore: creating lww op indexes: %w", err)
	}
	return s, nil
}

func (s *MongoLWWStore) Close(ctx context.Context) error { return nil }

func (s *MongoLWWStore) DocExists(ctx context.Context, docID string) (bool, error) {
	n, err := s.ops.CountDocuments(ctx, bson.M{"docId": docID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("serverstore: checking lww doc existence: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	n, err = s.snapshots.CountDocuments(ctx, bson.M{"docId": docID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("serverstore: checking lww doc existence: %w", err)
	}
	return n > 0, nil
}

func toLWWOpDoc(docID string, op *change.LWWOp) (lwwOpDoc, error) {
	valJSON, err := jsonMarshal(op.Value)
	if err != nil {
		return lwwOpDoc{}, err
	}
	return lwwOpDoc{DocID: docID, Path: op.Path, Op: string(op.Op.Op), ValueJSON: valJSON, Ts: op.Ts, Rev: op.Rev}, nil
}

func fromLWWOpDoc(d lwwOpDoc) (*change.LWWOp, error) {
	value, err := jsonUnmarshal(d.ValueJSON)
	if err != nil {
		return nil, err
	}
	return &change.LWWOp{
		Path: d.Path,
		Op:   jsonpatch.Op{Op: jsonpatch.OpType(d.Op), Path: d.Path, Value: value, Ts: d.Ts},
		Value: value, Ts: d.Ts, Rev: d.Rev,
	}, nil
}

func (s *MongoLWWStore) LoadOps(ctx context.Context, docID string) (map[string]*change.LWWOp, error) {
	cursor, err := s.ops.Find(ctx, bson.M{"docId": docID})
	if err != nil {
		return nil, fmt.Errorf("serverstore: finding lww ops: %w", err)
	}
	defer cursor.Close(ctx)
	out := make(map[string]*change.LWWOp)
	var docs []lwwOpDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("serverstore: decoding lww ops: %w", err)
	}
	for _, d := range docs {
		op, err := fromLWWOpDoc(d)
		if err != nil {
			return nil, err
		}
		out[d.Path] = op
	}
	return out, nil
}

func (s *MongoLWWStore) LoadOpsSince(ctx context.Context, docID string, rev int64) ([]*change.LWWOp, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}})
	cursor, err := s.ops.Find(ctx, bson.M{"docId": docID, "rev": bson.M{"$gt": rev}}, opts)
	if err != nil {
		return nil, fmt.Errorf("serverstore: finding lww ops since rev: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []lwwOpDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("serverstore: decoding lww ops: %w", err)
	}
	out := make([]*change.LWWOp, 0, len(docs))
	for _, d := range docs {
		op, err := fromLWWOpDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

// SaveOps upserts toSave, deletes toDelete, and returns a freshly minted
// revision for the write, serialized by revMutex the way
// MongoEventStore.getNextSequence serializes sequence allocation.
func (s *MongoLWWStore) SaveOps(ctx context.Context, docID string, toSave map[string]*change.LWWOp, toDelete []string) (int64, error) {
	s.revMutex.Lock()
	defer s.revMutex.Unlock()

	if _, seeded := s.revCache[docID]; !seeded {
		latest, err := s.latestRevFromStore(ctx, docID)
		if err != nil {
			return 0, err
		}
		s.revCache[docID] = latest
	}
	newRev := s.revCache[docID] + 1
	s.revCache[docID] = newRev

	for path, op := range toSave {
		op.Rev = newRev
		d, err := toLWWOpDoc(docID, op)
		if err != nil {
			return 0, err
		}
		_, err = s.ops.UpdateOne(ctx,
			bson.M{"docId": docID, "path": path},
			bson.M{"$set": d},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return 0, fmt.Errorf("serverstore: upserting lww op: %w", err)
		}
	}
	for _, path := range toDelete {
		if _, err := s.ops.DeleteOne(ctx, bson.M{"docId": docID, "path": path}); err != nil {
			return 0, fmt.Errorf("serverstore: deleting lww op: %w", err)
		}
	}
	s.log.Debug("persisted lww ops", zap.String("doc_id", docID), zap.Int64("rev", newRev), zap.Int("saved", len(toSave)), zap.Int("deleted", len(toDelete)))
	return newRev, nil
}

// latestRevFromStore seeds the in-memory revision counter from durable
// state on first use, so a restarted server does not reissue revisions
// already persisted.
func (s *MongoLWWStore) latestRevFromStore(ctx context.Context, docID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "rev", Value: -1}})
	var d lwwOpDoc
	err := s.ops.FindOne(ctx, bson.M{"docId": docID}, opts).Decode(&d)
	if err == mongo.ErrNoDocuments {
		var snap snapshotDoc
		err := s.snapshots.FindOne(ctx, bson.M{"docId": docID}).Decode(&snap)
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("serverstore: seeding lww revision from snapshot: %w", err)
		}
		return snap.Rev, nil
	}
	if err != nil {
		return 0, fmt.Errorf("serverstore: seeding lww revision: %w", err)
	}
	return d.Rev, nil
}

func (s *MongoLWWStore) LoadSnapshot(ctx context.Context, docID string) (*change.Snapshot, bool, error) {
	var d snapshotDoc
	err := s.snapshots.FindOne(ctx, bson.M{"docId": docID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("serverstore: finding lww snapshot: %w", err)
	}
	return &change.Snapshot{State: d.State, Rev: d.Rev}, true, nil
}

func (s *MongoLWWStore) SaveSnapshot(ctx context.Context, docID string, state interface{}, rev int64) error {
	_, err := s.snapshots.UpdateOne(ctx,
		bson.M{"docId": docID},
		bson.M{"$set": snapshotDoc{DocID: docID, State: state, Rev: rev}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("serverstore: saving lww snapshot: %w", err)
	}
	return nil
}

func (s *MongoLWWStore) AppendTextDelta(ctx context.Context, rec *change.TextDeltaRecord) error {
	deltaJSON, err := jsonMarshal(rec.Delta)
	if err != nil {
		return err
	}
	_, err = s.textDeltas.InsertOne(ctx, textDeltaDoc{DocID: rec.DocID, Path: rec.Path, Rev: rec.Rev, DeltaJSON: deltaJSON})
	if err != nil {
		return fmt.Errorf("serverstore: appending text delta: %w", err)
	}
	return nil
}

func (s *MongoLWWStore) LoadTextDeltasSince(ctx context.Context, docID, path string, rev int64) ([]*change.TextDeltaRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "rev", Value: 1}})
	cursor, err := s.textDeltas.Find(ctx, bson.M{"docId": docID, "path": path, "rev": bson.M{"$gt": rev}}, opts)
	if err != nil {
		return nil, fmt.Errorf("serverstore: finding text deltas: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []textDeltaDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("serverstore: decoding text deltas: %w", err)
	}
	out := make([]*change.TextDeltaRecord, 0, len(docs))
	for _, d := range docs {
		var delta jsonpatch.TxtDelta
		if err := jsonUnmarshalInto(d.DeltaJSON, &delta); err != nil {
			return nil, err
		}
		out = append(out, &change.TextDeltaRecord{DocID: d.DocID, Path: d.Path, Rev: d.Rev, Delta: delta})
	}
	return out, nil
}

func (s *MongoLWWStore) SetTombstone(ctx context.Context, docID string) error {
	_, err := s.tombstones.UpdateOne(ctx, bson.M{"docId": docID}, bson.M{"$set": bson.M{"docId": docID}}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("serverstore: setting lww tombstone: %w", err)
	}
	return nil
}

func (s *MongoLWWStore) IsTombstoned(ctx context.Context, docID string) (bool, error) {
	n, err := s.tombstones.CountDocuments(ctx, bson.M{"docId": docID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("serverstore: checking lww tombstone: %w", err)
	}
	return n > 0, nil
}

func (s *MongoLWWStore) ClearTombstone(ctx context.Context, docID string) error {
	if _, err := s.tombstones.DeleteOne(ctx, bson.M{"docId": docID}); err != nil {
		return fmt.Errorf("serverstore: clearing lww tombstone: %w", err)
	}
	return nil
}

func (s *MongoLWWStore) SaveBranch(ctx context.Context, b *change.Branch) error {
	d := branchDoc{ID: b.ID, DocID: b.DocID, BranchedAtRev: b.BranchedAtRev, CreatedAt: b.CreatedAt, Status: string(b.Status), Name: b.Name, Metadata: b.Metadata}
	_, err := s.branches.InsertOne(ctx, d)
	if err != nil {
		return fmt.Errorf("serverstore: inserting lww branch: %w", err)
	}
	return nil
}

func (s *MongoLWWStore) LoadBranch(ctx context.Context, branchID string) (*change.Branch, error) {
	var d branchDoc
	if err := s.branches.FindOne(ctx, bson.M{"id": branchID}).Decode(&d); err != nil {
		return nil, fmt.Errorf("serverstore: finding lww branch: %w", err)
	}
	return &change.Branch{ID: d.ID, DocID: d.DocID, BranchedAtRev: d.BranchedAtRev, CreatedAt: d.CreatedAt, Status: change.BranchStatus(d.Status), Name: d.Name, Metadata: d.Metadata}, nil
}

func (s *MongoLWWStore) UpdateBranchStatus(ctx context.Context, branchID string, status change.BranchStatus) error {
	_, err := s.branches.UpdateOne(ctx, bson.M{"id": branchID}, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return fmt.Errorf("serverstore: updating lww branch status: %w", err)
	}
	return nil
}
