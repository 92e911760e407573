package serverstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"docsync/change"
)

// changeDoc is the BSON-on-disk shape of a committed Change; Ops is stored
// zstd-compressed (spec §6), decompressed on read.
type changeDoc struct {
	DocID         string                 `bson:"docId"`
	ID            string                 `bson:"id"`
	OpsCompressed []byte                 `bson:"opsCompressed"`
	Rev           int64                  `bson:"rev"`
	BaseRev       int64                  `bson:"baseRev"`
	CreatedAt     int64                  `bson:"createdAt"`
	CommittedAt   int64                  `bson:"committedAt"`
	Metadata      map[string]interface{} `bson:"metadata,omitempty"`
	BatchID       string                 `bson:"batchId,omitempty"`
}

// MongoOTStore implements OTServerStore over mongo-driver, grounded on
// eventsync.MongoEventStore's collection-per-concern layout and index
// setup.
type MongoOTStore struct {
	changes    *mongo.Collection
	versions   *mongo.Collection
	tombstones *mongo.Collection
	branches   *mongo.Collection
	log        *zap.Logger
}

// NewMongoOTStore opens (and indexes) the OT server's four collections.
func NewMongoOTStore(ctx context.Context, db *mongo.Database, log *zap.Logger) (*MongoOTStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &MongoOTStore{
		changes:    db.Collection("ot_changes"),
		versions:   db.Collection("ot_versions"),
		tombstones: db.Collection("ot_tombstones"),
		branches:   db.Collection("ot_branches"),
		log:        log,
	}
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "docId", Value: 1}, {Key: "rev", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "docId", Value: 1}, {Key: "id", Value: 1}}},
	}
	if _, err := s.changes.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, fmt.Errorf("serverstore: creating change indexes: %w", err)
	}
	return s, nil
}

func (s *MongoOTStore) Close(ctx context.Context) error { return nil }

func (s *MongoOTStore) DocExists(ctx context.Context, docID string) (bool, error) {
	n, err := s.changes.CountDocuments(ctx, bson.M{"docId": docID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("serverstore: checking doc existence: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	n, err = s.versions.CountDocuments(ctx, bson.M{"docId": docID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("serverstore: checking doc existence: %w", err)
	}
	return n > 0, nil
}

func (s *MongoOTStore) LatestRev(ctx context.Context, docID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "rev", Value: -1}})
	var doc changeDoc
	err := s.changes.FindOne(ctx, bson.M{"docId": docID}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("serverstore: finding latest rev: %w", err)
	}
	return doc.Rev, nil
}

func toChange(d changeDoc) (*change.Change, error) {
	ops, err := decompressOps(d.OpsCompressed)
	if err != nil {
		return nil, err
	}
	return &change.Change{
		ID: d.ID, Ops: ops, Rev: d.Rev, BaseRev: d.BaseRev,
		CreatedAt: d.CreatedAt, CommittedAt: d.CommittedAt,
		Metadata: d.Metadata, BatchID: d.BatchID,
	}, nil
}

func (s *MongoOTStore) LoadChangesSince(ctx context.Context, docID string, rev int64) ([]*change.Change, error) {
	filter := bson.M{"docId": docID, "rev": bson.M{"$gt": rev}}
	return s.findChanges(ctx, filter)
}

func (s *MongoOTStore) LoadChangesInRange(ctx context.Context, docID string, fromRevExclusive, toRevInclusive int64) ([]*change.Change, error) {
	filter := bson.M{"docId": docID, "rev": bson.M{"$gt": fromRevExclusive, "$lte": toRevInclusive}}
	return s.findChanges(ctx, filter)
}

func (s *MongoOTStore) LoadChangesByIDs(ctx context.Context, docID string, ids []string) ([]*change.Change, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.M{"docId": docID, "id": bson.M{"$in": ids}}
	return s.findChanges(ctx, filter)
}

func (s *MongoOTStore) findChanges(ctx context.Context, filter bson.M) ([]*change.Change, error) {
	opts := options.Find().SetSort(bson.D{{Key: "rev", Value: 1}})
	cursor, err := s.changes.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("serverstore: finding changes: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []changeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("serverstore: decoding changes: %w", err)
	}
	out := make([]*change.Change, 0, len(docs))
	for _, d := range docs {
		c, err := toChange(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MongoOTStore) SaveChanges(ctx context.Context, docID string, changes []*change.Change) error {
	if len(changes) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(changes))
	for _, c := range changes {
		compressed, err := compressOps(c.Ops)
		if err != nil {
			return err
		}
		docs = append(docs, changeDoc{
			DocID: docID, ID: c.ID, OpsCompressed: compressed, Rev: c.Rev,
			BaseRev: c.BaseRev, CreatedAt: c.CreatedAt, CommittedAt: c.CommittedAt,
			Metadata: c.Metadata, BatchID: c.BatchID,
		})
	}
	if _, err := s.changes.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("serverstore: inserting changes: %w", err)
	}
	s.log.Debug("persisted committed changes", zap.String("doc_id", docID), zap.Int("count", len(changes)))
	return nil
}

type versionDoc struct {
	DocID      string                 `bson:"docId"`
	ID         string                 `bson:"id"`
	Origin     string                 `bson:"origin"`
	StartedAt  int64                  `bson:"startedAt"`
	EndedAt    int64                  `bson:"endedAt"`
	StartRev   int64                  `bson:"startRev"`
	EndRev     int64                  `bson:"endRev"`
	GroupID    string                 `bson:"groupId,omitempty"`
	ParentID   string                 `bson:"parentId,omitempty"`
	BranchName string                 `bson:"branchName,omitempty"`
	Name       string                 `bson:"name,omitempty"`
	State      interface{}            `bson:"state"`
	Changes    []changeDoc            `bson:"changes"`
	Metadata   map[string]interface{} `bson:"metadata,omitempty"`
}

func toVersionDoc(docID string, v *change.VersionMetadata) (versionDoc, error) {
	changes := make([]changeDoc, 0, len(v.Changes))
	for _, c := range v.Changes {
		compressed, err := compressOps(c.Ops)
		if err != nil {
			return versionDoc{}, err
		}
		changes = append(changes, changeDoc{
			DocID: docID, ID: c.ID, OpsCompressed: compressed, Rev: c.Rev,
			BaseRev: c.BaseRev, CreatedAt: c.CreatedAt, CommittedAt: c.CommittedAt,
			Metadata: c.Metadata, BatchID: c.BatchID,
		})
	}
	return versionDoc{
		DocID: docID, ID: v.ID, Origin: string(v.Origin), StartedAt: v.StartedAt,
		EndedAt: v.EndedAt, StartRev: v.StartRev, EndRev: v.EndRev,
		GroupID: v.GroupID, ParentID: v.ParentID, BranchName: v.BranchName,
		Name: v.Name, State: v.State, Changes: changes, Metadata: v.Metadata,
	}, nil
}

func fromVersionDoc(d versionDoc) (*change.VersionMetadata, error) {
	changes := make([]*change.Change, 0, len(d.Changes))
	for _, cd := range d.Changes {
		c, err := toChange(cd)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return &change.VersionMetadata{
		ID: d.ID, DocID: d.DocID, Origin: change.VersionOrigin(d.Origin),
		StartedAt: d.StartedAt, EndedAt: d.EndedAt, StartRev: d.StartRev, EndRev: d.EndRev,
		GroupID: d.GroupID, ParentID: d.ParentID, BranchName: d.BranchName,
		Name: d.Name, State: d.State, Changes: changes, Metadata: d.Metadata,
	}, nil
}

func (s *MongoOTStore) LoadLatestVersion(ctx context.Context, docID string) (*change.VersionMetadata, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "endRev", Value: -1}})
	var d versionDoc
	err := s.versions.FindOne(ctx, bson.M{"docId": docID}, opts).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("serverstore: finding latest version: %w", err)
	}
	v, err := fromVersionDoc(d)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *MongoOTStore) SaveVersion(ctx context.Context, docID string, v *change.VersionMetadata) error {
	d, err := toVersionDoc(docID, v)
	if err != nil {
		return err
	}
	if _, err := s.versions.InsertOne(ctx, d); err != nil {
		return fmt.Errorf("serverstore: inserting version: %w", err)
	}
	return nil
}

func (s *MongoOTStore) LoadVersionsByGroup(ctx context.Context, docID, groupID string) ([]*change.VersionMetadata, error) {
	opts := options.Find().SetSort(bson.D{{Key: "endRev", Value: 1}})
	cursor, err := s.versions.Find(ctx, bson.M{"docId": docID, "groupId": groupID}, opts)
	if err != nil {
		return nil, fmt.Errorf("serverstore: finding versions by group: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []versionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("serverstore: decoding versions: %w", err)
	}
	out := make([]*change.VersionMetadata, 0, len(docs))
	for _, d := range docs {
		v, err := fromVersionDoc(d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *MongoOTStore) SetTombstone(ctx context.Context, docID string) error {
	_, err := s.tombstones.UpdateOne(ctx, bson.M{"docId": docID}, bson.M{"$set": bson.M{"docId": docID}}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("serverstore: setting tombstone: %w", err)
	}
	return nil
}

func (s *MongoOTStore) IsTombstoned(ctx context.Context, docID string) (bool, error) {
	n, err := s.tombstones.CountDocuments(ctx, bson.M{"docId": docID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("serverstore: checking tombstone: %w", err)
	}
	return n > 0, nil
}

func (s *MongoOTStore) ClearTombstone(ctx context.Context, docID string) error {
	if _, err := s.tombstones.DeleteOne(ctx, bson.M{"docId": docID}); err != nil {
		return fmt.Errorf("serverstore: clearing tombstone: %w", err)
	}
	return nil
}

type branchDoc struct {
	ID            string                 `bson:"id"`
	DocID         string                 `bson:"docId"`
	BranchedAtRev int64                  `bson:"branchedAtRev"`
	CreatedAt     int64                  `bson:"createdAt"`
	Status        string                 `bson:"status"`
	Name          string                 `bson:"name,omitempty"`
	Metadata      map[string]interface{} `bson:"metadata,omitempty"`
}

func (s *MongoOTStore) SaveBranch(ctx context.Context, b *change.Branch) error {
	d := branchDoc{
		ID: b.ID, DocID: b.DocID, BranchedAtRev: b.BranchedAtRev, CreatedAt: b.CreatedAt,
		Status: string(b.Status), Name: b.Name, Metadata: b.Metadata,
	}
	_, err := s.branches.InsertOne(ctx, d)
	if err != nil {
		return fmt.Errorf("serverstore: inserting branch: %w", err)
	}
	return nil
}

func (s *MongoOTStore) LoadBranch(ctx context.Context, branchID string) (*change.Branch, error) {
	var d branchDoc
	err := s.branches.FindOne(ctx, bson.M{"id": branchID}).Decode(&d)
	if err != nil {
		return nil, fmt.Errorf("serverstore: finding branch: %w", err)
	}
	return &change.Branch{
		ID: d.ID, DocID: d.DocID, BranchedAtRev: d.BranchedAtRev, CreatedAt: d.CreatedAt,
		Status: change.BranchStatus(d.Status), Name: d.Name, Metadata: d.Metadata,
	}, nil
}

func (s *MongoOTStore) UpdateBranchStatus(ctx context.Context, branchID string, status change.BranchStatus) error {
	_, err := s.branches.UpdateOne(ctx, bson.M{"id": branchID}, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return fmt.Errorf("serverstore: updating branch status: %w", err)
	}
	return nil
}
