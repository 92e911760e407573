package clientstore

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"docsync/change"
)

// BadgerOTStore implements OTStore over an embedded badger/v4 database,
// grounded on nodestorage/v2/cache.BadgerCache's db.Update/db.View pattern,
// generalized from a single cached-document keyspace to the OT client's
// five keyspaces (doc, snapshot, committed, pending, deleted).
type BadgerOTStore struct {
	db *badger.DB
}

// OpenBadgerOTStore opens (creating if absent) a badger database at path.
func OpenBadgerOTStore(path string) (*BadgerOTStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clientstore: opening badger ot store: %w", err)
	}
	return &BadgerOTStore{db: db}, nil
}

func (s *BadgerOTStore) Close() error { return s.db.Close() }

func (s *BadgerOTStore) LoadDoc(docID string) (int64, bool, error) {
	var rev int64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(prefixOTDoc, docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rev)
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("clientstore: loading doc %s: %w", docID, err)
	}
	return rev, found, nil
}

func (s *BadgerOTStore) SaveDoc(docID string, committedRev int64) error {
	val, err := json.Marshal(committedRev)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(prefixOTDoc, docID), val)
	})
}

func (s *BadgerOTStore) SetCommittedRev(docID string, rev int64) error {
	return s.SaveDoc(docID, rev)
}

func (s *BadgerOTStore) MarkDeleted(docID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(prefixOTDeleted, docID), []byte{1})
	})
}

func (s *BadgerOTStore) IsDeleted(docID string) (bool, error) {
	deleted := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(prefixOTDeleted, docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *BadgerOTStore) LoadSnapshot(docID string) (*change.Snapshot, bool, error) {
	var snap change.Snapshot
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(prefixOTSnapshot, docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("clientstore: loading snapshot %s: %w", docID, err)
	}
	if !found {
		return nil, false, nil
	}
	return &snap, true, nil
}

func (s *BadgerOTStore) SaveSnapshot(docID string, snapshot *change.Snapshot) error {
	val, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(prefixOTSnapshot, docID), val)
	})
}

func (s *BadgerOTStore) SaveCommittedChanges(docID string, changes []*change.Change) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, c := range changes {
			val, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := txn.Set(revKey(prefixOTCommitted, docID, c.Rev), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerOTStore) LoadCommittedChanges(docID string, sinceRev int64) ([]*change.Change, error) {
	var out []*change.Change
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := scanPrefix(prefixOTCommitted, docID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var c change.Change
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			if c.Rev > sinceRev {
				out = append(out, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clientstore: loading committed changes %s: %w", docID, err)
	}
	return out, nil
}

func (s *BadgerOTStore) SavePendingChanges(docID string, changes []*change.Change) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, c := range changes {
			val, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := txn.Set(revKey(prefixOTPending, docID, c.Rev), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerOTStore) LoadPendingChanges(docID string) ([]*change.Change, error) {
	var out []*change.Change
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := scanPrefix(prefixOTPending, docID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var c change.Change
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return err
			}
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clientstore: loading pending changes %s: %w", docID, err)
	}
	return out, nil
}

func (s *BadgerOTStore) ReplacePendingChanges(docID string, changes []*change.Change) error {
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := scanPrefix(prefixOTPending, docID)
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			toDelete = append(toDelete, key)
		}
		it.Close()
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, c := range changes {
			val, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := txn.Set(revKey(prefixOTPending, docID, c.Rev), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerOTStore) RemovePendingChanges(docID string, changeIDs []string) error {
	ids := make(map[string]bool, len(changeIDs))
	for _, id := range changeIDs {
		ids[id] = true
	}
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := scanPrefix(prefixOTPending, docID)
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var c change.Change
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				it.Close()
				return err
			}
			if ids[c.ID] {
				toDelete = append(toDelete, item.KeyCopy(nil))
			}
		}
		it.Close()
		for _, key := range toDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
