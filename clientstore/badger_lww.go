package clientstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"docsync/change"
)

// BadgerLWWStore implements LWWStore, sharing the doc/snapshot/deleted
// keyspaces' shape with BadgerOTStore but under the lww/ prefix family so
// the two can share one badger handle (spec §5, §6 "LWW client").
type BadgerLWWStore struct {
	db *badger.DB
}

// OpenBadgerLWWStore opens (creating if absent) a badger database at path.
func OpenBadgerLWWStore(path string) (*BadgerLWWStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clientstore: opening badger lww store: %w", err)
	}
	return &BadgerLWWStore{db: db}, nil
}

// OpenBadgerLWWStoreSharing adapts an already-open badger handle so an OT
// store and an LWW store can share one IndexedDBStore-style database
// instance via disjoint key prefixes (spec §5).
func OpenBadgerLWWStoreSharing(db *badger.DB) *BadgerLWWStore {
	return &BadgerLWWStore{db: db}
}

func (s *BadgerLWWStore) Close() error { return s.db.Close() }

func (s *BadgerLWWStore) LoadDoc(docID string) (int64, bool, error) {
	var rev int64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(prefixLWWDoc, docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &rev) })
	})
	if err != nil {
		return 0, false, fmt.Errorf("clientstore: loading doc %s: %w", docID, err)
	}
	return rev, found, nil
}

func (s *BadgerLWWStore) SaveDoc(docID string, committedRev int64) error {
	val, err := json.Marshal(committedRev)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(prefixLWWDoc, docID), val)
	})
}

func (s *BadgerLWWStore) MarkDeleted(docID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(prefixLWWDeleted, docID), []byte{1})
	})
}

func (s *BadgerLWWStore) IsDeleted(docID string) (bool, error) {
	deleted := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(docKey(prefixLWWDeleted, docID))
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

func (s *BadgerLWWStore) LoadSnapshot(docID string) (*change.Snapshot, bool, error) {
	var snap change.Snapshot
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(prefixLWWSnapshot, docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &snap) })
	})
	if err != nil {
		return nil, false, fmt.Errorf("clientstore: loading snapshot %s: %w", docID, err)
	}
	if !found {
		return nil, false, nil
	}
	return &snap, true, nil
}

func (s *BadgerLWWStore) SaveSnapshot(docID string, snapshot *change.Snapshot) error {
	val, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(prefixLWWSnapshot, docID), val)
	})
}

func (s *BadgerLWWStore) saveOpsAt(prefix, docID string, ops map[string]*change.LWWOp) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for path, op := range ops {
			val, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := txn.Set(pathKey(prefix, docID, path), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerLWWStore) loadOpsAt(prefix, docID string) (map[string]*change.LWWOp, error) {
	out := make(map[string]*change.LWWOp)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		scanPfx := scanPrefix(prefix, docID)
		for it.Seek(scanPfx); it.ValidForPrefix(scanPfx); it.Next() {
			item := it.Item()
			var op change.LWWOp
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &op) }); err != nil {
				return err
			}
			path := strings.TrimPrefix(string(item.Key()), string(scanPfx))
			cp := op
			out[path] = &cp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clientstore: loading ops %s: %w", docID, err)
	}
	return out, nil
}

func (s *BadgerLWWStore) SaveCommittedOps(docID string, ops map[string]*change.LWWOp) error {
	return s.saveOpsAt(prefixLWWCommitted, docID, ops)
}

func (s *BadgerLWWStore) LoadCommittedOps(docID string) (map[string]*change.LWWOp, error) {
	return s.loadOpsAt(prefixLWWCommitted, docID)
}

func (s *BadgerLWWStore) SavePendingOps(docID string, ops map[string]*change.LWWOp) error {
	return s.saveOpsAt(prefixLWWPending, docID, ops)
}

func (s *BadgerLWWStore) LoadPendingOps(docID string) (map[string]*change.LWWOp, error) {
	return s.loadOpsAt(prefixLWWPending, docID)
}

func (s *BadgerLWWStore) ClearPendingOps(docID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := scanPrefix(prefixLWWPending, docID)
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			toDelete = append(toDelete, it.Item().KeyCopy(nil))
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

func (s *BadgerLWWStore) SaveSendingChange(docID string, c *change.Change) error {
	val, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(prefixLWWSending, docID), val)
	})
}

func (s *BadgerLWWStore) LoadSendingChange(docID string) (*change.Change, bool, error) {
	var c change.Change
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(prefixLWWSending, docID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &c) })
	})
	if err != nil {
		return nil, false, fmt.Errorf("clientstore: loading sending change %s: %w", docID, err)
	}
	if !found {
		return nil, false, nil
	}
	return &c, true, nil
}

func (s *BadgerLWWStore) ClearSendingChange(docID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(prefixLWWSending, docID))
	})
}
