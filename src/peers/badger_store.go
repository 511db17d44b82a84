package peers

import (
	"encoding/json"

	"github.com/dgraph-io/badger"
)

// BadgerStore persists peer records in a Badger database. Records are stored
// as JSON values keyed by node ID.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens, or creates, the database under path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

// Path returns the database directory.
func (s *BadgerStore) Path() string {
	return s.path
}

// Set implements the Store interface.
func (s *BadgerStore) Set(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rec.NodeID), val)
	})
}

// Get implements the Store interface.
func (s *BadgerStore) Get(nodeID string) (Record, bool, error) {
	var rec Record
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(nodeID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})

	return rec, found, err
}

// All implements the Store interface.
func (s *BadgerStore) All() ([]Record, error) {
	res := []Record{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			res = append(res, rec)
		}
		return nil
	})

	return res, err
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
