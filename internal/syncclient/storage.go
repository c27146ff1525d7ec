package syncclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

// Snapshot is the durable per-router replica: confirmed records keyed by
// entity id plus the id of the last event folded into them. The two are
// loaded and saved together so a crash never leaves the cursor ahead of
// the data.
type Snapshot struct {
	Items              map[string]json.RawMessage `json:"items"`
	LastAppliedEventID int64                      `json:"lastAppliedEventId"`
}

func emptySnapshot() Snapshot {
	return Snapshot{Items: map[string]json.RawMessage{}}
}

type LocalStore interface {
	Load(router string) (Snapshot, error)
	Save(router string, snapshot Snapshot) error
	Wipe(router string) error
	Close() error
}

// BadgerStore persists snapshots in an embedded Badger database, one key per
// router, written in a single transaction.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func snapshotKey(router string) []byte {
	return []byte("snapshot/" + router)
}

func (s *BadgerStore) Load(router string) (Snapshot, error) {
	snapshot := emptySnapshot()
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(router))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return Snapshot{}, err
	}
	if snapshot.Items == nil {
		snapshot.Items = map[string]json.RawMessage{}
	}
	return snapshot, nil
}

func (s *BadgerStore) Save(router string, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(router), data)
	})
}

func (s *BadgerStore) Wipe(router string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(snapshotKey(router))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// MemoryStore keeps snapshots in process memory. Replicas built on it
// rebuild from the event log on every start.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: map[string][]byte{}}
}

func (s *MemoryStore) Load(router string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.snapshots[router]
	if !ok {
		return emptySnapshot(), nil
	}
	snapshot := emptySnapshot()
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, err
	}
	if snapshot.Items == nil {
		snapshot.Items = map[string]json.RawMessage{}
	}
	return snapshot, nil
}

func (s *MemoryStore) Save(router string, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[router] = data
	return nil
}

func (s *MemoryStore) Wipe(router string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, router)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
