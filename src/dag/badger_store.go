package dag

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger"
)

const (
	nodePrefix = "node"
	topoPrefix = "topo"
)

// BadgerStore is a persistent implementation of the Store interface, layered
// over an InmemStore which absorbs reads. Writes go to both.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore creates a brand new BadgerStore with a fresh database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}, nil
}

// LoadBadgerStore creates a BadgerStore from an existing database, reading
// every persisted node back into the in-memory layer in topological order.
func LoadBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}

	if err := store.dbLoadNodes(); err != nil {
		store.db.Close()
		return nil, err
	}

	return store, nil
}

// LoadOrCreateBadgerStore loads an existing database or creates a new one.
func LoadOrCreateBadgerStore(path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(path)
	if err != nil {
		store, err = NewBadgerStore(path)
		if err != nil {
			return nil, err
		}
	}

	return store, nil
}

/* Keys */

func nodeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", nodePrefix, id))
}

func topoKey(index int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", topoPrefix, index))
}

/* Store interface */

// SetNode implements the Store interface.
func (s *BadgerStore) SetNode(node *Node) error {
	index := s.inmemStore.Len()

	if err := s.inmemStore.SetNode(node); err != nil {
		return err
	}

	raw, err := node.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(nodeKey(node.ID), raw); err != nil {
			return err
		}
		return txn.Set(topoKey(index), []byte(node.ID))
	})
}

// GetNode implements the Store interface. Reads are served from the in-memory
// layer and fall back to the database.
func (s *BadgerStore) GetNode(id string) (*Node, error) {
	node, err := s.inmemStore.GetNode(id)
	if err == nil {
		return node, nil
	}

	return s.dbGetNode(id)
}

// TopologicalNodes implements the Store interface.
func (s *BadgerStore) TopologicalNodes() ([]*Node, error) {
	return s.inmemStore.TopologicalNodes()
}

// Len implements the Store interface.
func (s *BadgerStore) Len() int {
	return s.inmemStore.Len()
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

/* Database access */

func (s *BadgerStore) dbGetNode(id string) (*Node, error) {
	var raw []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nodeKey(id))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, NewValidationErr(NodeNotFound, id)
	}

	node := new(Node)
	if err := node.Unmarshal(raw); err != nil {
		return nil, err
	}

	return node, nil
}

// dbLoadNodes walks the topological index and replays every node into the
// in-memory layer.
func (s *BadgerStore) dbLoadNodes() error {
	ids := []string{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(topoPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(val))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range ids {
		node, err := s.dbGetNode(id)
		if err != nil {
			return err
		}
		if err := s.inmemStore.SetNode(node); err != nil {
			return err
		}
	}

	return nil
}
