package queue

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
)

var (
	bucketActive = []byte("queue")
	bucketFailed = []byte("failed")
)

var _ Store = (*BoltStore)(nil)

// BoltStore persists queue contents in a bbolt file so pending work survives
// a restart with its priority and submission order intact.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the database file and its buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketActive); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketFailed)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Put stores or updates an active operation keyed by id.
func (s *BoltStore) Put(op Operation) error {
	return s.put(bucketActive, op)
}

// Delete removes an active operation.
func (s *BoltStore) Delete(id string) error {
	return s.delete(bucketActive, id)
}

// PutFailed stores an operation in the failed set.
func (s *BoltStore) PutFailed(op Operation) error {
	return s.put(bucketFailed, op)
}

// DeleteFailed removes an operation from the failed set.
func (s *BoltStore) DeleteFailed(id string) error {
	return s.delete(bucketFailed, id)
}

// Load returns both sets, each sorted by priority then submission order.
func (s *BoltStore) Load() (active, failed []Operation, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		var err error
		if active, err = readBucket(tx, bucketActive); err != nil {
			return err
		}
		failed, err = readBucket(tx, bucketFailed)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load queue: %w", err)
	}

	sortByOrder(active)
	sortByOrder(failed)
	return active, failed, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation %s: %w", op.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(op.ID), data)
	})
}

func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

func readBucket(tx *bbolt.Tx, bucket []byte) ([]Operation, error) {
	var ops []Operation
	err := tx.Bucket(bucket).ForEach(func(_, v []byte) error {
		var op Operation
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("unmarshal operation: %w", err)
		}
		ops = append(ops, op)
		return nil
	})
	return ops, err
}

func sortByOrder(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].Seq < ops[j].Seq
	})
}
