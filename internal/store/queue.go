package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Status is the delivery state of a pending record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in-flight"
	StatusFailed    Status = "failed"
	StatusSubmitted Status = "submitted"
)

// Record is a locally created write awaiting delivery.
type Record struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Payload     []byte `json:"payload"`
	CreatedAt   int64  `json:"createdAt"` // unix nanoseconds
	RetryCount  int    `json:"retryCount"`
	Status      Status `json:"status"`
	LastError   string `json:"lastError,omitempty"`
	LastAttempt int64  `json:"lastAttempt,omitempty"`
}

// Queue is the durable pending-write queue. Record ids are UUIDv7, so key
// order in the database is creation order.
type Queue struct {
	db  *leveldb.DB
	log *zap.Logger

	// mu serializes read-modify-write on individual records.
	mu sync.Mutex
}

func newQueue(db *leveldb.DB, log *zap.Logger) (*Queue, error) {
	q := &Queue{db: db, log: log}
	if err := q.recoverInFlight(); err != nil {
		return nil, err
	}
	return q, nil
}

// recoverInFlight requeues records whose submission was interrupted by a
// process exit. The remote side dedups on the record id.
func (q *Queue) recoverInFlight() error {
	recs, err := q.scan()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.Status != StatusInFlight {
			continue
		}
		r.Status = StatusQueued
		if err := q.write(r); err != nil {
			return err
		}
		q.log.Info("requeued interrupted record", zap.String("id", r.ID))
	}
	return nil
}

// Enqueue stores payload and returns the new record id.
func (q *Queue) Enqueue(kind string, payload []byte) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate record id: %w", err)
	}
	r := Record{
		ID:        id.String(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UnixNano(),
		Status:    StatusQueued,
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.write(r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// DequeueAll returns every record eligible for submission, oldest first.
// Records currently in flight are excluded. Nothing is removed.
func (q *Queue) DequeueAll() ([]Record, error) {
	recs, err := q.scan()
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Status != StatusInFlight {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every record including in-flight ones, oldest first.
func (q *Queue) All() ([]Record, error) { return q.scan() }

// Len counts stored records.
func (q *Queue) Len() int {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// Get loads one record.
func (q *Queue) Get(id string) (Record, error) {
	b, err := q.db.Get(recordKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read record %s: %w", id, err)
	}
	var r Record
	if err := decodeGob(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r, nil
}

// MarkInFlight claims a record for submission. It reports false when the
// record is gone or already claimed by another drain.
func (q *Queue) MarkInFlight(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.Get(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.Status == StatusInFlight {
		return false, nil
	}
	r.Status = StatusInFlight
	r.LastAttempt = time.Now().UnixNano()
	if err := q.write(r); err != nil {
		return false, err
	}
	return true, nil
}

// MarkFailed records a failed attempt and returns the record to the queue.
func (q *Queue) MarkFailed(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.Get(id)
	if err != nil {
		return err
	}
	r.RetryCount++
	r.Status = StatusFailed
	if cause != nil {
		r.LastError = cause.Error()
	}
	return q.write(r)
}

// Release returns a claimed record to the queue without counting an attempt.
func (q *Queue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.Status = StatusQueued
	return q.write(r)
}

// Remove deletes a record. It reports whether the record existed, so a
// second removal of the same id is a no-op.
func (q *Queue) Remove(id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := recordKey(id)
	ok, err := q.db.Has(k, nil)
	if err != nil {
		return false, fmt.Errorf("check record %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	if err := q.db.Delete(k, syncWrite); err != nil {
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	return true, nil
}

func (q *Queue) scan() ([]Record, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(prefixRecord)), nil)
	defer it.Release()
	var out []Record
	for it.Next() {
		var r Record
		if err := decodeGob(it.Value(), &r); err != nil {
			q.log.Warn("skipping unreadable record", zap.ByteString("key", it.Key()), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	return out, nil
}

func (q *Queue) write(r Record) error {
	b, err := encodeGob(r)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	if err := q.db.Put(recordKey(r.ID), b, syncWrite); err != nil {
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	return nil
}

func recordKey(id string) []byte { return []byte(prefixRecord + id) }
