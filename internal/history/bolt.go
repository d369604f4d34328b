package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/mihaisavezi/chat-bridge/internal/storage"
)

var bucketHistory = []byte("history")

// BoltRecorder appends summaries to a bolt bucket keyed by a sequence
// number, so iteration order is insertion order.
type BoltRecorder struct {
	db *bolt.DB
	// limit caps the number of kept summaries; zero keeps everything.
	limit int
}

func NewBoltRecorder(db *bolt.DB, limit int) (*BoltRecorder, error) {
	if err := storage.EnsureBucket(db, bucketHistory); err != nil {
		return nil, err
	}
	return &BoltRecorder{db: db, limit: limit}, nil
}

func (r *BoltRecorder) Record(_ context.Context, requestID string, s Summary) error {
	s.RequestID = requestID
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next history sequence: %w", err)
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("put summary: %w", err)
		}
		return r.trim(b)
	})
}

// trim drops the oldest summaries beyond the limit.
func (r *BoltRecorder) trim(b *bolt.Bucket) error {
	if r.limit <= 0 {
		return nil
	}

	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}

	for _, k := range keys[:max(len(keys)-r.limit, 0)] {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
	}
	return nil
}

// Recent returns up to n summaries, newest first.
func (r *BoltRecorder) Recent(n int) ([]Summary, error) {
	var out []Summary

	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, v := c.Last(); k != nil && (n <= 0 || len(out) < n); k, v = c.Prev() {
			var s Summary
			if err := json.Unmarshal(v, &s); err != nil {
				continue
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
