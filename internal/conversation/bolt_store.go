package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"

	"github.com/mihaisavezi/chat-bridge/internal/storage"
)

var bucketConversations = []byte("conversations")

// BoltStore keeps conversations in a bolt bucket as JSON values so
// continuity survives restarts. Malformed values are skipped.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

func NewBoltStore(db *bolt.DB, logger *slog.Logger) (*BoltStore, error) {
	if err := storage.EnsureBucket(db, bucketConversations); err != nil {
		return nil, err
	}
	return &BoltStore{db: db, logger: logger}, nil
}

func (s *BoltStore) Get(key string) (Conversation, bool, error) {
	var (
		c     Conversation
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConversations).Get([]byte(key))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &c); err != nil {
			s.logger.Warn("Skipping malformed conversation", "key", key, "error", err)
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return Conversation{}, false, fmt.Errorf("get conversation: %w", err)
	}

	return c, found, nil
}

func (s *BoltStore) Put(c Conversation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).Put([]byte(c.Key), data)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).Delete([]byte(key))
	})
}

// Range reads all rows in one transaction and calls fn outside it, so fn may
// write to the store.
func (s *BoltStore) Range(fn func(Conversation) bool) error {
	var rows []Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var c Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				s.logger.Warn("Skipping malformed conversation", "key", string(k), "error", err)
				return nil
			}
			rows = append(rows, c)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("range conversations: %w", err)
	}

	for _, c := range rows {
		if !fn(c) {
			break
		}
	}
	return nil
}

// Close is a no-op; the database is shared and closed by its owner.
func (s *BoltStore) Close() error {
	return nil
}
