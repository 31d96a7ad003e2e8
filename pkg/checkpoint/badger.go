package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "checkpoint/"

// BadgerStore keeps checkpoints in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (creating if needed) a badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger checkpoint directory is required")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open badger checkpoint store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(chapterID string) ([]byte, error) {
	if err := validateChapterID(chapterID); err != nil {
		return nil, err
	}
	return []byte(badgerKeyPrefix + chapterID), nil
}

// Save writes the checkpoint.
func (s *BadgerStore) Save(ctx context.Context, checkpoint *ChapterCheckpoint) error {
	key, err := badgerKey(checkpoint.ChapterID)
	if err != nil {
		return fmt.Errorf("invalid chapter ID: %w", err)
	}

	checkpoint.LastUpdatedAt = time.Now()
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for chapterID, or nil if there is none.
func (s *BadgerStore) Load(ctx context.Context, chapterID string) (*ChapterCheckpoint, error) {
	key, err := badgerKey(chapterID)
	if err != nil {
		return nil, fmt.Errorf("invalid chapter ID: %w", err)
	}

	var data []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var checkpoint ChapterCheckpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// Delete removes the checkpoint for chapterID.
func (s *BadgerStore) Delete(ctx context.Context, chapterID string) error {
	key, err := badgerKey(chapterID)
	if err != nil {
		return fmt.Errorf("invalid chapter ID: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns every stored checkpoint. Undecodable entries are skipped.
func (s *BadgerStore) List(ctx context.Context) ([]*ChapterCheckpoint, error) {
	var checkpoints []*ChapterCheckpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var checkpoint ChapterCheckpoint
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &checkpoint)
			})
			if err != nil {
				continue
			}
			checkpoints = append(checkpoints, &checkpoint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Close closes the badger database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
