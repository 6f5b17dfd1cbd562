package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	positionsBucket = []byte("positions")
	movesBucket     = []byte("moves")
	moveIndexBucket = []byte("move_index")
	plansBucket     = []byte("plans")
)

// BoltStore is a single-file Store for hosts without a database server.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{positionsBucket, movesBucket, moveIndexBucket, plansBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	js, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, js)
}

func (s *BoltStore) SavePosition(ctx context.Context, pos *Position) error {
	if pos.ID == uuid.Nil {
		pos.ID = uuid.New()
	}
	if pos.SavedAt.IsZero() {
		pos.SavedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(positionsBucket), []byte(pos.ID.String()), pos)
	})
}

func (s *BoltStore) GetPosition(ctx context.Context, id uuid.UUID) (*Position, error) {
	var pos Position
	err := s.db.View(func(tx *bolt.Tx) error {
		js := tx.Bucket(positionsBucket).Get([]byte(id.String()))
		if js == nil {
			return fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(js, &pos)
	})
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *BoltStore) ListPositions(ctx context.Context) ([]Position, error) {
	positions := make([]Position, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(positionsBucket).ForEach(func(_, js []byte) error {
			var pos Position
			if err := json.Unmarshal(js, &pos); err != nil {
				return err
			}
			positions = append(positions, pos)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].SavedAt.After(positions[j].SavedAt)
	})
	return positions, nil
}

func (s *BoltStore) DeletePosition(ctx context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(positionsBucket)
		key := []byte(id.String())
		if b.Get(key) == nil {
			return fmt.Errorf("position %s: %w", id, ErrNotFound)
		}
		return b.Delete(key)
	})
}

// RecordMove appends rec under a sequence key so history iterates in
// insertion order. Recording the same ID again updates it in place.
func (s *BoltStore) RecordMove(ctx context.Context, rec *MoveRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		moves := tx.Bucket(movesBucket)
		index := tx.Bucket(moveIndexBucket)
		idKey := []byte(rec.ID.String())

		key := index.Get(idKey)
		if key == nil {
			seq, err := moves.NextSequence()
			if err != nil {
				return err
			}
			key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := index.Put(idKey, key); err != nil {
				return err
			}
		}
		return putJSON(moves, key, rec)
	})
}

func (s *BoltStore) ListMoves(ctx context.Context, positioner string, limit int) ([]MoveRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	records := make([]MoveRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(movesBucket).Cursor()
		for k, js := c.Last(); k != nil && len(records) < limit; k, js = c.Prev() {
			var rec MoveRecord
			if err := json.Unmarshal(js, &rec); err != nil {
				return err
			}
			if positioner != "" && rec.Positioner != positioner {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list moves: %w", err)
	}
	return records, nil
}

// SavePlan stores plan, replacing an older plan with the same name.
func (s *BoltStore) SavePlan(ctx context.Context, plan *Plan) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(plansBucket)
		err := b.ForEach(func(k, js []byte) error {
			var existing Plan
			if err := json.Unmarshal(js, &existing); err != nil {
				return err
			}
			if existing.Name == plan.Name && existing.ID != plan.ID {
				plan.ID = existing.ID
				plan.CreatedAt = existing.CreatedAt
			}
			return nil
		})
		if err != nil {
			return err
		}
		if plan.ID == uuid.Nil {
			plan.ID = uuid.New()
		}
		if plan.CreatedAt.IsZero() {
			plan.CreatedAt = now
		}
		plan.UpdatedAt = now
		return putJSON(b, []byte(plan.ID.String()), plan)
	})
}

func (s *BoltStore) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var plan Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		js := tx.Bucket(plansBucket).Get([]byte(id.String()))
		if js == nil {
			return fmt.Errorf("plan %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(js, &plan)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *BoltStore) ListPlans(ctx context.Context) ([]Plan, error) {
	plans := make([]Plan, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(plansBucket).ForEach(func(_, js []byte) error {
			var plan Plan
			if err := json.Unmarshal(js, &plan); err != nil {
				return err
			}
			plans = append(plans, plan)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Name < plans[j].Name })
	return plans, nil
}
