package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"
)

// Record wraps a decoded entity with its storage metadata.
type Record struct {
	Key       Key
	Kind      Kind
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Entity    Entity
}

// Query describes one range scan. Partition is required; at most one of
// SortPrefix or SortFrom/SortTo should be set. Index scans the secondary
// index instead of the primary key.
type Query struct {
	Partition  string
	SortPrefix string
	SortFrom   string
	SortTo     string
	Index      bool
	Descending bool
	Limit      int
}

// Store is the single shared table every component persists through.
//
// Writes are atomic per item; there is no cross-entity transaction. Query
// returns a lazy, order-preserving sequence that re-reads current state on
// each call and is not restartable.
type Store interface {
	// Put upserts unconditionally, bumping the version.
	Put(ctx context.Context, e Entity) error
	// Create inserts only if the key is absent; ErrConflict otherwise.
	Create(ctx context.Context, e Entity) error
	// Get returns the record at key, or ErrNotFound.
	Get(ctx context.Context, key Key) (Record, error)
	// Query range-scans one partition.
	Query(ctx context.Context, q Query) iter.Seq2[Record, error]
	// Update writes only if the stored version matches expectedVersion;
	// ErrVersionConflict otherwise.
	Update(ctx context.Context, e Entity, expectedVersion int64) error
}

// Collect drains a query sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeEntity(e Entity) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EntityKind(), err)
	}
	return payload, nil
}

func decodeEntity(kind Kind, payload []byte) (Entity, error) {
	var (
		e   Entity
		err error
	)
	switch kind {
	case KindTrackedPick:
		e, err = decodeAs[TrackedPick](payload)
	case KindMember:
		e, err = decodeAs[Member](payload)
	case KindDisclosedTrade:
		e, err = decodeAs[DisclosedTrade](payload)
	case KindMoodSnapshot:
		e, err = decodeAs[MoodSnapshot](payload)
	case KindMoodPrediction:
		e, err = decodeAs[MoodPrediction](payload)
	case KindEarningsEvent:
		e, err = decodeAs[EarningsEvent](payload)
	case KindEarningsPrediction:
		e, err = decodeAs[EarningsPrediction](payload)
	case KindGame:
		e, err = decodeAs[Game](payload)
	case KindUserStats:
		e, err = decodeAs[UserStats](payload)
	case KindLeaderboardEntry:
		e, err = decodeAs[LeaderboardEntry](payload)
	case KindIdemRecord:
		e, err = decodeAs[IdemRecord](payload)
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return e, nil
}

func decodeAs[T Entity](payload []byte) (Entity, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
