package results

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"marketpulse/internal/db"
	"marketpulse/internal/types"
)

// Repository is the persistence Store needs. *db.ResultRepository
// satisfies it.
type Repository interface {
	Insert(ctx context.Context, rec *types.ResultRecord, payload []byte, enc types.ResultEncoding) error
	ListByTask(ctx context.Context, taskID string) ([]db.StoredResult, error)
}

// Store saves and loads result records with encoded payloads.
type Store struct {
	repo Repository
}

// NewStore wraps repo.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// Save encodes rec.Data and inserts the row, assigning an ID when rec has none.
func (s *Store) Save(ctx context.Context, rec *types.ResultRecord) error {
	if rec.ID == "" {
		rec.ID = "res_" + uuid.NewString()
	}
	payload, enc, err := Encode(rec.Data)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode result payload", err)
	}
	if err := s.repo.Insert(ctx, rec, payload, enc); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// ListByTask returns a task's results with payloads decoded.
func (s *Store) ListByTask(ctx context.Context, taskID string) ([]types.ResultRecord, error) {
	stored, err := s.repo.ListByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("ListByTask: %w", err)
	}
	out := make([]types.ResultRecord, 0, len(stored))
	for _, sr := range stored {
		data, err := Decode(sr.Payload, sr.Encoding)
		if err != nil {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeInternalUnexpected,
				"stored result payload is unreadable", err, map[string]any{"result_id": sr.Record.ID})
		}
		rec := sr.Record
		rec.Data = data
		out = append(out, rec)
	}
	return out, nil
}
