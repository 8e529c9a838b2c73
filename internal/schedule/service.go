// Package schedule owns the campaign send lifecycle:
//
//	pending -> queued -> sending -> sent | failed
//	failed  -> pending   while retries remain (done by the store in one write)
//	pending | queued -> cancelled
//	queued | sending -> pending | failed   when left in flight (RecoverStale)
//
// Every transition is a conditional write in the store, so concurrent
// dispatchers and cancellations cannot corrupt a row.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"marketpulse/internal/retry"
	"marketpulse/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the persistence the state machine needs. *db.ScheduleRepository
// satisfies it.
type Store interface {
	retry.FailureStore
	retry.StaleStore
	FailWithRetryCounts(ctx context.Context, id, reason string, failedCount *int, nextRetryAt time.Time) (types.RetryState, bool, error)
	CreateBatch(ctx context.Context, entries []*types.ScheduleEntry) error
	GetByID(ctx context.Context, id string) (*types.ScheduleEntry, error)
	ListByCampaign(ctx context.Context, campaignID string) ([]*types.ScheduleEntry, error)
	List(ctx context.Context, f types.ScheduleFilter) ([]*types.ScheduleEntry, error)
	GetDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduleEntry, error)
	Transition(ctx context.Context, id string, from, to types.ScheduleStatus) (bool, error)
	MarkSent(ctx context.Context, id string, sentCount, failedCount *int) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	CancelCampaign(ctx context.Context, campaignID string) (int64, error)
}

// CreateRequest describes a campaign's steps to schedule.
type CreateRequest struct {
	CampaignID string               `json:"campaign_id" validate:"required"`
	TenantID   string               `json:"tenant_id" validate:"required"`
	BrandID    *string              `json:"brand_id,omitempty"`
	Steps      []types.ScheduleStep `json:"steps" validate:"dive"`
}

// Service implements the schedule lifecycle operations.
type Service struct {
	store    Store
	retries  *retry.Controller
	policy   retry.Policy
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the state machine to store. policy supplies the default
// max retries for new rows and the fixed delay between attempts.
func NewService(store Store, policy retry.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		retries:  retry.NewController(store, policy, "schedule", types.NewSlogLogger(logger)),
		policy:   policy,
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// CreateSchedule inserts one pending entry per step. An empty step list is a
// no-op and returns an empty slice.
func (s *Service) CreateSchedule(ctx context.Context, req CreateRequest) ([]*types.ScheduleEntry, error) {
	if len(req.Steps) == 0 {
		return []*types.ScheduleEntry{}, nil
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidField, "invalid schedule request", err)
	}

	seen := make(map[int]bool, len(req.Steps))
	entries := make([]*types.ScheduleEntry, 0, len(req.Steps))
	for _, step := range req.Steps {
		if seen[step.StepIndex] {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
				"duplicate step index", nil, map[string]any{"step_index": step.StepIndex})
		}
		seen[step.StepIndex] = true

		maxRetries := s.policy.MaxRetries
		if step.MaxRetries != nil {
			maxRetries = *step.MaxRetries
		}
		tz := strings.TrimSpace(step.Timezone)
		if tz == "" {
			tz = "UTC"
		}
		entries = append(entries, &types.ScheduleEntry{
			ID:             "sch_" + uuid.NewString(),
			CampaignID:     req.CampaignID,
			TenantID:       req.TenantID,
			BrandID:        req.BrandID,
			StepIndex:      step.StepIndex,
			SendAt:         step.SendAt.UTC(),
			Timezone:       tz,
			Status:         types.ScheduleStatusPending,
			MaxRetries:     maxRetries,
			RecipientCount: step.RecipientCount,
		})
	}

	if err := s.store.CreateBatch(ctx, entries); err != nil {
		return nil, fmt.Errorf("CreateSchedule: %w", err)
	}

	s.logger.InfoContext(ctx, "campaign scheduled",
		"campaign_id", req.CampaignID,
		"tenant_id", req.TenantID,
		"steps", len(entries),
	)
	return entries, nil
}

// GetSchedule returns one entry.
func (s *Service) GetSchedule(ctx context.Context, id string) (*types.ScheduleEntry, error) {
	return s.store.GetByID(ctx, id)
}

// GetSchedulesByCampaign returns a campaign's steps in step order.
func (s *Service) GetSchedulesByCampaign(ctx context.Context, campaignID string) ([]*types.ScheduleEntry, error) {
	if campaignID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "campaign id is required", nil)
	}
	return s.store.ListByCampaign(ctx, campaignID)
}

// ListSchedules returns a page of entries. Limit defaults to 50, capped at 500.
func (s *Service) ListSchedules(ctx context.Context, f types.ScheduleFilter) ([]*types.ScheduleEntry, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidLimit, "limit and offset must be non-negative", nil)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			"unknown schedule status", nil, map[string]any{"status": string(f.Status)})
	}
	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}
	f.Limit = min(f.Limit, maxListLimit)
	return s.store.List(ctx, f)
}

// GetDueSchedules returns at most limit pending entries due now, earliest
// send time first.
func (s *Service) GetDueSchedules(ctx context.Context, limit int) ([]*types.ScheduleEntry, error) {
	if limit <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidLimit, "limit must be positive", nil)
	}
	return s.store.GetDue(ctx, s.now().UTC(), limit)
}

// UpdateScheduleStatus applies one lifecycle transition. A failed status
// goes through the retry controller: the entry returns to pending with a
// later next_retry_at while retries remain and stays failed otherwise. A
// transition the entry's current status does not allow returns a
// conflict_invalid_transition error and changes nothing.
func (s *Service) UpdateScheduleStatus(ctx context.Context, id string, status types.ScheduleStatus, meta types.ScheduleUpdate) (*types.ScheduleEntry, error) {
	var (
		applied bool
		err     error
	)

	switch status {
	case types.ScheduleStatusQueued:
		applied, err = s.store.Transition(ctx, id, types.ScheduleStatusPending, types.ScheduleStatusQueued)
	case types.ScheduleStatusSending:
		applied, err = s.store.Transition(ctx, id, types.ScheduleStatusQueued, types.ScheduleStatusSending)
	case types.ScheduleStatusSent:
		applied, err = s.store.MarkSent(ctx, id, meta.SentCount, meta.FailedCount)
	case types.ScheduleStatusFailed:
		applied, err = s.recordFailure(ctx, id, meta)
	case types.ScheduleStatusCancelled:
		if err := s.CancelSchedule(ctx, id); err != nil {
			return nil, err
		}
		return s.store.GetByID(ctx, id)
	case types.ScheduleStatusPending:
		return nil, types.NewAppError(types.ErrCodeConflictInvalidTransition,
			"entries return to pending only through a retry", nil)
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
			"unknown schedule status", nil, map[string]any{"status": string(status)})
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateScheduleStatus: %w", err)
	}
	if !applied {
		return nil, s.rejected(ctx, id, status)
	}
	return s.store.GetByID(ctx, id)
}

func (s *Service) recordFailure(ctx context.Context, id string, meta types.ScheduleUpdate) (bool, error) {
	reason := meta.ErrorMessage
	if reason == "" {
		reason = "send failed without a reported reason"
	}
	out, err := s.retries.RecordFailureWith(ctx, id, reason,
		func(ctx context.Context, next time.Time) (types.RetryState, bool, error) {
			return s.store.FailWithRetryCounts(ctx, id, reason, meta.FailedCount, next)
		})
	if err != nil {
		return false, err
	}
	return out.Applied, nil
}

// RecoverStale fails every queued or sending entry untouched for olderThan
// through the retry path. A recovered sending entry may already have been
// handed to the queue, so delivery is at-least-once.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) ([]types.RecoveredRow, error) {
	return s.retries.RecoverStale(ctx, s.store, olderThan)
}

// CancelSchedule cancels a pending or queued entry. For any other status it
// returns conflict_invalid_transition and the entry is left as it was; a
// caller that lost a race with the dispatcher sees the same error.
func (s *Service) CancelSchedule(ctx context.Context, id string) error {
	ok, err := s.store.Cancel(ctx, id)
	if err != nil {
		return fmt.Errorf("CancelSchedule: %w", err)
	}
	if !ok {
		return s.rejected(ctx, id, types.ScheduleStatusCancelled)
	}
	s.logger.InfoContext(ctx, "schedule cancelled", "schedule_id", id)
	return nil
}

// CancelCampaign cancels every step of a campaign that has not started
// sending and returns how many were cancelled.
func (s *Service) CancelCampaign(ctx context.Context, campaignID string) (int64, error) {
	if campaignID == "" {
		return 0, types.NewAppError(types.ErrCodeValidationMissingField, "campaign id is required", nil)
	}
	n, err := s.store.CancelCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("CancelCampaign: %w", err)
	}
	s.logger.InfoContext(ctx, "campaign cancelled", "campaign_id", campaignID, "cancelled", n)
	return n, nil
}

// rejected explains a conditional write that matched no row: either the
// entry does not exist or its status forbids the transition.
func (s *Service) rejected(ctx context.Context, id string, to types.ScheduleStatus) error {
	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return types.NewAppErrorWithDetails(types.ErrCodeConflictInvalidTransition,
		fmt.Sprintf("schedule in status %s cannot move to %s", current.Status, to), nil,
		map[string]any{"schedule_id": id, "from": string(current.Status), "to": string(to)})
}
