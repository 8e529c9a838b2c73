package types

import "time"

// ScheduleEntry is one delivery attempt for one step of a campaign.
// One row exists per campaign step; rows are never deleted except by
// cancellation, which only touches rows that have not started sending.
type ScheduleEntry struct {
	ID         string  `json:"id"`
	CampaignID string  `json:"campaign_id"`
	TenantID   string  `json:"tenant_id"`
	BrandID    *string `json:"brand_id,omitempty"`

	StepIndex int       `json:"step_index"`
	SendAt    time.Time `json:"send_at"`
	// Timezone is for display only; all comparisons use SendAt.
	Timezone string `json:"timezone"`

	Status       ScheduleStatus `json:"status"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`

	RecipientCount int `json:"recipient_count"`
	SentCount      int `json:"sent_count"`
	FailedCount    int `json:"failed_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleStep is the caller-supplied description of one campaign step.
type ScheduleStep struct {
	StepIndex      int       `json:"step_index" validate:"gte=0"`
	SendAt         time.Time `json:"send_at" validate:"required"`
	Timezone       string    `json:"timezone"`
	RecipientCount int       `json:"recipient_count" validate:"gte=0"`
	// MaxRetries overrides the configured default when set; 0 means the
	// first failure is final.
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

// ScheduleUpdate carries optional metadata for UpdateScheduleStatus.
type ScheduleUpdate struct {
	ErrorMessage string `json:"error_message,omitempty"`
	SentCount    *int   `json:"sent_count,omitempty"`
	FailedCount  *int   `json:"failed_count,omitempty"`
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	TenantID   string
	CampaignID string
	Status     ScheduleStatus
	Limit      int
	Offset     int
}

// Task is one agent invocation processed by the router/executor pipeline.
type Task struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	BrandID  *string  `json:"brand_id,omitempty"`
	TaskType TaskType `json:"task_type"`
	Payload  JSONMap  `json:"payload"`

	Status       TaskStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ResultRecord is one output row associated with a Task.
type ResultRecord struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	TenantID        string     `json:"tenant_id"`
	ResultType      ResultType `json:"result_type"`
	Data            JSONMap    `json:"data"`
	Cost            float64    `json:"cost"`
	CostSource      CostSource `json:"cost_source"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TaskCostRow is the projection of a task used by cost accounting.
type TaskCostRow struct {
	TaskID   string
	TaskType TaskType
	Status   TaskStatus
}

// AnalyticsMetrics is the set of counters a delivery event reports for one
// campaign on one day.
type AnalyticsMetrics struct {
	EmailsSent       int     `json:"emails_sent" validate:"gte=0"`
	EmailsDelivered  int     `json:"emails_delivered" validate:"gte=0"`
	EmailsOpened     int     `json:"emails_opened" validate:"gte=0"`
	UniqueOpens      int     `json:"unique_opens" validate:"gte=0"`
	EmailsClicked    int     `json:"emails_clicked" validate:"gte=0"`
	UniqueClicks     int     `json:"unique_clicks" validate:"gte=0"`
	Unsubscribes     int     `json:"unsubscribes" validate:"gte=0"`
	Bounces          int     `json:"bounces" validate:"gte=0"`
	SpamReports      int     `json:"spam_reports" validate:"gte=0"`
	RevenueGenerated float64 `json:"revenue_generated" validate:"gte=0"`
	Conversions      int     `json:"conversions" validate:"gte=0"`
}

// AnalyticsRecord is the daily rollup row, unique on (CampaignID, Date).
type AnalyticsRecord struct {
	CampaignID string    `json:"campaign_id"`
	TenantID   string    `json:"tenant_id"`
	Date       time.Time `json:"date"`
	AnalyticsMetrics

	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	BounceRate      float64 `json:"bounce_rate"`
	UnsubscribeRate float64 `json:"unsubscribe_rate"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TenantContext is the read-only tenant record used by payload builders.
type TenantContext struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Industry *string `json:"industry,omitempty"`
	Website  *string `json:"website,omitempty"`
	Locale   *string `json:"locale,omitempty"`
}

// BrandContext is the read-only brand record used by payload builders.
type BrandContext struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	Name           string   `json:"name"`
	Tone           *string  `json:"tone,omitempty"`
	Audience       *string  `json:"audience,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	ValueProps     []string `json:"value_props,omitempty"`
	Competitors    []string `json:"competitors,omitempty"`
	PrimaryChannel *string  `json:"primary_channel,omitempty"`
}

// RetryState is what the store reports after atomically recording a failure.
type RetryState struct {
	// Requeued is true when the row went back to pending for another attempt.
	Requeued    bool       `json:"requeued"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// RecoveredRow is one in-flight row that a stale sweep pushed back through
// the retry path.
type RecoveredRow struct {
	ID string `json:"id"`
	RetryState
}

// BatchError names the job a batch could not process and why.
type BatchError struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// SyntheticBatchJobID labels the single error a batch reports when it could
// not fetch its due set at all.
const SyntheticBatchJobID = "batch"
