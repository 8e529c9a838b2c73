package types

// ScheduleStatus is the lifecycle state of a ScheduleEntry.
//
//	pending -> queued -> sending -> sent | failed
//	failed  -> pending (retry re-entry while retries remain)
//	pending | queued -> cancelled
type ScheduleStatus string

const (
	ScheduleStatusPending   ScheduleStatus = "pending"
	ScheduleStatusQueued    ScheduleStatus = "queued"
	ScheduleStatusSending   ScheduleStatus = "sending"
	ScheduleStatusSent      ScheduleStatus = "sent"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted out of s.
// A failed entry is only terminal once its retries are exhausted, which the
// store decides atomically; from the caller's perspective a persisted
// `failed` row is always terminal because retryable failures are stored as
// pending.
func (s ScheduleStatus) IsTerminal() bool {
	switch s {
	case ScheduleStatusSent, ScheduleStatusCancelled, ScheduleStatusFailed:
		return true
	default:
		return false
	}
}

// IsCancellable reports whether a cancel request may apply to s.
func (s ScheduleStatus) IsCancellable() bool {
	return s == ScheduleStatusPending || s == ScheduleStatusQueued
}

// Valid reports whether s is a known status.
func (s ScheduleStatus) Valid() bool {
	switch s {
	case ScheduleStatusPending, ScheduleStatusQueued, ScheduleStatusSending,
		ScheduleStatusSent, ScheduleStatusFailed, ScheduleStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of an agent Task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsRunnable reports whether a task in status s may be claimed for execution.
func (s TaskStatus) IsRunnable() bool {
	return s == TaskStatusPending || s == TaskStatusQueued
}

// TaskType discriminates a task's payload shape and routing target.
type TaskType string

const (
	TaskContentGeneration  TaskType = "content_generation"
	TaskSocialPosts        TaskType = "social_posts"
	TaskEmailCopy          TaskType = "email_copy"
	TaskSEOPages           TaskType = "seo_pages"
	TaskSEOAudit           TaskType = "seo_audit"
	TaskCompetitorAnalysis TaskType = "competitor_analysis"
	TaskMarketResearch     TaskType = "market_research"
	TaskMomentumReport     TaskType = "momentum_report"
	TaskLeadScoring        TaskType = "lead_scoring"
	TaskChurnPrediction    TaskType = "churn_prediction"
)

// ResultType tags an execution result for downstream result-specific handling.
type ResultType string

const (
	ResultContentGenerated ResultType = "content_generated"
	ResultSEOPages         ResultType = "seo_pages"
	ResultAnalysisReport   ResultType = "analysis_report"
	ResultPrediction       ResultType = "prediction_report"
	ResultExecutionError   ResultType = "execution_error"
)

// CostSource labels whether a recorded cost came from the generation service's
// own usage metadata or from the static per-type estimate table.
type CostSource string

const (
	CostMetered   CostSource = "metered"
	CostEstimated CostSource = "estimated"
)

// ResultEncoding identifies how a stored result payload is encoded.
type ResultEncoding string

const (
	EncodingJSON     ResultEncoding = "json"
	EncodingJSONZstd ResultEncoding = "json+zstd"
)

// JobStatus values recorded in job_history.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// ExecutorKind names one of the fixed executor implementations a task can
// be routed to.
type ExecutorKind string

const (
	ExecutorContent    ExecutorKind = "content"
	ExecutorSEO        ExecutorKind = "seo"
	ExecutorAnalysis   ExecutorKind = "analysis"
	ExecutorPrediction ExecutorKind = "prediction"
)

// ExecutorKinds lists every kind a registry must serve.
func ExecutorKinds() []ExecutorKind {
	return []ExecutorKind{ExecutorContent, ExecutorSEO, ExecutorAnalysis, ExecutorPrediction}
}
