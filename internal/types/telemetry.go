package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricJobsProcessed     = "JobsProcessed"
	MetricJobsSucceeded     = "JobsSucceeded"
	MetricJobsFailed        = "JobsFailed"
	MetricExecutionLatency  = "ExecutionLatency"
	MetricRetryScheduled    = "RetryScheduled"
	MetricRetryExhausted    = "RetryExhausted"
	MetricSchedulesSent     = "SchedulesSent"
	MetricSchedulesFailed   = "SchedulesFailed"
	MetricGenerationFailure = "GenerationFailure"

	// Dimension Keys
	DimExecutor = "Executor"
	DimTaskType = "TaskType"
	DimJobKind  = "JobKind"

	// Metric Namespace
	MetricNamespace = "MarketPulse"
)
