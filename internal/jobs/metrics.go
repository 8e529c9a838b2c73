package jobs

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"marketpulse/internal/types"
)

// Metrics receives batch telemetry. It also satisfies
// schedule.DispatchMetrics.
type Metrics interface {
	RecordBatch(ctx context.Context, processed, succeeded, failed int)
	RecordExecution(ctx context.Context, executor types.ExecutorKind, taskType types.TaskType, d time.Duration, success bool)
	RecordRetry(ctx context.Context, jobKind string, exhausted bool)
	RecordDispatch(ctx context.Context, sent, failed int)
}

// NoopMetrics discards everything. Used when metrics are disabled.
type NoopMetrics struct{}

func (NoopMetrics) RecordBatch(context.Context, int, int, int) {}
func (NoopMetrics) RecordRetry(context.Context, string, bool)  {}
func (NoopMetrics) RecordDispatch(context.Context, int, int)   {}

func (NoopMetrics) RecordExecution(context.Context, types.ExecutorKind, types.TaskType, time.Duration, bool) {}

// CloudWatchClient is the PutMetricData subset of *cloudwatch.Client.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes to CloudWatch. Publish failures are logged
// and dropped; telemetry never fails a batch.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics publishes under namespace, or types.MetricNamespace
// when empty.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func count(name string, v int, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(float64(v)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatchMetrics) put(ctx context.Context, what string, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to publish metric", "metric", what, "error", err.Error())
	}
}

func (m *CloudWatchMetrics) RecordBatch(ctx context.Context, processed, succeeded, failed int) {
	m.put(ctx, "batch",
		count(types.MetricJobsProcessed, processed),
		count(types.MetricJobsSucceeded, succeeded),
		count(types.MetricJobsFailed, failed),
	)
}

func (m *CloudWatchMetrics) RecordExecution(ctx context.Context, executor types.ExecutorKind, taskType types.TaskType, d time.Duration, success bool) {
	latency := cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricExecutionLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{dim(types.DimExecutor, string(executor)), dim(types.DimTaskType, string(taskType))},
	}
	data := []cwtypes.MetricDatum{latency}
	if !success {
		data = append(data, count(types.MetricGenerationFailure, 1, dim(types.DimExecutor, string(executor))))
	}
	m.put(ctx, "execution", data...)
}

func (m *CloudWatchMetrics) RecordRetry(ctx context.Context, jobKind string, exhausted bool) {
	name := types.MetricRetryScheduled
	if exhausted {
		name = types.MetricRetryExhausted
	}
	m.put(ctx, "retry", count(name, 1, dim(types.DimJobKind, jobKind)))
}

func (m *CloudWatchMetrics) RecordDispatch(ctx context.Context, sent, failed int) {
	m.put(ctx, "dispatch",
		count(types.MetricSchedulesSent, sent),
		count(types.MetricSchedulesFailed, failed),
	)
}
