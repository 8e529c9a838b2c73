// Package queue hands due campaign steps to the delivery workers over SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"marketpulse/internal/config"
	"marketpulse/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// StepMessage is the body delivery workers receive for one campaign step.
type StepMessage struct {
	ScheduleID     string    `json:"schedule_id"`
	CampaignID     string    `json:"campaign_id"`
	TenantID       string    `json:"tenant_id"`
	BrandID        *string   `json:"brand_id,omitempty"`
	StepIndex      int       `json:"step_index"`
	SendAt         time.Time `json:"send_at"`
	Timezone       string    `json:"timezone"`
	RecipientCount int       `json:"recipient_count"`
	Attempt        int       `json:"attempt"`
	TraceID        string    `json:"trace_id"`
}

// DeliverySender publishes StepMessages to the delivery queue.
type DeliverySender struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDeliverySender sends to awsCfg.DeliveryQueueURL.
func NewDeliverySender(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *DeliverySender {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliverySender{client: client, queueURL: awsCfg.DeliveryQueueURL, logger: logger}
}

// SendStep enqueues entry and returns the SQS message id. Failures are
// upstream_queue_unavailable so the schedule retry policy applies.
func (d *DeliverySender) SendStep(ctx context.Context, entry *types.ScheduleEntry) (string, error) {
	traceID := types.GetRequestID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	msg := StepMessage{
		ScheduleID:     entry.ID,
		CampaignID:     entry.CampaignID,
		TenantID:       entry.TenantID,
		BrandID:        entry.BrandID,
		StepIndex:      entry.StepIndex,
		SendAt:         entry.SendAt.UTC(),
		Timezone:       entry.Timezone,
		RecipientCount: entry.RecipientCount,
		Attempt:        entry.RetryCount + 1,
		TraceID:        traceID,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: failed to marshal StepMessage: %w", err)
	}

	out, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"campaign_id": {DataType: aws.String("String"), StringValue: aws.String(entry.CampaignID)},
			"trace_id":    {DataType: aws.String("String"), StringValue: aws.String(traceID)},
		},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamQueue,
			fmt.Sprintf("failed to send step to %s", d.queueURL), err)
	}

	msgID := aws.ToString(out.MessageId)
	d.logger.InfoContext(ctx, "delivery step enqueued",
		"queue_url", d.queueURL,
		"schedule_id", entry.ID,
		"campaign_id", entry.CampaignID,
		"step_index", entry.StepIndex,
		"attempt", msg.Attempt,
		"message_id", msgID,
		"trace_id", traceID,
	)
	return msgID, nil
}

// LocalSender stands in for the queue when no delivery queue is configured.
// Steps are logged and reported as handed off.
type LocalSender struct {
	logger *slog.Logger
}

// NewLocalSender builds a LocalSender.
func NewLocalSender(logger *slog.Logger) *LocalSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSender{logger: logger}
}

func (l *LocalSender) SendStep(ctx context.Context, entry *types.ScheduleEntry) (string, error) {
	id := "local_" + uuid.NewString()
	l.logger.WarnContext(ctx, "no delivery queue configured, step not delivered",
		"schedule_id", entry.ID,
		"campaign_id", entry.CampaignID,
		"message_id", id,
	)
	return id, nil
}
