// Package alert publishes abuse notifications when actors exhaust quota.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type Type string

const TypeQuotaExhausted Type = "quota_exhausted"

type Alert struct {
	Type       Type      `json:"type"`
	ActorID    string    `json:"actorId"`
	Operation  string    `json:"operation"`
	ResourceID string    `json:"resourceId,omitempty"`
	Day        string    `json:"day"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

type Notifier interface {
	Send(ctx context.Context, a Alert) error
}

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSNotifier struct {
	client   snsPublisher
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, a Alert) error {
	message, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(a.Type)),
			},
			"ActorID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(a.ActorID),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	slog.Info("alert published",
		"type", a.Type,
		"actor_id", a.ActorID,
		"operation", a.Operation,
	)
	return nil
}

// LogNotifier writes alerts to the structured log. Used when no topic is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, a Alert) error {
	n.logger.WarnContext(ctx, "quota alert",
		"type", a.Type,
		"actor_id", a.ActorID,
		"operation", a.Operation,
		"resource_id", a.ResourceID,
		"day", a.Day,
		"message", a.Message,
	)
	return nil
}

type InMemoryNotifier struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *InMemoryNotifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Alert, len(n.alerts))
	copy(out, n.alerts)
	return out
}
