// Package delivery contains the event handlers that fan matched
// subscriptions out to transports: email/push notification, WebSocket, SSE
// and the Elasticsearch audit archive. Handlers are registered on the
// manager and receive read-only subscription snapshots.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"subscription-engine/internal/common/logger"
	"subscription-engine/internal/subscription"
)

// Subscription metadata keys consumed by the notification handler.
const (
	MetadataEmail = "notify_email"
)

// SESService is the slice of the SES API the handler uses; interfaces so
// tests can mock delivery.
type SESService interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SNSService is the slice of the SNS API the handler uses.
type SNSService interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// NotificationConfig configures the notification fan-out.
type NotificationConfig struct {
	AWSRegion   string
	SenderEmail string
	SNSTopicARN string
}

// NotificationHandler emails subscribers that opted into email delivery via
// metadata and publishes one summary message per event to an SNS topic.
type NotificationHandler struct {
	config    NotificationConfig
	logger    logger.Logger
	sesClient SESService
	snsClient SNSService
}

// NewNotificationHandler builds the handler with real AWS clients.
func NewNotificationHandler(ctx context.Context, cfg NotificationConfig, log logger.Logger) (*NotificationHandler, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &NotificationHandler{
		config:    cfg,
		logger:    log.WithFields(map[string]interface{}{"handler": "notification"}),
		sesClient: ses.NewFromConfig(awsCfg),
		snsClient: sns.NewFromConfig(awsCfg),
	}, nil
}

// NewNotificationHandlerWithClients injects SES/SNS implementations; used by
// tests.
func NewNotificationHandlerWithClients(cfg NotificationConfig, sesClient SESService, snsClient SNSService, log logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		config:    cfg,
		logger:    log.WithFields(map[string]interface{}{"handler": "notification"}),
		sesClient: sesClient,
		snsClient: snsClient,
	}
}

func (h *NotificationHandler) Name() string {
	return "notification"
}

func (h *NotificationHandler) HandleEvent(ctx context.Context, evt subscription.Event, matches []*subscription.Subscription) error {
	if len(matches) == 0 {
		return nil
	}

	var errs []string

	// One email per recipient address, not per subscription.
	for addr, subs := range groupByEmail(matches) {
		if err := h.sendEmail(ctx, addr, evt, subs); err != nil {
			errs = append(errs, fmt.Sprintf("email %s: %v", addr, err))
		}
	}

	if h.config.SNSTopicARN != "" {
		if err := h.publishSummary(ctx, evt, matches); err != nil {
			errs = append(errs, fmt.Sprintf("sns: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification delivery: %s", strings.Join(errs, "; "))
	}
	return nil
}

func groupByEmail(matches []*subscription.Subscription) map[string][]*subscription.Subscription {
	out := make(map[string][]*subscription.Subscription)
	for _, sub := range matches {
		addr, _ := sub.Metadata[MetadataEmail].(string)
		if addr == "" {
			continue
		}
		out[addr] = append(out[addr], sub)
	}
	return out
}

func (h *NotificationHandler) sendEmail(ctx context.Context, addr string, evt subscription.Event, subs []*subscription.Subscription) error {
	subject := eventSubject(evt)
	body, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = h.sesClient.SendEmail(ctx, &ses.SendEmailInput{
		Source: aws.String(h.config.SenderEmail),
		Destination: &types.Destination{
			ToAddresses: []string{addr},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(string(body))},
			},
		},
	})
	if err != nil {
		return err
	}

	h.logger.Debug("notification email sent", map[string]interface{}{
		"recipient":     addr,
		"subscriptions": len(subs),
	})
	return nil
}

func (h *NotificationHandler) publishSummary(ctx context.Context, evt subscription.Event, matches []*subscription.Subscription) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event":   evt,
		"matched": len(matches),
	})
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = h.snsClient.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(h.config.SNSTopicARN),
		Subject:  aws.String(eventSubject(evt)),
		Message:  aws.String(string(payload)),
	})
	return err
}

func eventSubject(evt subscription.Event) string {
	switch {
	case evt.Topic() != "":
		return "Event on topic " + evt.Topic()
	case evt.ResourceID() != "":
		return "Event for resource " + evt.ResourceID()
	case evt.ResourceType() != "":
		return "Event for resource type " + evt.ResourceType()
	default:
		return "Subscription event"
	}
}
