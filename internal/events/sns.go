package events

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the subset of *sns.Client the SNS transport uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSTransport publishes envelopes to an SNS topic with routing attributes.
type SNSTransport struct {
	client   SNSPublisher
	topicARN string
}

// NewSNSTransport constructs an SNSTransport.
func NewSNSTransport(client SNSPublisher, topicARN string) (*SNSTransport, error) {
	if client == nil {
		return nil, errors.New("events: sns client is required")
	}
	if topicARN == "" {
		return nil, errors.New("events: sns topic arn is required")
	}
	return &SNSTransport{client: client, topicARN: topicARN}, nil
}

// Send publishes one message.
func (t *SNSTransport) Send(ctx context.Context, envelope Envelope, body []byte) error {
	attributes := map[string]types.MessageAttributeValue{
		"event_type": stringAttribute(envelope.Type),
		"event_id":   stringAttribute(envelope.EventID),
	}
	if envelope.TenantID != "" {
		attributes["tenant_id"] = stringAttribute(envelope.TenantID)
	}
	if envelope.CorrelationID != "" {
		attributes["correlation_id"] = stringAttribute(envelope.CorrelationID)
	}
	_, err := t.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(t.topicARN),
		Message:           aws.String(string(body)),
		Subject:           aws.String(envelope.Type),
		MessageAttributes: attributes,
	})
	return err
}

func stringAttribute(value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}
