package mq

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events to a single SQS queue. The exchange and routing
// key travel as message attributes so consumers can filter.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
}

func NewSQSPublisher(client SQSAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func NewSQSPublisherFromConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return NewSQSPublisher(sqs.NewFromConfig(cfg), queueURL)
}

func (p *SQSPublisher) PublishEvent(ctx context.Context, exchange, routingKey, messageID string, body []byte) error {
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"exchange":    {DataType: aws.String("String"), StringValue: aws.String(exchange)},
			"routing_key": {DataType: aws.String("String"), StringValue: aws.String(routingKey)},
			"message_id":  {DataType: aws.String("String"), StringValue: aws.String(messageID)},
		},
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}
	return nil
}
