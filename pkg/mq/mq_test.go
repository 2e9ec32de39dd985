package mq_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/mq"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	in  *sqs.SendMessageInput
	err error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSPublisher_PublishEvent(t *testing.T) {
	client := &fakeSQS{}
	pub := mq.NewSQSPublisher(client, "https://sqs.us-east-1.amazonaws.com/123/batches")

	err := pub.PublishEvent(context.Background(), mq.EventsExchange, "batch.completed", "row-1", []byte(`{"batch_id":"b1"}`))
	require.NoError(t, err)

	require.NotNil(t, client.in)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/batches", aws.ToString(client.in.QueueUrl))
	assert.JSONEq(t, `{"batch_id":"b1"}`, aws.ToString(client.in.MessageBody))
	assert.Equal(t, "batch.completed", aws.ToString(client.in.MessageAttributes["routing_key"].StringValue))
	assert.Equal(t, "row-1", aws.ToString(client.in.MessageAttributes["message_id"].StringValue))

	client.err = errors.New("throttled")
	assert.ErrorContains(t, pub.PublishEvent(context.Background(), mq.EventsExchange, "batch.failed", "row-2", nil), "throttled")
}

func TestNewBatchEvent(t *testing.T) {
	done := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	job := &batch.Job{
		ID:          "b1",
		Kind:        batch.KindUpload,
		Status:      batch.BatchCancelled,
		CompletedAt: &done,
		Summary:     &batch.Summary{BatchID: "b1", TotalItems: 2, Cancelled: 2},
	}

	ev := mq.NewBatchEvent(job)
	assert.Equal(t, "batch.cancelled", ev.Event)
	assert.Equal(t, "batch.failed", mq.RoutingKey(batch.BatchFailed))

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"batch_id":"b1"`)
	assert.Contains(t, string(body), `"status":"CANCELLED"`)
	assert.NotContains(t, string(body), `"fault"`)
}
