package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/events"
)

type mockSQS struct {
	sent     *sqs.SendMessageInput
	sendErr  error
	messages []types.Message
	deleted  []string
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.sent = params
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (m *mockSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: m.messages}
	m.messages = nil
	return out, nil
}

func (m *mockSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestProducer_Publish(t *testing.T) {
	mock := &mockSQS{}
	p := &Producer{client: mock, queueURL: "https://sqs.local/events", logger: zap.NewNop()}

	if err := p.Publish(context.Background(), events.TopicSubmissionStatus, events.StatusEvent{RetryCount: 2}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if aws.ToString(mock.sent.QueueUrl) != "https://sqs.local/events" {
		t.Errorf("queue url = %q", aws.ToString(mock.sent.QueueUrl))
	}
	if got := aws.ToString(mock.sent.MessageAttributes["topic"].StringValue); got != events.TopicSubmissionStatus {
		t.Errorf("topic attribute = %q", got)
	}

	var env events.Envelope
	if err := json.Unmarshal([]byte(aws.ToString(mock.sent.MessageBody)), &env); err != nil {
		t.Fatalf("body is not an envelope: %v", err)
	}
	if env.Topic != events.TopicSubmissionStatus {
		t.Errorf("envelope topic = %q", env.Topic)
	}
}

func TestProducer_PublishError(t *testing.T) {
	p := &Producer{client: &mockSQS{sendErr: errors.New("throttled")}, logger: zap.NewNop()}

	if err := p.Publish(context.Background(), events.TopicProgress, events.ProgressEvent{}); err == nil {
		t.Error("expected error")
	}
}

func TestConsumer_ReceiveAndDelete(t *testing.T) {
	mock := &mockSQS{messages: []types.Message{
		{MessageId: aws.String("a"), Body: aws.String(`{"status":"received"}`), ReceiptHandle: aws.String("rh-a")},
		{MessageId: aws.String("b"), Body: aws.String(`{"status":"rejected"}`), ReceiptHandle: aws.String("rh-b")},
	}}
	c := &Consumer{client: mock, queueURL: "https://sqs.local/signals", logger: zap.NewNop()}

	msgs, err := c.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(msgs) != 2 || string(msgs[1].Body) != `{"status":"rejected"}` {
		t.Fatalf("messages = %+v", msgs)
	}

	if err := c.Delete(context.Background(), msgs[0].ReceiptHandle); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(mock.deleted) != 1 || mock.deleted[0] != "rh-a" {
		t.Errorf("deleted = %v", mock.deleted)
	}

	msgs, _ = c.Receive(context.Background())
	if len(msgs) != 0 {
		t.Errorf("expected empty receive, got %d", len(msgs))
	}
}
