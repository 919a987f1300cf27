package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duet/server/internal/logging"
	"duet/server/internal/types"
)

type broadcast struct {
	room, event string
	payload     any
}

type fakeRooms struct {
	mu   sync.Mutex
	sent []broadcast
	err  error
}

func (f *fakeRooms) Broadcast(_ context.Context, room, _, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, broadcast{room, event, payload})
	return nil
}

type fakeSQS struct {
	sqsiface.SQSAPI
	messages []*sqs.Message
	deleted  []string
}

func (f *fakeSQS) ReceiveMessageWithContext(_ aws.Context, in *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessageWithContext(_ aws.Context, in *sqs.DeleteMessageInput, _ ...request.Option) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.StringValue(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func message(handle, body string) *sqs.Message {
	return &sqs.Message{MessageId: aws.String(handle), ReceiptHandle: aws.String(handle), Body: aws.String(body)}
}

func TestResultEvent(t *testing.T) {
	cases := map[string]string{
		StatusQueued:     types.EvtProcessingStatus,
		StatusProcessing: types.EvtProcessingStatus,
		StatusCompleted:  types.EvtProcessingComplete,
		StatusRejected:   types.EvtRecordingRejected,
	}
	for status, want := range cases {
		got, err := Result{Status: status}.Event()
		require.NoError(t, err)
		assert.Equal(t, want, got, status)
	}
	_, err := Result{Status: "exploded"}.Event()
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestPollRelaysAndDeletes(t *testing.T) {
	rooms := &fakeRooms{}
	q := &fakeSQS{messages: []*sqs.Message{
		message("m1", `{"roomId":"R1","sessionId":"rec-1","status":"completed","profile":"P1","metrics":{"snr":31}}`),
		message("m2", `not json`),
		message("m3", `{"roomId":"R1","sessionId":"rec-1","status":"mystery"}`),
		message("m4", `{"roomId":"R2","sessionId":"rec-2","status":"rejected","reason":"too much overlap"}`),
	}}
	c := NewSQSConsumer(q, "https://sqs.local/results", 1, NewRelay(rooms, logging.NewNop()), logging.NewNop())

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, q.deleted)

	require.Len(t, rooms.sent, 2)
	assert.Equal(t, "R1", rooms.sent[0].room)
	assert.Equal(t, types.EvtProcessingComplete, rooms.sent[0].event)
	assert.Equal(t, "P1", rooms.sent[0].payload.(Result).Profile)
	assert.Equal(t, types.EvtRecordingRejected, rooms.sent[1].event)
}

func TestPollKeepsMessageWhenRelayFails(t *testing.T) {
	rooms := &fakeRooms{err: errors.New("bus down")}
	q := &fakeSQS{messages: []*sqs.Message{
		message("m1", `{"roomId":"R1","sessionId":"rec-1","status":"processing"}`),
	}}
	c := NewSQSConsumer(q, "https://sqs.local/results", 1, NewRelay(rooms, logging.NewNop()), logging.NewNop())

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, q.deleted)
}
