package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"duet/server/internal/logging"
)

const (
	maxMessages  = 10
	retryBackoff = 5 * time.Second
)

// SQSConsumer long-polls the results queue and relays each message. A message
// is deleted once relayed or once it is found malformed; relay failures leave
// it for redelivery.
type SQSConsumer struct {
	client   sqsiface.SQSAPI
	queueURL string
	wait     int64
	relay    *Relay
	logger   logging.Logger
}

func NewSQSConsumer(client sqsiface.SQSAPI, queueURL string, waitSeconds int64, relay *Relay, logger logging.Logger) *SQSConsumer {
	return &SQSConsumer{client: client, queueURL: queueURL, wait: waitSeconds, relay: relay, logger: logger}
}

// NewSQSClient builds a client from the default credential chain.
func NewSQSClient(region string) (sqsiface.SQSAPI, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return sqs.New(sess), nil
}

// Run polls until ctx is cancelled.
func (c *SQSConsumer) Run(ctx context.Context) error {
	c.logger.Infow("consuming classification results", "queue", c.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warnw("receiving classification results", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryBackoff):
			}
		}
	}
}

// Poll performs one receive and returns how many results were relayed.
func (c *SQSConsumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: aws.Int64(maxMessages),
		WaitTimeSeconds:     aws.Int64(c.wait),
	})
	if err != nil {
		return 0, err
	}
	relayed := 0
	for _, msg := range out.Messages {
		var res Result
		if err := json.Unmarshal([]byte(aws.StringValue(msg.Body)), &res); err != nil {
			c.logger.Errorw("dropping malformed result", "messageId", aws.StringValue(msg.MessageId), "error", err)
			c.delete(ctx, msg)
			continue
		}
		if err := c.relay.Deliver(ctx, res); err != nil {
			if _, unknown := res.Event(); unknown != nil || res.RoomID == "" {
				c.logger.Errorw("dropping unusable result", "messageId", aws.StringValue(msg.MessageId), "error", err)
				c.delete(ctx, msg)
				continue
			}
			c.logger.Warnw("relaying result", "room", res.RoomID, "error", err)
			continue
		}
		c.delete(ctx, msg)
		relayed++
	}
	return relayed, nil
}

func (c *SQSConsumer) delete(ctx context.Context, msg *sqs.Message) {
	_, err := c.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Warnw("deleting result message", "messageId", aws.StringValue(msg.MessageId), "error", err)
	}
}
