package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSubmitter publishes final submissions to an SQS queue for asynchronous
// ingestion by the fleet backend.
type SQSSubmitter struct {
	client   *sqs.Client
	queueURL string
	fifo     bool
}

// NewSQSSubmitter constructs an SQS-backed submitter.
func NewSQSSubmitter(ctx context.Context, region, queueURL string) (*SQSSubmitter, error) {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, fmt.Errorf("SUBMISSIONS_SQS_QUEUE_URL is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSSubmitter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		fifo:     isFIFO(queueURL),
	}, nil
}

// Submit sends the submission as one message. On FIFO queues the
// idempotency key drives deduplication.
func (s *SQSSubmitter) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	msg, err := NewMessage(sub)
	if err != nil {
		return Receipt{}, &RejectedError{Message: "encode answers: " + err.Error()}
	}
	payload, err := EncodeMessage(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode sqs message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(payload)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"idempotency_key": {DataType: aws.String("String"), StringValue: aws.String(sub.IdempotencyKey)},
			"mode":            {DataType: aws.String("String"), StringValue: aws.String(string(sub.Mode))},
		},
	}
	if s.fifo {
		input.MessageGroupId = aws.String(sub.TemplateID + ":" + sub.SubjectID)
		input.MessageDeduplicationId = aws.String(dedupID(sub.IdempotencyKey, payload))
	}

	out, err := s.client.SendMessage(ctx, input)
	if err != nil {
		return Receipt{}, fmt.Errorf("sqs send message: %w", err)
	}
	return Receipt{
		Status:       "submitted",
		SubmissionID: aws.ToString(out.MessageId),
		ReceivedAt:   time.Now().UTC(),
	}, nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(strings.TrimSpace(queueURL), ".fifo")
}

// dedupID changes when the payload changes so a corrected resubmission is
// not swallowed by FIFO deduplication.
func dedupID(key string, payload []byte) string {
	sum := sha256.Sum256(append([]byte(key+"\x00"), payload...))
	return hex.EncodeToString(sum[:])
}

var _ Submitter = (*SQSSubmitter)(nil)
