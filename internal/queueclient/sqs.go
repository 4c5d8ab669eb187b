package queueclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/config"
)

// sqsMaxDelay is the longest DelaySeconds SQS accepts
const sqsMaxDelay = 15 * time.Minute

// sqsAPI is the subset of the SQS client used by SQSClient
type sqsAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSClient implements Client on top of Amazon SQS
type SQSClient struct {
	client          sqsAPI
	clock           clock.Clock
	baseURL         string
	waitTimeSeconds int32

	mu            sync.RWMutex
	queueURLCache map[string]string
}

// NewSQSClient creates an SQS backend. Transient faults are retried by the SDK's
// standard retryer up to cfg.MaxAttempts before surfacing as ErrTransient.
func NewSQSClient(ctx context.Context, cfg config.SQSConfig, c clock.Clock) (*SQSClient, error) {
	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.MaxAttempts > 0 {
		loadOptions = append(loadOptions, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint for LocalStack, ElasticMQ or other SQS-compatible services
	var client *sqs.Client
	if cfg.Endpoint != "" {
		client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	} else {
		client = sqs.NewFromConfig(awsCfg)
	}

	return newSQSClient(client, cfg, c), nil
}

func newSQSClient(client sqsAPI, cfg config.SQSConfig, c clock.Clock) *SQSClient {
	if c == nil {
		c = clock.System{}
	}
	return &SQSClient{
		client:          client,
		clock:           c,
		baseURL:         cfg.Endpoint,
		waitTimeSeconds: cfg.WaitTimeSeconds,
		queueURLCache:   make(map[string]string),
	}
}

func cacheKey(queue string) string {
	return strings.ToLower(queue)
}

// Resolve resolves the queue URL using GetQueueUrl, caching the result
func (c *SQSClient) Resolve(ctx context.Context, queue string) (Handle, error) {
	url, err := c.resolveQueueURL(ctx, queue)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Name: queue, URL: url}, nil
}

func (c *SQSClient) resolveQueueURL(ctx context.Context, queue string) (string, error) {
	key := cacheKey(queue)

	c.mu.RLock()
	url, ok := c.queueURLCache[key]
	c.mu.RUnlock()
	if ok {
		return url, nil
	}

	slog.Debug("Resolving SQS queue URL", "queue", queue, "baseURL", c.baseURL)

	result, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queue),
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue URL for %s: %w", queue, classifySQSError(err))
	}

	url = c.rewriteURL(queue, aws.ToString(result.QueueUrl))
	c.cache(queue, url)
	return url, nil
}

// rewriteURL replaces the host of a returned queue URL with the configured endpoint.
// LocalStack returns virtual-host style URLs that do not resolve inside Docker networks.
func (c *SQSClient) rewriteURL(queue, queueURL string) string {
	if c.baseURL == "" {
		return queueURL
	}

	// Format: http://host:port/account-id/queue-name
	parts := strings.Split(queueURL, "/")
	if len(parts) < 5 {
		slog.Warn("Unable to reconstruct URL - insufficient parts", "queue", queue, "originalURL", queueURL, "numParts", len(parts))
		return queueURL
	}

	accountID := parts[len(parts)-2]
	name := parts[len(parts)-1]
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(c.baseURL, "/"), accountID, name)
}

func (c *SQSClient) cache(queue, url string) {
	c.mu.Lock()
	c.queueURLCache[cacheKey(queue)] = url
	c.mu.Unlock()
}

func (c *SQSClient) forget(queue string) {
	c.mu.Lock()
	delete(c.queueURLCache, cacheKey(queue))
	c.mu.Unlock()
}

// CreateIfMissing creates the queue. CreateQueue is idempotent for identical attributes.
func (c *SQSClient) CreateIfMissing(ctx context.Context, queue string) error {
	if _, err := c.resolveQueueURL(ctx, queue); err == nil {
		return nil
	} else if !IsQueueNotFound(err) {
		return err
	}

	result, err := c.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(queue),
	})
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", queue, classifySQSError(err))
	}

	c.cache(queue, c.rewriteURL(queue, aws.ToString(result.QueueUrl)))
	slog.Info("Created SQS queue", "queue", queue)
	return nil
}

// DeleteQueue deletes the queue
func (c *SQSClient) DeleteQueue(ctx context.Context, queue string) error {
	queueURL, err := c.resolveQueueURL(ctx, queue)
	if err != nil {
		return err
	}

	if _, err := c.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(queueURL)}); err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", queue, classifySQSError(err))
	}

	c.forget(queue)
	return nil
}

// ListQueues pages through ListQueues and returns queue names
func (c *SQSClient) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	input := &sqs.ListQueuesInput{
		MaxResults: aws.Int32(1000),
	}
	if prefix != "" {
		input.QueueNamePrefix = aws.String(prefix)
	}

	var names []string
	for {
		result, err := c.client.ListQueues(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list queues: %w", classifySQSError(err))
		}

		for _, queueURL := range result.QueueUrls {
			name := queueURL[strings.LastIndex(queueURL, "/")+1:]
			names = append(names, name)
			c.cache(name, c.rewriteURL(name, queueURL))
		}

		if aws.ToString(result.NextToken) == "" {
			return names, nil
		}
		input.NextToken = result.NextToken
	}
}

// Enqueue sends a message. Delays above the SQS limit are rejected; the
// transport routes longer delays to time-bucket queues instead.
func (c *SQSClient) Enqueue(ctx context.Context, queue string, payload []byte, attributes map[string]string, delay time.Duration) (string, error) {
	if delay > sqsMaxDelay {
		return "", fmt.Errorf("delay %s exceeds SQS maximum of %s", delay, sqsMaxDelay)
	}

	queueURL, err := c.resolveQueueURL(ctx, queue)
	if err != nil {
		return "", err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(payload)),
	}
	if delay > 0 {
		input.DelaySeconds = ceilSeconds(delay)
	}
	if len(attributes) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			if v == "" {
				continue
			}
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	result, err := c.client.SendMessage(ctx, input)
	if err != nil {
		if IsQueueNotFound(classifySQSError(err)) {
			c.forget(queue)
		}
		return "", fmt.Errorf("failed to send to SQS queue %s: %w", queue, classifySQSError(err))
	}

	return aws.ToString(result.MessageId), nil
}

// Receive performs a single short poll bounded by the configured wait time
func (c *SQSClient) Receive(ctx context.Context, queue string, visibility time.Duration) (*Delivery, error) {
	queueURL, err := c.resolveQueueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	// Taken before the poll so ExpiresAt never lies past the service-side expiry
	requestedAt := c.clock.Now()
	resp, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queueURL),
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       c.waitTimeSeconds,
		VisibilityTimeout:     ceilSeconds(visibility),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to receive from SQS queue %s: %w", queue, classifySQSError(err))
	}

	if resp == nil || len(resp.Messages) == 0 {
		return nil, nil
	}

	msg := resp.Messages[0]

	attributes := make(map[string]string, len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			attributes[k] = *v.StringValue
		}
	}

	dequeueCount := 1
	if raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			dequeueCount = n
		}
	}

	return &Delivery{
		Queue:        queue,
		MessageID:    aws.ToString(msg.MessageId),
		LockToken:    aws.ToString(msg.ReceiptHandle),
		Payload:      []byte(aws.ToString(msg.Body)),
		Attributes:   attributes,
		DequeueCount: dequeueCount,
		ExpiresAt:    requestedAt.Add(time.Duration(ceilSeconds(visibility)) * time.Second),
	}, nil
}

// Renew changes the visibility timeout of a leased message
func (c *SQSClient) Renew(ctx context.Context, queue, lockToken string, timeout time.Duration) (time.Time, error) {
	queueURL, err := c.resolveQueueURL(ctx, queue)
	if err != nil {
		return time.Time{}, err
	}

	seconds := ceilSeconds(timeout)
	requestedAt := c.clock.Now()
	_, err = c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(lockToken),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to change visibility on %s: %w", queue, classifySQSError(err))
	}

	return requestedAt.Add(time.Duration(seconds) * time.Second), nil
}

// Delete deletes a leased message
func (c *SQSClient) Delete(ctx context.Context, queue, lockToken string) error {
	queueURL, err := c.resolveQueueURL(ctx, queue)
	if err != nil {
		return err
	}

	_, err = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(lockToken),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message from %s: %w", queue, classifySQSError(err))
	}
	return nil
}

// Stats reads the approximate message counts from GetQueueAttributes
func (c *SQSClient) Stats(ctx context.Context, queue string) (Stats, error) {
	queueURL, err := c.resolveQueueURL(ctx, queue)
	if err != nil {
		return Stats{}, err
	}

	result, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get queue attributes for %s: %w", queue, classifySQSError(err))
	}

	attr := func(name types.QueueAttributeName) int64 {
		if val, ok := result.Attributes[string(name)]; ok {
			if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
				return parsed
			}
		}
		return 0
	}

	return Stats{
		Queued:   attr(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight: attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible) + attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

// Close closes the SQS client (no-op for SQS)
func (c *SQSClient) Close() error {
	return nil
}

// ceilSeconds converts d to whole seconds, rounding up so a lease is never shorter than asked
func ceilSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(math.Ceil(d.Seconds()))
}

// classifySQSError maps SQS failures onto the backend error kinds
func classifySQSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var queueMissing *types.QueueDoesNotExist
	if errors.As(err, &queueMissing) {
		return fmt.Errorf("%w: %w", ErrQueueNotFound, err)
	}

	var invalidReceipt *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	if errors.As(err, &invalidReceipt) || errors.As(err, &notInflight) {
		return fmt.Errorf("%w: %w", ErrLeaseNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return fmt.Errorf("%w: %w", ErrQueueNotFound, err)
		case "ReceiptHandleIsInvalid", "MessageNotInflight", "AWS.SimpleQueueService.MessageNotInflight":
			return fmt.Errorf("%w: %w", ErrLeaseNotFound, err)
		case "InvalidParameterValue":
			// Expired receipt handles surface as an invalid ReceiptHandle parameter
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "receipthandle") ||
				strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "receipt handle") {
				return fmt.Errorf("%w: %w", ErrLeaseNotFound, err)
			}
			return err
		}
	}

	return fmt.Errorf("%w: %w", ErrTransient, err)
}
