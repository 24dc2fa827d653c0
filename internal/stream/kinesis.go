package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"cdcstream/internal/config"
	"cdcstream/internal/constants"
	"cdcstream/internal/logger"
	"cdcstream/pkg/circuitbreaker"
	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/metrics"
	"cdcstream/pkg/retry"
)

// KinesisAPI is the subset of the Kinesis client used here.
type KinesisAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
	ListStreams(ctx context.Context, params *kinesis.ListStreamsInput, optFns ...func(*kinesis.Options)) (*kinesis.ListStreamsOutput, error)
}

type PutRecordResult struct {
	ShardID        string `json:"shard_id"`
	SequenceNumber string `json:"sequence_number"`
	PartitionKey   string `json:"partition_key"`
}

type Record struct {
	Data         []byte
	PartitionKey string
}

// RecordResult carries either a placement or the per-record error reported
// by the service.
type RecordResult struct {
	ShardID        string `json:"shard_id,omitempty"`
	SequenceNumber string `json:"sequence_number,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

func (r RecordResult) Failed() bool {
	return r.ErrorCode != ""
}

type PutRecordsResult struct {
	SuccessCount int            `json:"success_count"`
	FailedCount  int            `json:"failed_count"`
	Records      []RecordResult `json:"records"`
}

type Client struct {
	api     KinesisAPI
	policy  retry.Policy
	breaker *circuitbreaker.Wrapper
	logger  logger.Logger
}

func NewClient(api KinesisAPI, policy retry.Policy, breaker *circuitbreaker.Wrapper, log logger.Logger) *Client {
	if breaker == nil {
		breaker = circuitbreaker.NewWrapper(circuitbreaker.DefaultConfig("kinesis"))
	}
	return &Client{
		api:     api,
		policy:  policy,
		breaker: breaker,
		logger:  log,
	}
}

// NewFromConfig builds the AWS client from the default credential chain,
// overridden by static credentials and a custom endpoint when configured.
func NewFromConfig(ctx context.Context, cfg config.KinesisConfig, breaker *circuitbreaker.Wrapper, log logger.Logger) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		log.Infow("Using static AWS credentials from config")
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Infow("Kinesis client created",
		"region", awsCfg.Region,
		"custom_endpoint", cfg.Endpoint != "",
	)

	return NewClient(api, cfg.Retry.Policy(), breaker, log), nil
}

func (c *Client) PutRecord(ctx context.Context, stream string, data []byte, partitionKey string) (PutRecordResult, error) {
	if partitionKey == "" {
		partitionKey = uuid.NewString()
	}
	result := PutRecordResult{PartitionKey: partitionKey}

	out, err := call(ctx, c, stream, func() (*kinesis.PutRecordOutput, error) {
		return c.api.PutRecord(ctx, &kinesis.PutRecordInput{
			StreamName:   aws.String(stream),
			Data:         data,
			PartitionKey: aws.String(partitionKey),
		})
	})
	if err != nil {
		metrics.AddKinesisRecords(stream, "error", 1)
		return result, apperrors.ErrDelivery.WithCause(fmt.Errorf("failed to put record to %s: %w", stream, err))
	}

	metrics.AddKinesisRecords(stream, "success", 1)
	result.ShardID = aws.ToString(out.ShardId)
	result.SequenceNumber = aws.ToString(out.SequenceNumber)
	return result, nil
}

// PutJSON encodes v and writes it as a single record.
func (c *Client) PutJSON(ctx context.Context, stream string, v interface{}, partitionKey string) (PutRecordResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return PutRecordResult{}, apperrors.ErrDelivery.WithCause(fmt.Errorf("failed to marshal record: %w", err)).AsFatal()
	}
	return c.PutRecord(ctx, stream, data, partitionKey)
}

// PutRecords writes records in chunks of at most 500. A chunk that fails as a
// whole aborts the call; per-record failures are reported in the result.
func (c *Client) PutRecords(ctx context.Context, stream string, records []Record) (PutRecordsResult, error) {
	result := PutRecordsResult{Records: make([]RecordResult, 0, len(records))}

	for start := 0; start < len(records); start += constants.KinesisMaxBatchRecords {
		end := start + constants.KinesisMaxBatchRecords
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		entries := make([]types.PutRecordsRequestEntry, len(chunk))
		for i, r := range chunk {
			key := r.PartitionKey
			if key == "" {
				key = uuid.NewString()
			}
			entries[i] = types.PutRecordsRequestEntry{Data: r.Data, PartitionKey: aws.String(key)}
		}

		out, err := call(ctx, c, stream, func() (*kinesis.PutRecordsOutput, error) {
			return c.api.PutRecords(ctx, &kinesis.PutRecordsInput{
				StreamName: aws.String(stream),
				Records:    entries,
			})
		})
		if err != nil {
			metrics.AddKinesisRecords(stream, "error", len(chunk))
			return result, apperrors.ErrDelivery.WithCause(fmt.Errorf("failed to put %d records to %s: %w", len(chunk), stream, err))
		}

		for _, r := range out.Records {
			rr := RecordResult{
				ShardID:        aws.ToString(r.ShardId),
				SequenceNumber: aws.ToString(r.SequenceNumber),
				ErrorCode:      aws.ToString(r.ErrorCode),
				ErrorMessage:   aws.ToString(r.ErrorMessage),
			}
			if rr.Failed() {
				result.FailedCount++
			} else {
				result.SuccessCount++
			}
			result.Records = append(result.Records, rr)
		}
	}

	metrics.AddKinesisRecords(stream, "success", result.SuccessCount)
	metrics.AddKinesisRecords(stream, "error", result.FailedCount)
	if result.FailedCount > 0 {
		c.logger.Warnw("Some Kinesis records failed",
			"stream", stream,
			"failed_count", result.FailedCount,
			"success_count", result.SuccessCount,
		)
	}

	return result, nil
}

// HealthCheck lists at most one stream to prove the endpoint and
// credentials work.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.api.ListStreams(ctx, &kinesis.ListStreamsInput{Limit: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("kinesis list streams failed: %w", err)
	}
	return nil
}

// call runs fn through the breaker with retries. Breaker rejections and
// client errors stop the retries.
func call[T any](ctx context.Context, c *Client, stream string, fn func() (T, error)) (T, error) {
	var out T
	err := retry.RetryWithCallback(ctx, c.policy, func() error {
		v, err := circuitbreaker.Call(ctx, c.breaker, fn)
		if err != nil {
			return classify(err)
		}
		out = v
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues("kinesis", stream).Inc()
		c.logger.WarnwCtx(ctx, "Retrying kinesis put",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"stream", stream,
		)
	})
	return out, err
}

var fatalCodes = map[string]bool{
	"ResourceNotFoundException":   true,
	"InvalidArgumentException":    true,
	"AccessDeniedException":       true,
	"ValidationException":         true,
	"UnrecognizedClientException": true,
}

func classify(err error) error {
	if circuitbreaker.IsOpen(err) {
		return retry.NewFatalError(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && fatalCodes[apiErr.ErrorCode()] {
		return retry.NewFatalError(err)
	}
	return err
}
