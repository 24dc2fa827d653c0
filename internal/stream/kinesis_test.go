package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcstream/internal/logger"
	"cdcstream/pkg/circuitbreaker"
	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/retry"
)

type fakeKinesis struct {
	mu        sync.Mutex
	failures  int
	err       error
	puts      []*kinesis.PutRecordInput
	batches   []*kinesis.PutRecordsInput
	failEvery int
	listErr   error
}

func (f *fakeKinesis) PutRecord(_ context.Context, in *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	f.puts = append(f.puts, in)
	return &kinesis.PutRecordOutput{
		ShardId:        aws.String("shardId-000000000000"),
		SequenceNumber: aws.String("4962"),
	}, nil
}

func (f *fakeKinesis) PutRecords(_ context.Context, in *kinesis.PutRecordsInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	f.batches = append(f.batches, in)

	out := &kinesis.PutRecordsOutput{}
	for i := range in.Records {
		if f.failEvery > 0 && (i+1)%f.failEvery == 0 {
			out.Records = append(out.Records, types.PutRecordsResultEntry{
				ErrorCode:    aws.String("ProvisionedThroughputExceededException"),
				ErrorMessage: aws.String("rate exceeded"),
			})
			continue
		}
		out.Records = append(out.Records, types.PutRecordsResultEntry{
			ShardId:        aws.String("shardId-000000000001"),
			SequenceNumber: aws.String("1"),
		})
	}
	return out, nil
}

func (f *fakeKinesis) ListStreams(context.Context, *kinesis.ListStreamsInput, ...func(*kinesis.Options)) (*kinesis.ListStreamsOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &kinesis.ListStreamsOutput{StreamNames: []string{"orders-processed"}}, nil
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
}

func TestClient_PutRecord(t *testing.T) {
	api := &fakeKinesis{}
	c := NewClient(api, testPolicy(), nil, logger.NopLogger())

	res, err := c.PutRecord(context.Background(), "orders-processed", []byte(`{"id":"1"}`), "1")
	require.NoError(t, err)

	assert.Equal(t, "shardId-000000000000", res.ShardID)
	assert.Equal(t, "4962", res.SequenceNumber)
	assert.Equal(t, "1", res.PartitionKey)
	require.Len(t, api.puts, 1)
	assert.Equal(t, "orders-processed", aws.ToString(api.puts[0].StreamName))
}

func TestClient_PutRecordGeneratesPartitionKey(t *testing.T) {
	api := &fakeKinesis{}
	c := NewClient(api, testPolicy(), nil, logger.NopLogger())

	res, err := c.PutRecord(context.Background(), "events-processed", []byte(`{}`), "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.PartitionKey)
	assert.Equal(t, res.PartitionKey, aws.ToString(api.puts[0].PartitionKey))
}

func TestClient_PutJSON(t *testing.T) {
	api := &fakeKinesis{}
	c := NewClient(api, testPolicy(), nil, logger.NopLogger())

	_, err := c.PutJSON(context.Background(), "aggregated-metrics", map[string]int{"count": 2}, "metrics")
	require.NoError(t, err)

	var body map[string]int
	require.NoError(t, json.Unmarshal(api.puts[0].Data, &body))
	assert.Equal(t, 2, body["count"])
}

func TestClient_PutRecordRetriesThrottling(t *testing.T) {
	api := &fakeKinesis{
		failures: 2,
		err:      &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException", Message: "slow down"},
	}
	c := NewClient(api, testPolicy(), nil, logger.NopLogger())

	_, err := c.PutRecord(context.Background(), "users-processed", []byte(`{}`), "u")
	require.NoError(t, err)
	assert.Len(t, api.puts, 1)
}

func TestClient_PutRecordMissingStreamIsNotRetried(t *testing.T) {
	api := &fakeKinesis{
		failures: 5,
		err:      &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no such stream"},
	}
	c := NewClient(api, testPolicy(), nil, logger.NopLogger())

	_, err := c.PutRecord(context.Background(), "missing", []byte(`{}`), "k")
	require.Error(t, err)
	assert.True(t, apperrors.IsDelivery(err))
	assert.Equal(t, 4, api.failures)
}

func TestClient_PutRecordBreakerOpens(t *testing.T) {
	api := &fakeKinesis{failures: 100, err: errors.New("connection refused")}
	breaker := circuitbreaker.NewWrapper(circuitbreaker.Config{
		Name:        "kinesis-test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	c := NewClient(api, testPolicy(), breaker, logger.NopLogger())

	_, err := c.PutRecord(context.Background(), "orders-processed", []byte(`{}`), "k")
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, breaker.State())
	// Two calls reached the API; the third attempt was rejected by the breaker.
	assert.Equal(t, 98, api.failures)

	_, err = c.PutRecord(context.Background(), "orders-processed", []byte(`{}`), "k")
	require.Error(t, err)
	assert.Equal(t, 98, api.failures)
}

func TestClient_PutRecordsChunksAndReportsFailures(t *testing.T) {
	api := &fakeKinesis{failEvery: 100}
	c := NewClient(api, testPolicy(), nil, logger.NopLogger())

	records := make([]Record, 1200)
	for i := range records {
		records[i] = Record{Data: []byte(`{}`)}
	}

	res, err := c.PutRecords(context.Background(), "orders-processed", records)
	require.NoError(t, err)

	require.Len(t, api.batches, 3)
	assert.Len(t, api.batches[0].Records, 500)
	assert.Len(t, api.batches[1].Records, 500)
	assert.Len(t, api.batches[2].Records, 200)

	assert.Len(t, res.Records, 1200)
	assert.Equal(t, 12, res.FailedCount)
	assert.Equal(t, 1188, res.SuccessCount)
	assert.True(t, res.Records[99].Failed())
	assert.False(t, res.Records[0].Failed())

	for _, entry := range api.batches[0].Records {
		assert.NotEmpty(t, aws.ToString(entry.PartitionKey))
	}
}

func TestClient_HealthCheck(t *testing.T) {
	api := &fakeKinesis{}
	c := NewClient(api, testPolicy(), nil, logger.NopLogger())
	assert.NoError(t, c.HealthCheck(context.Background()))

	api.listErr = errors.New("expired token")
	assert.ErrorContains(t, c.HealthCheck(context.Background()), "expired token")
}
