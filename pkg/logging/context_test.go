package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithMessageID(ctx, "msg-1")
	ctx = WithMessageLocation(ctx, "orders", 2, 42)

	assert.Equal(t, []interface{}{
		"trace_id", "trace-1",
		"message_id", "msg-1",
		"topic", "orders", "partition", 2, "offset", int64(42),
	}, GetLogFields(ctx))
}

func TestEarlyLog_Fatal(t *testing.T) {
	var out, errOut bytes.Buffer
	code := -1
	l := &EarlyLog{out: &out, err: &errOut, exit: func(c int) { code = c }}

	l.Info("starting %s", "svc")
	l.Fatal("bad config: %v", "missing")

	assert.Equal(t, "INFO: starting svc\n", out.String())
	assert.Equal(t, "FATAL: bad config: missing\n", errOut.String())
	assert.Equal(t, 1, code)
}
