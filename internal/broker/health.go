package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"cdcstream/internal/constants"
)

// Ping succeeds when at least one broker accepts a connection and returns
// cluster metadata.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	dialer := &kafka.Dialer{Timeout: constants.KafkaDialTimeout}

	var errs []error
	for _, addr := range brokers {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", addr, err))
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("metadata %s: %w", addr, err))
			continue
		}
		return nil
	}

	return fmt.Errorf("kafka unreachable: %w", errors.Join(errs...))
}
