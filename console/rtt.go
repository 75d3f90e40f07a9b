package console

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

// DefaultRTTAddress is where the J-Link software serves RTT channel 0 as a telnet stream.
const DefaultRTTAddress = "localhost:19021"

// DialRTT connects to the RTT telnet endpoint of a running J-Link server.
// The server opens the port only after it attached to the target, so the dial is retried.
func DialRTT(ctx context.Context, address string, attempts uint, wait time.Duration, logger log.Logger) (net.Conn, error) {
	var conn net.Conn
	dialer := net.Dialer{Timeout: 5 * time.Second}

	err := retry.Times(attempts).Wait(wait).Try(func(attempt uint) error {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			logger.Debugf("RTT connect attempt %d failed, retrying", attempt)
		}

		c, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		conn = c
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, failure.Wrap(failure.Interrupted, ctxErr, "RTT connect interrupted")
	}
	if err != nil {
		return nil, failure.Wrapf(failure.ConnectionError, err, "failed to open RTT channel at %s", address)
	}

	return conn, nil
}
