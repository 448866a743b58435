package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"serving-rpc/message"
)

// probe checks that conn's server is up by predicting on a model that must
// not exist. NotFound means live. Unavailable or a timeout means the server is
// not serving yet and the probe is repeated after cfg.Interval. Anything else
// fails the probe right away.
func probe(ctx context.Context, conn *Connection, cfg HealthCheckConfig, clock clockwork.Clock, logger *zap.Logger) error {
	req := &message.PredictRequest{ModelSpec: message.ModelSpec{Name: cfg.ModelName}}

	var last error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-clock.After(cfg.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := conn.Invoke(pctx, message.MethodPredict, req, nil, Blocking)
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch code := Code(err); code {
		case codes.OK, codes.NotFound:
			return nil
		case codes.Unavailable, codes.DeadlineExceeded:
			last = err
			logger.Debug("health probe not ready",
				zap.Stringer("addr", conn.addr), zap.Int("attempt", attempt), zap.Error(err))
		default:
			return fmt.Errorf("client: health probe %s: %w", conn.addr, err)
		}
	}
	return errors.Join(fmt.Errorf("%w: %s after %d probes", ErrUnreachable, conn.addr, cfg.Attempts), last)
}
