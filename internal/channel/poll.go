package channel

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// progressInterval bounds how often the poller logs a waiting line.
const progressInterval = 10 * time.Second

// WaitForFile polls for path at the given interval until it can be read
// or the timeout elapses. A timeout is an expected outcome, reported as
// found=false with a nil error; only context cancellation returns an
// error. Progress is logged at most once per ten seconds of waiting.
func WaitForFile(ctx context.Context, path string, interval, timeout time.Duration, logger *slog.Logger) (data []byte, found bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}

	start := time.Now()
	deadline := start.Add(timeout)
	var lastProgress time.Time

	for {
		if d, err := os.ReadFile(path); err == nil {
			logger.Info("result received",
				"path", path,
				"elapsed", time.Since(start).Round(time.Second).String(),
			)
			return d, true, nil
		}

		ref := lastProgress
		if ref.IsZero() {
			ref = start
		}
		if time.Since(ref) >= progressInterval {
			logger.Info("waiting for result",
				"path", path,
				"elapsed", time.Since(start).Round(time.Second).String(),
			)
			lastProgress = time.Now()
		}

		if time.Now().After(deadline) {
			logger.Warn("wait for result timed out",
				"path", path,
				"timeout", timeout.String(),
			)
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(interval):
		}
	}
}
