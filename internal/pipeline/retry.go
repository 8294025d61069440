package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Outcome writes are retried this many times before the caller gives up.
const persistMaxRetries = 5

// persistRetryInterval is the first backoff step between outcome write attempts.
var persistRetryInterval = 250 * time.Millisecond

// persist runs a state write with exponential backoff. Missing rows are not
// retried.
func persist(ctx context.Context, what string, op func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = persistRetryInterval
	bo.MaxInterval = 5 * time.Second

	attempt := func() error {
		err := op(ctx)
		if errors.Is(err, ErrChapterNotFound) || errors.Is(err, ErrScriptNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("component", "pipeline").Str("write", what).Dur("retry_in", wait).Msg("State write failed, retrying")
	}

	return backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, persistMaxRetries), ctx), notify)
}
