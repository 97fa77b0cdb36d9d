package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

// fetchSnapshot calls req until it yields a non-empty result, at most
// RetryAttempts times. Authentication failures are not retried here; the
// interceptor already spent its single retry on them.
func (c *Client) fetchSnapshot(ctx context.Context, req request) (gjson.Result, error) {
	var (
		result  gjson.Result
		attempt int
	)

	op := func() error {
		attempt++
		res, err := c.do(ctx, req)
		if err != nil {
			if errors.Is(err, ErrAuthExpired) {
				return backoff.Permanent(err)
			}
			log.Warnf("Fetching %s failed (attempt %d/%d): %v", req.name, attempt, c.config.RetryAttempts, err)
			return err
		}
		if isEmpty(res) {
			log.Warnf("Fetching %s returned an empty result (attempt %d/%d)", req.name, attempt, c.config.RetryAttempts)
			return fmt.Errorf("%w: %s: empty result", ErrUpstreamUnavailable, req.name)
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.RetryInterval), uint64(c.config.RetryAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if !errors.Is(err, ErrUpstreamUnavailable) && !errors.Is(err, ErrAuthExpired) {
			return gjson.Result{}, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, req.name, err)
		}
		return gjson.Result{}, err
	}
	return result, nil
}
