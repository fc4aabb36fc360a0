package reliability

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var ErrTimeout = errors.New("operation timed out")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry runs fn once and then up to retries more times, sleeping delay between
// attempts. It returns the last error, or ctx's error if cancelled while waiting.
func Retry(ctx context.Context, retries int, delay time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= retries {
			return err
		}
		log.Printf("retrying (%d/%d) after error: %v", attempt+1, retries, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// WithTimeout runs fn under a deadline and reports ErrTimeout when the
// deadline, not the parent context, ended it.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(tctx)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
	}
	return err
}
