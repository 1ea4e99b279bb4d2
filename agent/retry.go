package main

import (
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// retrier retries transient failures with capped exponential backoff.
// Only network errors and retryable HTTP statuses are retried; a 4xx
// from the server means the request itself is wrong and repeats fail
// the same way.
type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
}

func newRetrier(initial, max time.Duration, maxRetries int) *retrier {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{initial: initial, max: max, maxRetries: maxRetries}
}

func (r *retrier) do(op string, fn func() error) error {
	var attempt int
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !isRetryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Dur("sleep", delay).Msg("Retrying")
		time.Sleep(delay)
		attempt++
	}
}

// backoffWithJitter doubles per attempt up to max, then picks a delay
// uniformly from [base/2, base] to spread reconnecting devices.
func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr statusError
	return errors.As(err, &statusErr) && statusErr.retryable()
}

// statusError carries a non-2xx response status through the retry loop.
type statusError struct {
	status int
}

func (e statusError) Error() string {
	return http.StatusText(e.status)
}

func (e statusError) retryable() bool {
	if e.status >= 500 && e.status < 600 {
		return true
	}
	return e.status == http.StatusTooManyRequests
}
