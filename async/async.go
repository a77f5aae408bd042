// Package async has small helpers for dealing with dependencies that may
// not be ready yet, like a database or the wallet provider during startup.
package async

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Retry calls fn until it succeeds, doubling the pause between attempts.
// When every attempt fails the error of the last one is returned, wrapped
// with how long we kept trying.
func Retry(attempts int, sleep time.Duration, fn func() error) error {
	start := time.Now()
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sleep)
			sleep *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return errors.Wrapf(err, "failed after %d attempts and %s total duration",
		attempts, time.Since(start))
}

// Await polls the given condition until it reports true, doubling the pause
// between attempts. The optional messages end up in the error when the
// condition never becomes true.
func Await(attempts int, sleep time.Duration, fn func() bool, msgs ...string) error {
	start := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(sleep)
			sleep *= 2
		}
		if fn() {
			return nil
		}
	}
	msg := fmt.Sprintf("condition was not true after %d attempts and %s total waiting time",
		attempts, time.Since(start))
	for _, m := range msgs {
		msg += ": " + m
	}
	return errors.New(msg)
}
