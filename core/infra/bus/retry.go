package bus

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError tells an ack/nak capable subscriber (JetStream) to nak
// the message and have it redelivered after Delay. Handlers passed to
// SubscribeEvents return one to reschedule an event instead of dropping it.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err so the delivering bus redelivers it after delay.
// Negative delays clamp to zero, meaning immediate redelivery.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay reports the redelivery delay err carries, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if !errors.As(err, &re) || re == nil {
		return 0, false
	}
	if re.Delay < 0 {
		return 0, true
	}
	return re.Delay, true
}
