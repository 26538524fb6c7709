package executor

import (
	"math"
	"strings"
	"time"
)

// failure classifies a rejected submission.
type failure int

const (
	failureInvalidAccount failure = iota
	failureUnparsable
	failureOther
)

func (f failure) String() string {
	switch f {
	case failureInvalidAccount:
		return "invalid account"
	case failureUnparsable:
		return "unparsable response"
	default:
		return "submit failed"
	}
}

// recovery is the action taken before the next attempt.
type recovery int

const (
	recoverRecreateAccount recovery = iota
	recoverBackoff
)

func classifyFailure(output string, err error) failure {
	text := output
	if err != nil {
		text += " " + err.Error()
	}
	switch {
	case strings.Contains(text, "Invalid account"):
		return failureInvalidAccount
	case err == nil:
		return failureUnparsable
	default:
		return failureOther
	}
}

func recoveryFor(f failure) recovery {
	switch f {
	case failureInvalidAccount:
		return recoverRecreateAccount
	default:
		return recoverBackoff
	}
}

// Backoff is an exponential delay capped at Max.
type Backoff struct {
	Base float64
	Max  time.Duration
}

// Delay returns Base^attempt seconds, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	seconds := math.Pow(b.Base, float64(attempt))
	limit := b.Max.Seconds()
	if seconds > limit {
		seconds = limit
	}
	return time.Duration(seconds * float64(time.Second))
}
