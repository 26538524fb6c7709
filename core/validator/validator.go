// Package validator admits ledger job events before any work is done on them.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"compute-broker/core/models"
)

const maxJobKeyLength = 64

var jobKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ChainReader is the ledger state the validator consults.
type ChainReader interface {
	JobInfo(ctx context.Context, provider, jobKey string, index uint32) (models.LedgerJob, error)
	RequesterExists(ctx context.Context, requester string) (bool, error)
	RequesterVerified(ctx context.Context, requester string) (bool, error)
}

// Validator checks a job event against fresh ledger state. It has no side
// effects: a rejected job is neither charged nor refunded.
type Validator struct {
	chain ChainReader
}

func NewValidator(chain ChainReader) *Validator {
	return &Validator{chain: chain}
}

// Validate returns nil when the event may be processed, a *models.RejectionError
// when it must be skipped, and any other error when the ledger could not be read.
// Checks stop at the first failure.
func (v *Validator) Validate(ctx context.Context, ev models.JobEvent) error {
	if err := CheckJobKey(ev.JobKey); err != nil {
		return err
	}

	job, err := v.chain.JobInfo(ctx, ev.Provider, ev.JobKey, ev.Index)
	if err != nil {
		return fmt.Errorf("reading job state: %w", err)
	}
	switch job.State {
	case models.LedgerStatePending:
	case models.LedgerStateCompleted:
		return reject(models.RejectAlreadyCompleted, "")
	case models.LedgerStateRefunded:
		return reject(models.RejectAlreadyRefunded, "")
	default:
		return reject(models.RejectNotPending, job.State.String())
	}

	exists, err := v.chain.RequesterExists(ctx, ev.Requester)
	if err != nil {
		return fmt.Errorf("checking requester: %w", err)
	}
	if !exists {
		return reject(models.RejectRequesterNotRegistered, ev.Requester)
	}

	verified, err := v.chain.RequesterVerified(ctx, ev.Requester)
	if err != nil {
		return fmt.Errorf("checking requester identity: %w", err)
	}
	if !verified {
		return reject(models.RejectRequesterNotVerified, ev.Requester)
	}

	slog.DebugContext(ctx, "job admitted", "job_key", ev.JobKey, "index", ev.Index)
	return nil
}

// CheckJobKey rejects keys that cannot be used as a single path component.
func CheckJobKey(key string) error {
	switch {
	case key == "":
		return reject(models.RejectInvalidJobKey, "empty")
	case len(key) >= maxJobKeyLength:
		return reject(models.RejectInvalidJobKey, fmt.Sprintf("length %d", len(key)))
	case key == "." || key == "..":
		return reject(models.RejectInvalidJobKey, key)
	case !jobKeyPattern.MatchString(key):
		return reject(models.RejectInvalidJobKey, fmt.Sprintf("%q", key))
	}
	return nil
}

func reject(reason models.RejectionReason, detail string) *models.RejectionError {
	return &models.RejectionError{Reason: reason, Detail: detail}
}
