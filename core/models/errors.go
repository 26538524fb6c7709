package models

import (
	"errors"
	"fmt"
)

// RejectionReason tags why a job event was not admitted.
type RejectionReason string

const (
	RejectInvalidJobKey          RejectionReason = "InvalidJobKey"
	RejectAlreadyCompleted       RejectionReason = "AlreadyCompleted"
	RejectAlreadyRefunded        RejectionReason = "AlreadyRefunded"
	RejectNotPending             RejectionReason = "NotPending"
	RejectRequesterNotRegistered RejectionReason = "RequesterNotRegistered"
	RejectRequesterNotVerified   RejectionReason = "RequesterNotVerified"
	RejectUnpriceable            RejectionReason = "Unpriceable"
)

// RejectionError means the job was never admitted. Nothing is charged or refunded.
type RejectionError struct {
	Reason RejectionReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("job rejected: %s", e.Reason)
	}
	return fmt.Sprintf("job rejected: %s: %s", e.Reason, e.Detail)
}

// FetchKind classifies a content materialization failure.
type FetchKind string

const (
	FetchMissingEntryPoint  FetchKind = "MissingEntryPoint"
	FetchContentUnavailable FetchKind = "ContentUnavailable"
)

// FetchError is an irrecoverable content problem. The job is refunded.
type FetchError struct {
	Kind      FetchKind
	Hash      string
	StorageID StorageID
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s from %s: %s", e.Hash, e.StorageID, e.Kind)
	}
	return fmt.Sprintf("fetch %s from %s: %s: %v", e.Hash, e.StorageID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SchedulerTransientError is a submission failure that may succeed on retry.
type SchedulerTransientError struct {
	Failure string
	Output  string
	Err     error
}

func (e *SchedulerTransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("scheduler %s: %q", e.Failure, e.Output)
	}
	return fmt.Sprintf("scheduler %s: %v", e.Failure, e.Err)
}

func (e *SchedulerTransientError) Unwrap() error { return e.Err }

// SchedulerFatalError stops the driver. The checkpoint is not advanced past
// the block that produced it.
type SchedulerFatalError struct {
	JobKey   string
	Index    uint32
	Attempts int
	Err      error
}

func (e *SchedulerFatalError) Error() string {
	return fmt.Sprintf("scheduler fatal for %s/%d after %d attempts: %v", e.JobKey, e.Index, e.Attempts, e.Err)
}

func (e *SchedulerFatalError) Unwrap() error { return e.Err }

// ConnectivityError means the ledger or scheduler host could not be reached.
type ConnectivityError struct {
	Target string
	Op     string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable during %s: %v", e.Target, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop the event loop.
func IsFatal(err error) bool {
	var fatal *SchedulerFatalError
	var conn *ConnectivityError
	return errors.As(err, &fatal) || errors.As(err, &conn)
}
