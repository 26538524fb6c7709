package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every log line written with the carrying context.
type LogFields struct {
	JobKey      *string
	Index       *uint32
	BlockNumber *uint64
	Requester   *string
	StorageID   *string
	Component   string // e.g. "broker.driver", "broker.dispatcher"
}

// WithLogFields merges fields into ctx. Newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields carried by ctx, or an empty set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.JobKey != nil {
		result.JobKey = new.JobKey
	}
	if new.Index != nil {
		result.Index = new.Index
	}
	if new.BlockNumber != nil {
		result.BlockNumber = new.BlockNumber
	}
	if new.Requester != nil {
		result.Requester = new.Requester
	}
	if new.StorageID != nil {
		result.StorageID = new.StorageID
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate shortens s to maxLen characters, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
