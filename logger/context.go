package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context that carries
// them.
type LogFields struct {
	JobID     *uint64
	Actor     string
	RequestID string
	Component string // e.g. "client.engine", "api"
}

// WithLogFields merges fields into the context. Non-empty values in fields
// replace existing ones.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.JobID != nil {
		merged.JobID = fields.JobID
	}
	if fields.Actor != "" {
		merged.Actor = fields.Actor
	}
	if fields.RequestID != "" {
		merged.RequestID = fields.RequestID
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}
