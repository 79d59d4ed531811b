package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationErrorItem is one field-level schema violation.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// SchemaValidationError reports a payload that matches no variant schema.
// It is terminal: a malformed job is dropped, never retried.
type SchemaValidationError struct {
	Kind    string                `json:"kind,omitempty"`
	Errors  []ValidationErrorItem `json:"validation_errors,omitempty"`
	Message string                `json:"error"`
}

func (e *SchemaValidationError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return "payload_schema_validation_failed"
}

// IsSchemaValidationError reports whether err is a schema validation failure.
func IsSchemaValidationError(err error) bool {
	var se *SchemaValidationError
	return errors.As(err, &se)
}

// NotFoundError reports a job whose target conversation does not exist in
// the directory. Terminal: the job is dropped.
type NotFoundError struct {
	ConversationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("conversation %s not found", e.ConversationID)
}

// UntrustedIdentityError reports a send blocked by an unverified identity
// key change for one recipient.
type UntrustedIdentityError struct {
	ServiceID string
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("untrusted identity for %s", e.ServiceID)
}

// ChallengeError reports a server-issued rate-limit challenge (captcha)
// that must be solved before further sends to the conversation succeed.
type ChallengeError struct {
	Token      string
	RetryAfter time.Duration
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("rate limit challenge issued (retry after %s)", e.RetryAfter)
}

// SendError aggregates per-recipient failures from a fan-out send.
type SendError struct {
	Errs []error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed for %d recipients", len(e.Errs))
}

// Unwrap exposes the per-recipient errors to errors.Is/As and to the
// classification walk.
func (e *SendError) Unwrap() []error {
	return e.Errs
}
