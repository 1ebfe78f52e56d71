package domain

import "fmt"

// Error types for consistent error handling across the improvement loop.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external collaborator call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrMalformedInput indicates a payload that does not match its schema.
// Unlike domain ambiguity this is fatal to the caller.
type ErrMalformedInput struct {
	Schema string
	Err    error
}

func (e *ErrMalformedInput) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Schema, e.Err)
}

func (e *ErrMalformedInput) Unwrap() error {
	return e.Err
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrDataQuality indicates a metric that cannot be compared against its
// baseline (zero, missing or non-finite). It blocks severity computation
// and never raises an alert.
type ErrDataQuality struct {
	Metric string
	Reason string
}

func (e *ErrDataQuality) Error() string {
	return fmt.Sprintf("data quality error on metric '%s': %s", e.Metric, e.Reason)
}

// ErrConflict indicates an optimistic-version mismatch: the stored entity
// advanced since it was read. Callers re-read and retry.
type ErrConflict struct {
	Entity   EntityType
	ID       string
	Expected int
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("version conflict on %s %s: expected version %d", e.Entity, e.ID, e.Expected)
}

// ErrInvalidTransition indicates a lifecycle move the state machine forbids.
type ErrInvalidTransition struct {
	Entity EntityType
	ID     string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// ErrInsufficientTestCoverage indicates an incomplete validation result.
// It degrades to a NEEDS_REVIEW decision, never a hard failure.
type ErrInsufficientTestCoverage struct {
	Missing []string
}

func (e *ErrInsufficientTestCoverage) Error() string {
	return fmt.Sprintf("insufficient test coverage: %v", e.Missing)
}

// ErrValidationTimeout indicates the external test harness exceeded its bound.
type ErrValidationTimeout struct {
	ProposalID string
}

func (e *ErrValidationTimeout) Error() string {
	return fmt.Sprintf("validation timeout for proposal %s", e.ProposalID)
}

// ErrDuplicateAlert indicates a dedup collision with an active alert.
// It is merged into the existing alert and not surfaced as a failure.
type ErrDuplicateAlert struct {
	Fingerprint string
	ExistingID  string
}

func (e *ErrDuplicateAlert) Error() string {
	return fmt.Sprintf("duplicate alert for fingerprint %s (existing %s)", e.Fingerprint, e.ExistingID)
}
