// Package serrors provides severity-aware error types for the sync engine.
package serrors

import "fmt"

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SyncError is a structured error with context.
type SyncError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	EntityID    string   `json:"entity_id,omitempty"`
	Recoverable bool     `json:"recoverable"`
}

func (e *SyncError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("[%s] %s: %s (entity: %s)", e.Severity, e.Code, e.Message, e.EntityID)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

// Error codes. Malformed input, unavailable sources, and unresolved
// identifiers are recovered locally; an inconsistent catalog aborts the run.
const (
	ErrCodeMalformedInput      = "MALFORMED_INPUT"
	ErrCodeSourceUnavailable   = "SOURCE_UNAVAILABLE"
	ErrCodeInconsistentCatalog = "INCONSISTENT_CATALOG"
	ErrCodeChecksumInvalid     = "CHECKSUM_INVALID"
	ErrCodeStoreFailed         = "STORE_FAILED"
	ErrCodeRunAborted          = "RUN_ABORTED"
)

// NewInconsistentCatalogError creates the fatal error raised when a
// structural invariant is violated while indexing.
func NewInconsistentCatalogError(msg string, nodeIDs ...string) *SyncError {
	entity := ""
	if len(nodeIDs) > 0 {
		entity = nodeIDs[0]
	}
	return &SyncError{
		Code:        ErrCodeInconsistentCatalog,
		Message:     msg,
		Severity:    SeverityFatal,
		EntityID:    entity,
		Recoverable: false,
	}
}

// NewMalformedInputError creates an error for a single skipped record.
func NewMalformedInputError(msg, recordID string) *SyncError {
	return &SyncError{
		Code:        ErrCodeMalformedInput,
		Message:     msg,
		Severity:    SeverityWarning,
		EntityID:    recordID,
		Recoverable: true,
	}
}

// NewSourceUnavailableError marks an upstream source as absent for a run.
func NewSourceUnavailableError(source string, cause error) *SyncError {
	msg := fmt.Sprintf("source %s returned no usable records", source)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &SyncError{
		Code:        ErrCodeSourceUnavailable,
		Message:     msg,
		Severity:    SeverityWarning,
		EntityID:    source,
		Recoverable: true,
	}
}
