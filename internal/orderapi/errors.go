package orderapi

// ErrorKind classifies a failed remote call so the engine can route it:
// connectivity and timeout failures feed the offline queue, conflicts
// feed the resolution state machine, and the rest surface to callers.
type ErrorKind string

const (
	KindConnectivity  ErrorKind = "CONNECTIVITY"
	KindTimeout       ErrorKind = "TIMEOUT"
	KindAuthorization ErrorKind = "AUTHORIZATION"
	KindConflict      ErrorKind = "CONFLICT"
	KindValidation    ErrorKind = "VALIDATION"
	KindUnknown       ErrorKind = "UNKNOWN"
)

// ConflictInfo carries the structured cross-restaurant rejection
// payload returned by the order service.
type ConflictInfo struct {
	CurrentRestaurant string `json:"currentRestaurant"`
	NewRestaurant     string `json:"newRestaurant"`
}

type Error struct {
	Kind     ErrorKind
	Code     string
	Message  string
	Conflict *ConflictInfo
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

// Retriable reports whether the failure should be routed to the
// offline queue. Only connectivity-class failures are; retrying an
// invalid or unauthorized request fails identically.
func (e *Error) Retriable() bool {
	return e.Kind == KindConnectivity || e.Kind == KindTimeout
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf extracts the error kind, defaulting to Unknown for errors
// that did not originate from this client.
func KindOf(err error) ErrorKind {
	if apiErr, ok := err.(*Error); ok {
		return apiErr.Kind
	}
	return KindUnknown
}
