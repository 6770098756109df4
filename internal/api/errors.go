package api

import "fmt"

const maxErrorBodyChars = 200

// AuthError indicates missing or rejected credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth error: " + e.Reason
}

// NetworkError indicates a transport-level failure (refused connection,
// DNS resolution, timeout).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError indicates an unexpected HTTP status or a response body
// that is not the expected JSON envelope.
type ProtocolError struct {
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("protocol error: HTTP %d: %s", e.StatusCode, e.Body)
	}
	return "protocol error: " + e.Body
}

func newProtocolError(statusCode int, body string) *ProtocolError {
	return &ProtocolError{StatusCode: statusCode, Body: capBody(body)}
}

// capBody truncates server error bodies so a misbehaving endpoint cannot
// flood logs or UI surfaces.
func capBody(body string) string {
	runes := []rune(body)
	if len(runes) <= maxErrorBodyChars {
		return body
	}
	return string(runes[:maxErrorBodyChars]) + "..."
}
