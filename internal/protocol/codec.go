package protocol

import (
	"encoding/json"
	"fmt"
)

// ViolationError marks a frame that is fatal to the connection: malformed
// JSON, an unrecognized type, or a type not legal in the session's current
// phase. The session closes immediately on this error without a response.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// Violation builds a ViolationError.
func Violation(format string, args ...any) error {
	return &ViolationError{Reason: fmt.Sprintf(format, args...)}
}

// DecodeEnvelope extracts just the type/id discriminator, leaving the rest
// of the frame for a type-specific decode.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Violation("malformed frame: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, Violation("missing type discriminator")
	}
	return env, nil
}

// Decode unmarshals raw into v, wrapping any failure as a ViolationError.
func Decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return Violation("malformed %T frame: %v", v, err)
	}
	return nil
}
