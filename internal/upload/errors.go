package upload

import (
	"errors"
	"fmt"
)

// Kind classifies an upload failure.
type Kind int

const (
	// KindStatus: the server answered with an error status.
	KindStatus Kind = iota + 1
	// KindNoResponse: the request went out but no response came back.
	KindNoResponse
	// KindRequest: the request could not be built or sent.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindNoResponse:
		return "no_response"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Error is a failed upload.
type Error struct {
	Kind     Kind
	UploadID string
	Status   int    // KindStatus only
	Body     string // KindStatus only, truncated
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("upload %s: server returned status %d: %s", e.UploadID, e.Status, e.Body)
	case KindNoResponse:
		return fmt.Sprintf("upload %s: no response: %v", e.UploadID, e.Err)
	default:
		return fmt.Sprintf("upload %s: request failed: %v", e.UploadID, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of an upload error, or 0 if err is not one.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return 0
}
