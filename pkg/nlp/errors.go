package nlp

import "errors"

// Common LLM client errors
var (
	// ErrRateLimit indicates the rate limit has been exceeded
	ErrRateLimit = errors.New("rate limit exceeded. Please try again later")

	// ErrRefusal indicates the LLM refused to respond to the prompt
	ErrRefusal = errors.New("the LLM refused to respond to this prompt")

	// ErrEmptyResponse indicates the LLM returned an empty response
	ErrEmptyResponse = errors.New("the LLM returned an empty response")

	// ErrInvalidModel indicates an invalid model was specified
	ErrInvalidModel = errors.New("invalid model specified")

	// ErrMalformedResponse indicates the LLM output could not be parsed
	ErrMalformedResponse = errors.New("the LLM returned a response that could not be parsed")
)

// RateLimitError represents a rate limit error with optional custom message
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit exceeded. Please try again later"
	}
	return e.Message
}

// Is implements errors.Is support for RateLimitError.
// This allows errors.Is(err, &RateLimitError{}) to work with wrapped errors.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// NewRateLimitError creates a new rate limit error with optional custom message
func NewRateLimitError(message ...string) *RateLimitError {
	err := &RateLimitError{}
	if len(message) > 0 {
		err.Message = message[0]
	}
	return err
}

// RefusalError represents an LLM refusal error
type RefusalError struct {
	Message string
}

func (e *RefusalError) Error() string {
	return e.Message
}

// Is implements errors.Is support for RefusalError.
// This allows errors.Is(err, &RefusalError{}) to work with wrapped errors.
func (e *RefusalError) Is(target error) bool {
	_, ok := target.(*RefusalError)
	return ok
}

// NewRefusalError creates a new refusal error (message is required)
func NewRefusalError(message string) *RefusalError {
	return &RefusalError{Message: message}
}

// EmptyResponseError represents an empty response error
type EmptyResponseError struct {
	Message string
}

func (e *EmptyResponseError) Error() string {
	return e.Message
}

// Is implements errors.Is support for EmptyResponseError.
// This allows errors.Is(err, &EmptyResponseError{}) to work with wrapped errors.
func (e *EmptyResponseError) Is(target error) bool {
	_, ok := target.(*EmptyResponseError)
	return ok
}

// NewEmptyResponseError creates a new empty response error (message is required)
func NewEmptyResponseError(message string) *EmptyResponseError {
	return &EmptyResponseError{Message: message}
}

// MalformedResponseError carries the raw model output that failed to parse.
type MalformedResponseError struct {
	Message string
	Raw     string
}

func (e *MalformedResponseError) Error() string {
	if e.Message == "" {
		return ErrMalformedResponse.Error()
	}
	return e.Message
}

// Is implements errors.Is support for MalformedResponseError and ErrMalformedResponse.
func (e *MalformedResponseError) Is(target error) bool {
	if target == ErrMalformedResponse {
		return true
	}
	_, ok := target.(*MalformedResponseError)
	return ok
}

// NewMalformedResponseError creates a new malformed response error.
func NewMalformedResponseError(message, raw string) *MalformedResponseError {
	return &MalformedResponseError{Message: message, Raw: raw}
}
