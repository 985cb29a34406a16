package sdapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sdstudio/sdclient/pkg/errors"
)

// Error kinds. Match them with errors.Is against any error returned by Client.
var (
	ErrQueueFull         = errors.New("queue full, retry later")
	ErrUnauthorized      = errors.New("authentication required")
	ErrRejected          = errors.New("request rejected")
	ErrServer            = errors.New("request failed")
	ErrMalformedResponse = errors.New("malformed response")
	ErrNoTaskID          = errors.New("no task id returned")
	ErrTransport         = errors.New("network error")
)

// Error describes a failed call to the generation service.
type Error struct {
	Kind       error
	StatusCode int
	// Message is the server-provided message, verbatim.
	Message string
	// AuthURL is set for ErrUnauthorized when the server provides a login URL.
	AuthURL string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrRejected:
		if e.Message != "" {
			return e.Message
		}
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case ErrUnauthorized:
		if e.Message != "" {
			return fmt.Sprintf("%s: %s", e.Kind, e.Message)
		}
		return e.Kind.Error()
	case ErrServer:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case ErrMalformedResponse, ErrTransport:
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Err)
		}
	}
	return e.Kind.Error()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	AuthURL string `json:"auth_url"`
}

// statusError classifies a non-2xx response. 429 is checked before the
// generic 4xx case.
func statusError(code int, body []byte) *Error {
	var eb errorBody
	msg := ""
	if err := json.Unmarshal(body, &eb); err == nil {
		msg = eb.Error
		if msg == "" {
			msg = eb.Message
		}
	} else {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case code == http.StatusTooManyRequests:
		return &Error{Kind: ErrQueueFull, StatusCode: code, Message: msg}
	case code == http.StatusUnauthorized:
		return &Error{Kind: ErrUnauthorized, StatusCode: code, Message: msg, AuthURL: eb.AuthURL}
	case code >= 400 && code < 500:
		if msg == "" {
			msg = http.StatusText(code)
		}
		return &Error{Kind: ErrRejected, StatusCode: code, Message: msg}
	default:
		return &Error{Kind: ErrServer, StatusCode: code, Message: msg}
	}
}
