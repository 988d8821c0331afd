package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/flashpatch/internal/parity"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
)

type requestError struct {
	msg  string
	kind error
}

func (e requestError) Error() string {
	return e.msg
}

func (e requestError) Unwrap() error {
	return e.kind
}

func newInvalidRequest(msg string) error {
	return requestError{msg: msg, kind: ErrInvalidRequest}
}

func newNotFound(msg string) error {
	return requestError{msg: msg, kind: ErrNotFound}
}

// classify maps an error to its HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, parity.ErrInvalidOptions):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
