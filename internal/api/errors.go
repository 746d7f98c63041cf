package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-chatfanout/internal/chat"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewValidationError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    err.Error(),
		Err:        err,
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

// errorFromChat maps chat service errors onto the API error taxonomy. Anything
// unrecognised becomes a 500.
func errorFromChat(err error) *ApiError {
	var (
		validationErr   *chat.ValidationError
		unauthorizedErr *chat.UnauthorizedError
		notFoundErr     *chat.NotFoundError
	)

	switch {
	case errors.As(err, &validationErr):
		return NewValidationError(validationErr)
	case errors.As(err, &unauthorizedErr):
		errResp := NewForbiddenError()
		errResp.Err = err
		return errResp
	case errors.As(err, &notFoundErr):
		return &ApiError{
			StatusCode: http.StatusNotFound,
			Message:    notFoundErr.Error(),
			Err:        err,
		}
	default:
		return NewInternalServerError(err)
	}
}
