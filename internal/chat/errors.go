package chat

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

// ValidationError reports bad caller input. It is safe to show to the user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnauthorizedError reports a membership or permission violation.
type UnauthorizedError struct {
	UserId    int
	Container types.ContainerRef
	Reason    string
	Err       error
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("user %d not permitted on %s: %s", e.UserId, e.Container, e.Reason)
}

func (e *UnauthorizedError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Resource string
	Id       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.Id)
}

func (e *NotFoundError) Unwrap() error {
	return database.ErrNotFound
}

// DuplicateReceiptError means receipts were requested twice for one message, which
// only a dispatcher bug can cause. It is never retried.
type DuplicateReceiptError struct {
	MessageId int
}

func (e *DuplicateReceiptError) Error() string {
	return fmt.Sprintf("receipts already created for message %d", e.MessageId)
}

func (e *DuplicateReceiptError) Unwrap() error {
	return database.ErrDuplicateReceipt
}

// DeliveryTimeoutError is a best-effort push that did not complete in time. It is logged
// by the dispatcher and never surfaced to the sender.
type DeliveryTimeoutError struct {
	UserId    int
	SinkId    string
	Container types.ContainerRef
}

func (e *DeliveryTimeoutError) Error() string {
	return fmt.Sprintf("delivery to user %d on %s (connection %s) timed out", e.UserId, e.Container, e.SinkId)
}

func notFound(resource string, id any, err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return &NotFoundError{Resource: resource, Id: fmt.Sprint(id)}
	}
	return err
}

func notMember(userId int, container types.ContainerRef) error {
	return &UnauthorizedError{UserId: userId, Container: container, Reason: "not a member"}
}

// fromValidator converts the first field failure reported by the validator.
func fromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}

	fe := fieldErrs[0]
	reason := fe.Tag()
	if fe.Param() != "" {
		reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
	}

	field := fe.Field()
	if field == "" {
		field = fe.Namespace()
	}
	return &ValidationError{Field: field, Reason: "failed " + reason}
}
