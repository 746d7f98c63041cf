package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/go-chatfanout/internal/chat"
	"github.com/npezzotti/go-chatfanout/internal/pubsub"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a frame sent by the client. Exactly one action is set.
type ClientMessage struct {
	Id          int          `json:"id,omitempty"`
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Publish     *Publish     `json:"publish,omitempty"`
	Read        *Read        `json:"read,omitempty"`
}

type Subscribe struct {
	Container types.ContainerRef `json:"container"`
}

type Unsubscribe struct {
	Container types.ContainerRef `json:"container"`
}

type Publish struct {
	Container   types.ContainerRef `json:"container"`
	Content     string             `json:"content"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

type Read struct {
	Container types.ContainerRef `json:"container"`
	// UpTo defaults to now.
	UpTo time.Time `json:"up_to"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response     `json:"response,omitempty"`
	Event    *pubsub.Event `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func response(id, code int, data any, errMsg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, data, "")
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return response(id, http.StatusAccepted, data, "")
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, nil, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, nil, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	if id < 0 {
		id = 0
	}
	return response(id, http.StatusBadRequest, nil, "invalid message format")
}

// ErrFromChat converts an error returned by the chat service into a response frame.
func ErrFromChat(id int, err error) *ServerMessage {
	var (
		validation   *chat.ValidationError
		unauthorized *chat.UnauthorizedError
		notFound     *chat.NotFoundError
	)

	switch {
	case errors.As(err, &validation):
		return response(id, http.StatusBadRequest, nil, validation.Error())
	case errors.As(err, &unauthorized):
		return response(id, http.StatusForbidden, nil, "forbidden")
	case errors.As(err, &notFound):
		return response(id, http.StatusNotFound, nil, notFound.Error())
	case errors.Is(err, context.DeadlineExceeded):
		// the store did not answer within the request timeout
		return ErrServiceUnavailable(id)
	}
	return ErrInternalError(id)
}

// EventMessage wraps an event pushed by the dispatcher.
func EventMessage(ev pubsub.Event) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       &ev,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
