package chat

import (
	"context"
	"fmt"
	"log"
	"mime"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-chatfanout/internal/database"
	"github.com/npezzotti/go-chatfanout/internal/types"
)

const MB = 1 << 20

// Limits bounds what a single message may carry.
type Limits struct {
	MaxBodyLength     int
	MaxAttachments    int
	MaxAttachmentSize int64
	// AllowedContentTypes holds media types such as "application/pdf" or wildcards
	// such as "image/*".
	AllowedContentTypes []string
}

func DefaultLimits() Limits {
	return Limits{
		MaxBodyLength:       4096,
		MaxAttachments:      10,
		MaxAttachmentSize:   25 * MB,
		AllowedContentTypes: []string{"image/*", "video/*", "audio/*", "text/plain", "application/pdf", "application/zip"},
	}
}

// Ingest validates and persists messages and hands them to the dispatcher.
type Ingest struct {
	log        *log.Logger
	repo       database.ChatRepository
	index      *Index
	dispatcher *Dispatcher
	limits     Limits
	validate   *validator.Validate
	now        func() time.Time
}

func NewIngest(logger *log.Logger, repo database.ChatRepository, index *Index, dispatcher *Dispatcher, limits Limits) *Ingest {
	return &Ingest{
		log:        logger,
		repo:       repo,
		index:      index,
		dispatcher: dispatcher,
		limits:     limits,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// CreateMessage persists a message from authorId and dispatches it. It returns once the
// receipts exist and the message was published, not once it was delivered.
func (in *Ingest) CreateMessage(ctx context.Context, authorId int, container types.ContainerRef, body string, attachments []types.Attachment) (types.Message, error) {
	if !container.Valid() {
		return types.Message{}, &ValidationError{Field: "container", Reason: "unknown container"}
	}
	if err := in.validateMessage(body, attachments); err != nil {
		return types.Message{}, err
	}
	if err := in.index.authorize(ctx, authorId, container); err != nil {
		return types.Message{}, err
	}

	msg, err := in.repo.CreateMessage(ctx, database.CreateMessageParams{
		Container:   container,
		UserId:      authorId,
		Content:     body,
		Attachments: attachments,
		CreatedAt:   in.now().UTC(),
	})
	if err != nil {
		return types.Message{}, notFound(string(container.Kind), container.Id, err)
	}

	// the message is durable now, so dispatch runs to completion
	dispatchCtx := context.WithoutCancel(ctx)
	if err := in.dispatcher.MessageCreated(dispatchCtx, msg); err != nil {
		in.log.Printf("dispatch message %d: %v", msg.Id, err)
		if delErr := in.repo.DeleteMessage(dispatchCtx, msg.Id); delErr != nil {
			in.log.Printf("roll back message %d: %v", msg.Id, delErr)
		}
		in.dispatcher.MessageAbandoned(dispatchCtx, msg)
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	return msg, nil
}

// DeleteMessage deletes a message and its receipts. Only the author may delete.
func (in *Ingest) DeleteMessage(ctx context.Context, userId, messageId int) error {
	msg, err := in.repo.GetMessage(ctx, messageId)
	if err != nil {
		return notFound("message", messageId, err)
	}

	if msg.UserId != userId {
		return &UnauthorizedError{UserId: userId, Container: msg.Container, Reason: "only the author may delete a message"}
	}

	if err := in.repo.DeleteMessage(ctx, messageId); err != nil {
		return notFound("message", messageId, err)
	}

	in.dispatcher.MessageDeleted(context.WithoutCancel(ctx), msg)
	return nil
}

// History returns up to limit messages older than the before seq_id, newest first. A
// before of zero starts at the latest message.
func (in *Ingest) History(ctx context.Context, userId int, container types.ContainerRef, before, limit int) ([]types.Message, error) {
	if before < 0 {
		return nil, &ValidationError{Field: "before", Reason: "must not be negative"}
	}
	if err := in.index.authorize(ctx, userId, container); err != nil {
		return nil, err
	}

	return in.repo.GetMessages(ctx, container, before, limit)
}

func (in *Ingest) validateMessage(body string, attachments []types.Attachment) error {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return &ValidationError{Field: "content", Reason: "message must have content or an attachment"}
	}

	if err := in.validate.Var(body, fmt.Sprintf("max=%d", in.limits.MaxBodyLength)); err != nil {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("longer than %d characters", in.limits.MaxBodyLength)}
	}

	if len(attachments) > in.limits.MaxAttachments {
		return &ValidationError{Field: "attachments", Reason: fmt.Sprintf("at most %d attachments allowed", in.limits.MaxAttachments)}
	}

	for _, a := range attachments {
		if err := in.validate.Struct(a); err != nil {
			return fromValidator(err)
		}
		if a.Size > in.limits.MaxAttachmentSize {
			return &ValidationError{Field: "size", Reason: fmt.Sprintf("%s is larger than %d bytes", a.Filename, in.limits.MaxAttachmentSize)}
		}
		if err := in.checkContentType(a.ContentType); err != nil {
			return err
		}
	}

	return nil
}

func (in *Ingest) checkContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return &ValidationError{Field: "content_type", Reason: fmt.Sprintf("malformed content type %q", contentType)}
	}

	known := mimetype.Lookup(mediaType)
	if known == nil {
		return &ValidationError{Field: "content_type", Reason: fmt.Sprintf("unknown content type %q", mediaType)}
	}

	if !contentTypeAllowed(known, in.limits.AllowedContentTypes) {
		return &ValidationError{Field: "content_type", Reason: fmt.Sprintf("content type %q not allowed", mediaType)}
	}
	return nil
}

func contentTypeAllowed(m *mimetype.MIME, allowed []string) bool {
	for _, pattern := range allowed {
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if strings.HasPrefix(m.String(), prefix+"/") {
				return true
			}
			continue
		}
		if m.Is(pattern) {
			return true
		}
	}
	return false
}
