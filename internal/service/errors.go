package service

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// ErrorKind classifies failures of chat operations.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindForbidden   ErrorKind = "forbidden"
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindUnavailable ErrorKind = "unavailable"
)

// Error is the typed failure returned by chat operations.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and reason so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Reason == other.Reason
}

var (
	ErrSelfConversation     = &Error{Kind: KindValidation, Reason: "cannot start a conversation with yourself"}
	ErrGroupNameRequired    = &Error{Kind: KindValidation, Reason: "group name is required"}
	ErrGroupTooSmall        = &Error{Kind: KindValidation, Reason: "a group needs at least two other participants"}
	ErrEmptyMessage         = &Error{Kind: KindValidation, Reason: "message must have content or attachments"}
	ErrMessageTooLong       = &Error{Kind: KindValidation, Reason: "message content is too long"}
	ErrTooManyAttachments   = &Error{Kind: KindValidation, Reason: "too many attachments"}
	ErrInvalidReply         = &Error{Kind: KindValidation, Reason: "reply target must belong to the same conversation"}
	ErrGroupOnly            = &Error{Kind: KindValidation, Reason: "operation is only available for groups"}
	ErrDirectOnly           = &Error{Kind: KindValidation, Reason: "operation is only available for direct conversations"}
	ErrConversationNotFound = &Error{Kind: KindNotFound, Reason: "conversation not found"}
	ErrMessageNotFound      = &Error{Kind: KindNotFound, Reason: "message not found"}
	ErrParticipantNotFound  = &Error{Kind: KindNotFound, Reason: "user is not a participant"}
	ErrNotParticipant       = &Error{Kind: KindForbidden, Reason: "not a participant of this conversation"}
	ErrNotAdmin             = &Error{Kind: KindForbidden, Reason: "only group admins can do this"}
	ErrNotSender            = &Error{Kind: KindForbidden, Reason: "only the sender can modify this message"}
	ErrCreatorRemoval       = &Error{Kind: KindForbidden, Reason: "the group creator cannot be removed"}
	ErrDirectConflict       = &Error{Kind: KindConflict, Reason: "direct conversation could not be resolved"}
)

func validationError(err error) *Error {
	return &Error{Kind: KindValidation, Reason: "invalid payload", Err: err}
}

func unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Reason: "storage unavailable", Err: err}
}

// storeError maps storage errors, translating missing records into notFound.
func storeError(err error, notFound *Error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) && notFound != nil {
		return notFound
	}
	return unavailable(err)
}

// KindOf classifies any error returned by the chat services.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		return KindValidation
	}

	var invalidValidation *validator.InvalidValidationError
	if errors.As(err, &invalidValidation) {
		return KindValidation
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return KindConflict
	}

	return KindUnavailable
}

// ReasonOf returns a client-safe message for err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}

	var typed *Error
	if errors.As(err, &typed) {
		if typed.Kind == KindValidation && typed.Err != nil {
			return typed.Err.Error()
		}
		return typed.Reason
	}

	switch KindOf(err) {
	case KindValidation:
		return err.Error()
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	default:
		return "service temporarily unavailable"
	}
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
