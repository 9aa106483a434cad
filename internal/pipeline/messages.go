package pipeline

import (
	stderrors "errors"

	"github.com/hpungsan/margin/internal/errors"
)

// UserMessage turns a pipeline error into a short reply for a chat user.
// Internal details stay in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch errors.CodeOf(err) {
	case errors.ErrCaptureFailed:
		return "I couldn't capture that, nothing was saved. Please try again."
	case errors.ErrOracleUnavailable:
		return "The model is unavailable right now. Please try again in a moment."
	case errors.ErrMalformedOutput:
		return "I got a garbled answer back. Please try again."
	case errors.ErrOverviewShapeInvalid:
		var me *errors.MarginError
		if stderrors.As(err, &me) {
			return "That overview was rejected: " + me.Message
		}
		return "That overview was rejected."
	case errors.ErrInvalidRequest, errors.ErrNotFound, errors.ErrConflict:
		var me *errors.MarginError
		if stderrors.As(err, &me) {
			return me.Message
		}
	case errors.ErrUnauthorized:
		return "Not authorized."
	}
	return "Something went wrong. Please try again."
}
