package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobarin/docurender/internal/models"
)

// ErrorClassifier lets an error declare its failure kind.
type ErrorClassifier interface {
	ErrorKind() string
}

// RenderError is a renderer call failure with its classification.
type RenderError struct {
	Kind string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

func (e *RenderError) ErrorKind() string { return e.Kind }

// FailureKind classifies a renderer failure. Errors that declare a kind keep
// it; deadline expiry is a timeout; everything else is a renderer error.
func FailureKind(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureKindTimeout
	}
	return models.FailureKindRenderer
}

// classify wraps err in a RenderError. A call that failed because its own
// timeout fired is a timeout even if the transport reported something else.
func classify(callCtx context.Context, err error) *RenderError {
	var re *RenderError
	if errors.As(err, &re) {
		return re
	}
	kind := FailureKind(err)
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		kind = models.FailureKindTimeout
	}
	return &RenderError{Kind: kind, Err: err}
}
