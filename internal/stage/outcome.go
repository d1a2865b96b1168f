// Package stage implements the five per-chunk agents. Every agent is total:
// it returns an Outcome and never lets an error or panic cross its boundary.
package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shadow-cli/internal/gateway"
)

// Name identifies a stage.
type Name string

const (
	Generate Name = "generate"
	Validate Name = "validate"
	Assess   Name = "assess"
	Correct  Name = "correct"
	Finalize Name = "finalize"
)

// Failure kinds produced by the stages themselves. Gateway failures keep
// their gateway.Kind string.
const (
	KindRejected     = "validation_rejected"
	KindMissingInput = "missing_input"
	KindInternal     = "internal"
)

// ErrValidationRejected is wrapped by failures from structural validation.
var ErrValidationRejected = eris.New("validation rejected")

// Failure describes why a stage produced no value.
type Failure struct {
	Stage   Name
	Kind    string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Stage, f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is the tagged result of a stage: exactly one of Value and
// Failure is set.
type Outcome[T any] struct {
	Value   *T
	Failure *Failure
}

// OK reports whether the stage produced a value.
func (o Outcome[T]) OK() bool {
	return o.Value != nil && o.Failure == nil
}

func succeed[T any](v T) Outcome[T] {
	return Outcome[T]{Value: &v}
}

func fail[T any](stage Name, kind, msg string, err error) Outcome[T] {
	return Outcome[T]{Failure: &Failure{Stage: stage, Kind: kind, Message: msg, Err: err}}
}

func failFromGateway[T any](stage Name, err error) Outcome[T] {
	kind := string(gateway.KindOf(err))
	switch {
	case kind != "":
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = string(gateway.Canceled)
	default:
		kind = string(gateway.ProviderError)
	}
	return fail[T](stage, kind, err.Error(), err)
}

// guard converts a panic inside a stage into a Failure.
func guard[T any](stage Name, out *Outcome[T]) {
	if r := recover(); r != nil {
		zap.L().Error("stage: recovered panic",
			zap.String("stage", string(stage)),
			zap.Any("panic", r),
		)
		*out = fail[T](stage, KindInternal, fmt.Sprint(r), nil)
	}
}
