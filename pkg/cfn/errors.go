package cfn

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/smithy-go"
)

var (
	// ErrStackNotFound is returned when the provider reports that a stack does not exist
	ErrStackNotFound = errors.New("stack does not exist")

	// ErrNoUpdatesToPerform is returned by UpdateStack when the template and parameters are unchanged
	ErrNoUpdatesToPerform = errors.New("no updates are to be performed")

	// ErrConcurrentModification is returned when another update is in flight on the same resource
	ErrConcurrentModification = errors.New("concurrent modification")
)

const noUpdatesMessage = "No updates are to be performed."

// providerError keeps the raw SDK error available through errors.As while
// matching one of the sentinels above through errors.Is.
type providerError struct {
	kind error
	err  error
}

func (e *providerError) Error() string { return e.err.Error() }

func (e *providerError) Unwrap() []error { return []error{e.kind, e.err} }

// Classify decodes a provider error into the package taxonomy. Errors that
// do not match a known shape are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	msg := apiErr.ErrorMessage()
	switch {
	case apiErr.ErrorCode() == "ValidationError" && strings.Contains(msg, "does not exist"):
		return &providerError{kind: ErrStackNotFound, err: err}
	case apiErr.ErrorCode() == "ValidationError" && strings.Contains(msg, noUpdatesMessage):
		return &providerError{kind: ErrNoUpdatesToPerform, err: err}
	case apiErr.ErrorCode() == "ConcurrentModificationException":
		return &providerError{kind: ErrConcurrentModification, err: err}
	}
	return err
}

// ParameterError lists every template parameter left without a value
type ParameterError struct {
	Missing []string
}

func (e *ParameterError) Error() string {
	missing := append([]string(nil), e.Missing...)
	sort.Strings(missing)
	return fmt.Sprintf("The following CloudFormation Parameters are missing a value: %s", strings.Join(missing, ", "))
}
