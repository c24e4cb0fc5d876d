// Package errors turns arbitrary errors into short, low-cardinality class names for
// metric tags and notification payloads.
package errors

import (
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	apperrors "github.com/target/voice-message-api/internal/errors"
)

// Classify returns a normalized error class:
//   - application errors classify by code (app_upstream, app_storage, ...)
//   - context expiry and cancellation become timeout / canceled
//   - network failures become network or network_timeout
//   - anything else is named after its innermost concrete type (pkg_type)
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if code := apperrors.GetCode(err); code != "" {
		return "app_" + string(code)
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) {
		if netErr.Timeout() {
			return "network_timeout"
		}
		return "network"
	}

	return typeName(innermost(err))
}

// innermost follows single and joined (first branch) wrap chains to the root cause.
func innermost(err error) error {
	for {
		switch u := err.(type) { //nolint:errorlint // walking the chain by hand
		case interface{ Unwrap() error }:
			next := u.Unwrap()
			if next == nil {
				return err
			}
			err = next
		case interface{ Unwrap() []error }:
			errs := u.Unwrap()
			if len(errs) == 0 || errs[0] == nil {
				return err
			}
			err = errs[0]
		default:
			return err
		}
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	name := t.String()
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(name, ".", "_"))
}
