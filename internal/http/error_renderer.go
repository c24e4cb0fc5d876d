package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	apperrors "github.com/target/voice-message-api/internal/errors"
)

// DetermineErrorStatus maps an error returned by a service to an HTTP status code.
//
// Application errors map by code. Raw PostgreSQL constraint errors that escaped the
// service layer map to 409; everything else is a 500.
func DetermineErrorStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeConflict, apperrors.ErrCodeForeignKey:
		return http.StatusConflict
	case apperrors.ErrCodeUpstream, apperrors.ErrCodeOversize, apperrors.ErrCodeStorage, apperrors.ErrCodePublish:
		return http.StatusBadGateway
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeCanceled:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeInternal:
		return http.StatusInternalServerError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation, pgerrcode.ForeignKeyViolation:
			return http.StatusConflict
		case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
			return http.StatusBadRequest
		}
	}

	return http.StatusInternalServerError
}

// errorCodeFor returns the machine-readable error code written in the response body.
func errorCodeFor(err error, status int) string {
	if code := apperrors.GetCode(err); code != "" {
		return string(code)
	}
	switch status {
	case http.StatusConflict:
		return string(apperrors.ErrCodeConflict)
	case http.StatusBadRequest:
		return string(apperrors.ErrCodeValidation)
	case http.StatusGatewayTimeout:
		return string(apperrors.ErrCodeTimeout)
	default:
		return string(apperrors.ErrCodeInternal)
	}
}

// writeServiceError renders err as a JSON error response. Server-side failures are
// logged and their details are not echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := DetermineErrorStatus(err)
	code := errorCodeFor(err, status)

	if status >= http.StatusInternalServerError {
		if logger != nil {
			logger.ErrorContext(r.Context(), "request failed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"error_code", code,
				"error", err,
			)
		}
		if status == http.StatusInternalServerError {
			err = errors.New(http.StatusText(status))
		}
	}

	WriteError(w, ErrorParams{Code: status, ErrCode: code, Err: err})
}
