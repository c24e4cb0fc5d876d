package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/target/voice-message-api/internal/errors"
)

func TestDetermineErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", apperrors.NotFound("submission x not found"), http.StatusNotFound},
		{"validation", apperrors.ValidationField("ttl", "ttl must be positive"), http.StatusBadRequest},
		{"conflict", apperrors.Conflict("modified concurrently"), http.StatusConflict},
		{"upstream", apperrors.Upstream(errors.New("503"), "synthesis failed"), http.StatusBadGateway},
		{"oversize", apperrors.Oversizef("audio exceeds %d bytes", 10), http.StatusBadGateway},
		{"storage", apperrors.Storage(errors.New("403"), "presign failed"), http.StatusBadGateway},
		{"timeout", &apperrors.AppError{Code: apperrors.ErrCodeTimeout, Message: "timed out"}, http.StatusGatewayTimeout},
		{"wrapped app error", fmt.Errorf("get: %w", apperrors.NotFound("gone")), http.StatusNotFound},
		{"raw deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"pg unique", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, http.StatusConflict},
		{"pg foreign key", &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation}, http.StatusConflict},
		{"pg check", &pgconn.PgError{Code: pgerrcode.CheckViolation}, http.StatusBadRequest},
		{"pg other", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetermineErrorStatus(tt.err))
		})
	}
}

func TestWriteServiceError(t *testing.T) {
	t.Run("client errors echo the message", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/messages/abc", nil)

		writeServiceError(w, r, nil, apperrors.NotFoundf("submission %s not found", "abc"))

		require.Equal(t, http.StatusNotFound, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "not_found", body["error"])
		assert.Equal(t, "submission abc not found", body["message"])
	})

	t.Run("internal errors are not leaked", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil)

		writeServiceError(w, r, nil, errors.New("dial tcp 10.0.0.5:5432: connection refused"))

		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "10.0.0.5")
		assert.Contains(t, w.Body.String(), `"error":"internal"`)
	})

	t.Run("bad gateway keeps the upstream code", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/messages/abc/audio-url", nil)

		writeServiceError(w, r, nil, apperrors.Storage(errors.New("AccessDenied"), "presign failed"))

		require.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, w.Body.String(), `"error":"storage"`)
	})
}
