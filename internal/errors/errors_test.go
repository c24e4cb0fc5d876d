package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{name: "message only", err: NotFound("submission abc not found"), want: "submission abc not found"},
		{
			name: "with cause",
			err:  Upstream(errors.New("503 Service Unavailable"), "speech synthesis failed"),
			want: "speech synthesis failed: 503 Service Unavailable",
		},
		{name: "formatted", err: Oversizef("audio exceeds %d bytes", 1024), want: "audio exceeds 1024 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("bucket missing")
	err := fmt.Errorf("put audio: %w", Storage(cause, "object store put failed"))

	require.ErrorIs(t, err, cause)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrCodeStorage, appErr.Code)
}

func TestConstructors(t *testing.T) {
	cause := errors.New("nats: no responders")
	tests := []struct {
		name string
		err  error
		code ErrorCode
		is   func(error) bool
	}{
		{"not found", NotFound("gone"), ErrCodeNotFound, IsNotFound},
		{"not foundf", NotFoundf("submission %s not found", "abc"), ErrCodeNotFound, IsNotFound},
		{"conflict", Conflict("modified concurrently"), ErrCodeConflict, IsConflict},
		{"validation", Validation("limit must be between 1 and 100"), ErrCodeValidation, IsValidation},
		{"validationf", Validationf("ttl must be at most %s", "24h"), ErrCodeValidation, IsValidation},
		{"upstream", Upstream(cause, "synthesis"), ErrCodeUpstream, IsUpstream},
		{"oversize", Oversizef("too big"), ErrCodeOversize, IsOversize},
		{"storage", Storage(cause, "put"), ErrCodeStorage, IsStorage},
		{"publish", Publish(cause, "publish status event"), ErrCodePublish, IsPublish},
		{"timeout", Wrap(cause, ErrCodeTimeout, "timed out"), ErrCodeTimeout, IsTimeout},
		{"canceled", Wrapf(cause, ErrCodeCanceled, "%s canceled", "save"), ErrCodeCanceled, IsCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, GetCode(tt.err))
			assert.True(t, tt.is(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestWrap_NilError(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, ErrCodeConflict, "ignored %d", 1))
}

func TestPredicates_NonAppError(t *testing.T) {
	plain := errors.New("plain")
	assert.False(t, IsNotFound(plain))
	assert.False(t, IsValidation(nil))
	assert.Empty(t, GetCode(plain))
	assert.Empty(t, GetField(plain))
}

func TestGetField(t *testing.T) {
	err := fmt.Errorf("parse: %w", ValidationField("ttl", "ttl must be positive"))
	assert.Equal(t, "ttl", GetField(err))
	assert.True(t, IsValidation(err))
	assert.Empty(t, GetField(Validation("no field")))
}

func TestHas_MatchesAnyLinkByCode(t *testing.T) {
	inner := NotFound("object audio/abc.mp3 missing")
	err := fmt.Errorf("download: %w", Storage(inner, "object store get failed"))

	assert.True(t, Has(err, ErrCodeStorage))
	assert.True(t, Has(err, ErrCodeNotFound), "inner codes are visible")
	assert.False(t, Has(err, ErrCodeUpstream))
	assert.Equal(t, ErrCodeStorage, GetCode(err), "GetCode reports the outermost code")
	require.ErrorIs(t, err, New(ErrCodeNotFound, "message is ignored"))
	assert.False(t, Has(nil, ErrCodeStorage))
}

func TestDomainConstructors_NilCause(t *testing.T) {
	for _, err := range []*AppError{
		Upstream(nil, "synthesis failed"),
		Storage(nil, "put audio"),
		Publish(nil, "publish event"),
	} {
		require.NotNil(t, err)
		var asErr error = err
		require.Error(t, asErr)
		assert.NotPanics(t, func() { _ = asErr.Error() })
		assert.NotEmpty(t, GetCode(asErr))
		assert.NoError(t, err.Unwrap())
	}
	assert.Equal(t, "synthesis failed", Upstream(nil, "synthesis failed").Error())
	assert.True(t, IsStorage(Storage(nil, "put audio")))
}
