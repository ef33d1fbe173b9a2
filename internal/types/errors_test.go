package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorErrorFormat(t *testing.T) {
	appErr := NewAppError(ErrCodeValidationMetadata, "subscriptionId is required", nil)
	assert.Equal(t, "validation_unrecognized_metadata: subscriptionId is required", appErr.Error())
}

func TestAppErrorErrorsAs(t *testing.T) {
	underlying := errors.New("connection reset")
	appErr := NewAppError(ErrCodeInternalDB, "failed to insert event", underlying)
	wrapped := fmt.Errorf("gate: %w", appErr)

	var target *AppError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, ErrCodeInternalDB, target.Code)
	assert.True(t, errors.Is(wrapped, underlying))
}

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationMissingField, http.StatusBadRequest},
		{ErrCodeAuthSignatureInvalid, http.StatusBadRequest},
		{ErrCodeAuthSignatureMissing, http.StatusBadRequest},
		{ErrCodeNotFoundDevice, http.StatusNotFound},
		{ErrCodeConflictCanceled, http.StatusConflict},
		{ErrCodePaymentDeclined, http.StatusPaymentRequired},
		{ErrCodeUpstreamTimeout, http.StatusBadGateway},
		{ErrCodeInternalDB, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestErrorCodeKind(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorKind
	}{
		{ErrCodeAuthSignatureInvalid, KindSignatureInvalid},
		{ErrCodeNotFoundUser, KindNotFound},
		{ErrCodeValidationMetadata, KindValidation},
		{ErrCodeUpstreamStripe, KindProviderTransient},
		{ErrCodeUpstreamRateLimited, KindProviderTransient},
		{ErrCodeUpstreamRejected, KindProviderRejected},
		{ErrCodeInternalUnexpected, KindInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.Kind())
		})
	}
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("attach: %w", NewAppError(ErrCodeConflictAlreadyAttached, "already attached", nil))
	assert.True(t, HasCode(err, ErrCodeConflictAlreadyAttached))
	assert.False(t, HasCode(err, ErrCodeUpstreamRejected))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeInternalUnexpected))
}

func TestProcessingErrorText(t *testing.T) {
	assert.Equal(t, "NotFound: user",
		ProcessingErrorText(NewAppError(ErrCodeNotFoundUser, "no user for email", nil)))
	assert.Equal(t, "NotFound: subscription",
		ProcessingErrorText(fmt.Errorf("handler: %w", NewAppError(ErrCodeNotFoundSubscription, "x", nil))))
	assert.Equal(t, "ValidationError: subscriptionId is required",
		ProcessingErrorText(NewAppError(ErrCodeValidationMetadata, "subscriptionId is required", nil)))
	assert.Equal(t, "Internal: boom", ProcessingErrorText(errors.New("boom")))
	assert.Equal(t, "", ProcessingErrorText(nil))
}

func TestWithDetails_DoesNotMutate(t *testing.T) {
	base := NewAppErrorWithDetails(ErrCodeNotFoundDevice, "device not found", nil, map[string]any{"device_id": "dev_1"})
	extended := base.WithDetails(map[string]any{"app_id": "app"})

	assert.Len(t, base.Details, 1)
	assert.Len(t, extended.Details, 2)
}
