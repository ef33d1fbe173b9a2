package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subledger/internal/types"
)

func TestJSON_WritesBody(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusCreated, APIResponse{Data: map[string]string{"id": "sub_1"}})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"id":"sub_1"}}`, w.Body.String())
}

func TestJSON_MarshalFailure(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, map[string]any{"bad": make(chan int)})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), string(types.ErrCodeInternalUnexpected))
}

func TestError_MapsAppError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   types.ErrorCode
	}{
		{types.NewAppError(types.ErrCodeNotFoundDevice, "device not found", nil), http.StatusNotFound, types.ErrCodeNotFoundDevice},
		{types.NewAppError(types.ErrCodeValidationPayload, "bad", nil), http.StatusBadRequest, types.ErrCodeValidationPayload},
		{types.NewAppError(types.ErrCodeUpstreamStripe, "stripe down", nil), http.StatusBadGateway, types.ErrCodeUpstreamStripe},
		{errors.New("pq: connection refused"), http.StatusInternalServerError, types.ErrCodeInternalUnexpected},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(types.WithRequestID(req.Context(), "req-1"))
		w := httptest.NewRecorder()
		Error(w, req, tc.err)

		assert.Equal(t, tc.status, w.Code)
		var resp APIErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, string(tc.code), resp.Error.Code)
		assert.Equal(t, "req-1", resp.Error.RequestID)
		assert.NotContains(t, resp.Error.Message, "connection refused")
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Email string `json:"email"`
	}
	cases := map[string]struct {
		body    string
		wantErr string
	}{
		"valid":         {body: `{"email":"a@b.co"}`},
		"empty":         {body: ``, wantErr: "must not be empty"},
		"syntax":        {body: `{"email":`, wantErr: "JSON"},
		"unknown field": {body: `{"email":"a@b.co","admin":true}`, wantErr: "unknown field"},
		"wrong type":    {body: `{"email":5}`, wantErr: "invalid value"},
		"two values":    {body: `{"email":"a@b.co"}{"email":"c@d.co"}`, wantErr: "single JSON object"},
		"too large":     {body: `{"email":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, wantErr: "1MB"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), req, &dst)
			if tc.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "a@b.co", dst.Email)
				return
			}
			require.Error(t, err)
			assert.True(t, types.HasCode(err, errCodeValidationInvalidJSON))
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
