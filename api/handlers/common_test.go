package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/streamflow/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{
			name:       "simple object",
			data:       map[string]string{"message": "hello"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "array",
			data:       []int{1, 2, 3},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, types.NewError(types.ErrInvalidRequest, "bad input"), zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInvalidRequest), resp.Error.Code)
	assert.Equal(t, "bad input", resp.Error.Message)
}

func TestWriteError_ExplicitHTTPStatusWins(t *testing.T) {
	w := httptest.NewRecorder()

	err := types.NewError(types.ErrInvalidRequest, "gone").WithHTTPStatus(http.StatusGone)
	WriteError(w, err, zap.NewNop())

	assert.Equal(t, http.StatusGone, w.Code)
}

func TestWriteTypedError(t *testing.T) {
	t.Run("typed error passes through", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteTypedError(w, types.NewError(types.ErrSessionNotFound, "no such session"), zap.NewNop())

		assert.Equal(t, http.StatusNotFound, w.Code)

		var resp Response
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, string(types.ErrSessionNotFound), resp.Error.Code)
	})

	t.Run("plain error wrapped as internal", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteTypedError(w, errors.New("disk on fire"), zap.NewNop())

		assert.Equal(t, http.StatusInternalServerError, w.Code)

		var resp Response
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
		// 内部细节不外泄
		assert.NotContains(t, resp.Error.Message, "disk on fire")
	})
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrSessionNotFound, http.StatusNotFound},
		{types.ErrSessionFinished, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrUpstreamError, http.StatusBadGateway},
		{types.ErrUpstreamTimeout, http.StatusGatewayTimeout},
		{types.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{types.ErrInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapErrorCodeToHTTPStatus(tt.code), string(tt.code))
	}
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid body", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"ok"}`))

		var p payload
		err := DecodeJSONBody(w, r, &p, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "ok", p.Name)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"name":"ok","bogus":1}`))

		var p payload
		err := DecodeJSONBody(w, r, &p, zap.NewNop())
		assert.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))

		var p payload
		err := DecodeJSONBody(w, r, &p, zap.NewNop())
		assert.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestValidateContentType(t *testing.T) {
	t.Run("accepts application/json", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", "application/json")
		assert.True(t, ValidateContentType(w, r, zap.NewNop()))
	})

	t.Run("accepts charset variant", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
		assert.True(t, ValidateContentType(w, r, zap.NewNop()))
	})

	t.Run("rejects other types", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", "text/plain")
		assert.False(t, ValidateContentType(w, r, zap.NewNop()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK) // 第二次无效

	assert.Equal(t, http.StatusTeapot, rw.StatusCode)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestResponseWriter_ImplicitOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	_, err := rw.Write([]byte("body"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.True(t, rw.Written)
}
