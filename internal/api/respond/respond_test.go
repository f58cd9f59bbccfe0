package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/good-yellow-bee/cowork/internal/models"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("join: %w", models.ErrAuthorization), http.StatusForbidden, ErrCodeForbidden},
		{fmt.Errorf("%w: message is required", models.ErrValidation), http.StatusBadRequest, ErrCodeValidationFailed},
		{fmt.Errorf("%w: project p1", models.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{models.ErrVersionConflict, http.StatusConflict, ErrCodeVersionConflict},
		{models.ErrConflict, http.StatusConflict, ErrCodeConflict},
		{ErrRateLimited, http.StatusTooManyRequests, ErrCodeRateLimited},
		{errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		got := FromError(tt.err)
		assert.Equal(t, tt.status, got.Status, tt.err.Error())
		assert.Equal(t, tt.code, got.Code, tt.err.Error())
	}
}

func TestErr_WritesEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Err(rec, nil, fmt.Errorf("%w: project p1", models.ErrNotFound))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Error Error `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, ErrCodeNotFound, body.Error.Code)
	assert.Contains(t, body.Error.Message, "p1")
}

func TestOK_WrapsData(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]int{"n": 1})
	assert.JSONEq(t, `{"data":{"n":1}}`, rec.Body.String())
}
