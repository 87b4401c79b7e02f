package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-ledger/internal/apperr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func handle(t *testing.T, err error) (int, Response) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

	Handle(c, map[string]string{"ok": "yes"}, err)

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHandleSuccess(t *testing.T) {
	status, body := handle(t, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
	assert.Empty(t, body.Error)
}

func TestHandleMapsErrorKinds(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
		{apperr.ErrInsufficientBalance.Withf("need more"), http.StatusBadRequest, "INSUFFICIENT_BALANCE"},
		{fmt.Errorf("wrapped: %w", apperr.ErrWalletNotFound), http.StatusNotFound, "WALLET_NOT_FOUND"},
		{apperr.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{apperr.ErrAdminRequired, http.StatusForbidden, "ADMIN_REQUIRED"},
		{apperr.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
		{apperr.Dependency(errors.New("db down"), "failed"), http.StatusInternalServerError, ErrCodeInternalError},
		{errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
		{gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, body := handle(t, tt.err)
			assert.Equal(t, tt.status, status)
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestDependencyDetailsAreHidden(t *testing.T) {
	_, body := handle(t, apperr.Dependency(errors.New("password=hunter2"), "failed to load wallet"))
	assert.Equal(t, "An unexpected error occurred", body.Error)
}
