package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iparaskev/hopp/internal/v1/logging"
)

func performRequest(headers map[string]string) (*httptest.ResponseRecorder, string) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CorrelationID())

	var seen string
	router.GET("/", func(c *gin.Context) {
		seen = c.GetString(string(logging.CorrelationIDKey))
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w, seen
}

func TestCorrelationID_Generated(t *testing.T) {
	w, seen := performRequest(nil)

	header := w.Header().Get(HeaderXCorrelationID)
	require.NotEmpty(t, header)
	assert.Equal(t, header, seen)

	_, err := uuid.Parse(header)
	assert.NoError(t, err, "generated correlation id should be a UUID")
}

func TestCorrelationID_Propagated(t *testing.T) {
	w, seen := performRequest(map[string]string{HeaderXCorrelationID: "req-42"})

	assert.Equal(t, "req-42", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-42", seen)
}
