package httpmw

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover/drover/internal/common/logger"
)

func fileLogger(t *testing.T) (*logger.Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "http.log")
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)
	return log, path
}

func testRouter(log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger(log, "drover"))
	router.Use(OtelTracing("drover"))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ws", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/boom", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})
	return router
}

func logContents(t *testing.T, log *logger.Logger, path string) string {
	t.Helper()
	_ = log.Sync()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRequestLoggerRecordsRequests(t *testing.T) {
	log, path := fileLogger(t)
	router := testRouter(log)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	out := logContents(t, log, path)
	assert.Contains(t, out, `"path":"/health"`)
	assert.Contains(t, out, `"status":200`)
}

func TestRequestLoggerLogsServerErrorsAtErrorLevel(t *testing.T) {
	log, path := fileLogger(t)
	router := testRouter(log)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	out := logContents(t, log, path)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"path":"/boom"`)
}

func TestWebSocketUpgradesAreNotLogged(t *testing.T) {
	log, path := fileLogger(t)
	router := testRouter(log)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "the handler still runs")

	out := logContents(t, log, path)
	assert.NotContains(t, out, `"path":"/ws"`)
}
