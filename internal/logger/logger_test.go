package logger

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequests(t *testing.T) {
	t.Run("logs method, path and status", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		handler := HTTPRequests(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Contains(t, buf.String(), `"method":"POST"`)
		require.Contains(t, buf.String(), `"path":"/api/v1/jobs"`)
		require.Contains(t, buf.String(), `"status":202`)
		require.Contains(t, buf.String(), `"level":"info"`)
	})

	t.Run("server errors log at error level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		handler := HTTPRequests(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Contains(t, buf.String(), `"level":"error"`)
	})

	t.Run("defaults to 200 when the handler never sets a status", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		handler := HTTPRequests(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Contains(t, buf.String(), `"status":200`)
	})

	t.Run("passes hijack through for upgrades", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		inner := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}

		handler := HTTPRequests(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hijacker, ok := w.(http.Hijacker)
			require.True(t, ok)

			conn, _, err := hijacker.Hijack()
			require.NoError(t, err)
			require.NoError(t, conn.Close())
		}))

		handler.ServeHTTP(inner, httptest.NewRequest(http.MethodGet, "/ws", nil))

		require.True(t, inner.hijacked)
		require.Contains(t, buf.String(), `"status":101`)
	})
}

// hijackableRecorder fakes the hijack support a real server connection
// provides.
type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (r *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.hijacked = true
	client, server := net.Pipe()
	go func() { _ = server.Close() }()
	return client, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}
