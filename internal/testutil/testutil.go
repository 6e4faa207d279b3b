// Package testutil provides shared test helpers.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/spirit/internal/monitoring"
)

// QuietLogs mutes monitoring.Logf for the rest of the test.
func QuietLogs(t testing.TB) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

// LocalRequest creates a request that appears to come from localhost, which
// tsweb.AllowDebugAccess requires of /debug/ routes.
func LocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}
