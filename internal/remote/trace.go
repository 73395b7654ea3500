package remote

import (
	"net/http"
	"net/http/httputil"

	"github.com/fenilsonani/mailpull/internal/logging"
)

// traceTransport dumps each request and response to the debug log while
// delegating the round trip.
type traceTransport struct {
	delegate http.RoundTripper
	logger   *logging.Logger
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if dump, err := httputil.DumpRequestOut(req, true); err == nil {
		t.logger.DebugContext(req.Context(), "remote request", "dump", string(dump))
	}
	resp, err := t.delegate.RoundTrip(req)
	if err == nil {
		if dump, dumpErr := httputil.DumpResponse(resp, true); dumpErr == nil {
			t.logger.DebugContext(req.Context(), "remote response", "dump", string(dump))
		}
	}
	return resp, err
}
