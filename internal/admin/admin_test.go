package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/mapping"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemapper struct {
	got []relay.RemapRequest
	err error
}

func (f *fakeRemapper) Remap(_ context.Context, req relay.RemapRequest) error {
	f.got = append(f.got, req)
	if req.OpenID == "" && req.SN == "" {
		return relay.ErrEmptyRemap
	}
	return f.err
}

type fakeTransport struct {
	name   string
	ready  bool
	online []string
}

func (f fakeTransport) Name() string            { return f.name }
func (f fakeTransport) SuperConnected() bool    { return f.ready }
func (f fakeTransport) OnlineCount() int        { return len(f.online) }
func (f fakeTransport) OnlineClients() []string { return f.online }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := New(":0", &fakeRemapper{},
		fakeTransport{name: "tcp", ready: true, online: []string{"D:1"}},
		fakeTransport{name: "ws", ready: true},
	)
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","transports":{"tcp":{"relay_client":true,"online":1},"ws":{"relay_client":true,"online":0}}}`, rec.Body.String())

	s = New(":0", &fakeRemapper{}, fakeTransport{name: "tcp"})
	rec = do(t, s.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestPresence(t *testing.T) {
	s := New(":0", &fakeRemapper{},
		fakeTransport{name: "tcp", online: []string{"D:1", "U:a"}},
		fakeTransport{name: "ws", online: []string{}},
	)
	rec := do(t, s.Handler(), http.MethodGet, "/presence", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tcp":["D:1","U:a"],"ws":[]}`, rec.Body.String())
}

func TestRemap(t *testing.T) {
	remapper := &fakeRemapper{}
	h := New(":0", remapper).Handler()

	rec := do(t, h, http.MethodPost, "/datamap/update", `{"openid":"U1","sn":"D1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, remapper.got, 1)
	assert.Equal(t, relay.RemapRequest{OpenID: "U1", SN: "D1"}, remapper.got[0])

	rec = do(t, h, http.MethodPost, "/datamap/update", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/datamap/update", `{"openid":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/datamap/update", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRemapFailureIsBadGateway(t *testing.T) {
	remapper := &fakeRemapper{err: relay.ErrRemapFailed}
	rec := do(t, New(":0", remapper).Handler(), http.MethodPost, "/datamap/update", `{"openid":"U1"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "remap failed")
}

func TestRemapThroughRelay(t *testing.T) {
	// the real relay surfaces a record store failure distinctly
	e := relay.NewEngine(failingMappings{}, 0)
	rec := do(t, New(":0", e).Handler(), http.MethodPost, "/datamap/update", `{"sn":"D1"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

type failingMappings struct{ relay.Mappings }

func (failingMappings) InvalidateAndRebuild(context.Context, string, string) error {
	return mapping.ErrResolveFailed
}

func TestMetrics(t *testing.T) {
	rec := do(t, New(":0", &fakeRemapper{}).Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
