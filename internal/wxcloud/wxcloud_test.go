package wxcloud

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloud struct {
	tokenCalls atomic.Int32
	mu         sync.Mutex
	queries    []string
	tokens     []string
	// reply returns the JSON body for a database call
	reply func(path, query string, call int) string
	calls int
}

func (f *fakeCloud) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client_credential", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "app", r.URL.Query().Get("appid"))
		n := f.tokenCalls.Add(1)
		_, _ = io.WriteString(w, `{"access_token":"tok`+string(rune('0'+n))+`","expires_in":7200}`)
	})
	db := func(w http.ResponseWriter, r *http.Request) {
		var req dbRequest
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "env-1", req.Env)

		f.mu.Lock()
		f.queries = append(f.queries, req.Query)
		f.tokens = append(f.tokens, r.URL.Query().Get("access_token"))
		f.calls++
		call := f.calls
		f.mu.Unlock()

		_, _ = io.WriteString(w, f.reply(r.URL.Path, req.Query, call))
	}
	mux.HandleFunc(queryPath, db)
	mux.HandleFunc(updatePath, db)
	return mux
}

func newTestStore(t *testing.T, f *fakeCloud, cacheFile string) *Store {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return newStore(srv.URL, "env-1", "devices", srv.Client(), &tokenSource{
		host:      srv.URL,
		appID:     "app",
		secret:    "secret",
		cacheFile: cacheFile,
		http:      srv.Client(),
		now:       time.Now,
	})
}

func TestBindingsByUser(t *testing.T) {
	f := &fakeCloud{reply: func(path, query string, _ int) string {
		return `{"errcode":0,"errmsg":"ok","data":["{\"sn\":\"D1\",\"_openid\":\"U1\"}","{\"sn\":\"D2\",\"_openid\":\"U1\"}","not json"]}`
	}}
	store := newTestStore(t, f, "")

	bindings, err := store.BindingsByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, []database.Binding{{DeviceID: "D1", UserID: "U1"}, {DeviceID: "D2", UserID: "U1"}}, bindings)

	_, err = store.BindingsByDevice(context.Background(), "D1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.tokenCalls.Load(), "token is reused while valid")
	require.Len(t, f.queries, 2)
	assert.Equal(t, `db.collection("devices").where({_openid:"U1"}).limit(100).get()`, f.queries[0])
	assert.Equal(t, `db.collection("devices").where({sn:"D1"}).limit(100).get()`, f.queries[1])
	assert.Equal(t, []string{"tok1", "tok1"}, f.tokens)
}

func TestQueryQuotesIdentifiers(t *testing.T) {
	f := &fakeCloud{reply: func(string, string, int) string { return `{"errcode":0,"data":[]}` }}
	store := newTestStore(t, f, "")

	hostile := `x"}).remove({sn:"`
	bindings, err := store.BindingsByDevice(context.Background(), hostile)
	require.NoError(t, err)
	assert.Empty(t, bindings)
	assert.Equal(t, `db.collection("devices").where({sn:"x\"}).remove({sn:\""}).limit(100).get()`, f.queries[0])
}

func TestActivateDevice(t *testing.T) {
	f := &fakeCloud{reply: func(path, query string, call int) string {
		assert.Equal(t, updatePath, path)
		if strings.Contains(query, `secret:"good"`) {
			return `{"errcode":0,"matched":1,"modified":1}`
		}
		return `{"errcode":0,"matched":0,"modified":0}`
	}}
	store := newTestStore(t, f, "")

	ok, err := store.ActivateDevice(context.Background(), "D1", "good")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ActivateDevice(context.Background(), "D1", "bad")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, `db.collection("devices").where({sn:"D1",secret:"good"}).update({data:{activated:true}})`, f.queries[0])
}

func TestAPIErrorIsUnavailable(t *testing.T) {
	f := &fakeCloud{reply: func(string, string, int) string { return `{"errcode":-501000,"errmsg":"env not exist"}` }}
	store := newTestStore(t, f, "")

	_, err := store.BindingsByUser(context.Background(), "U1")
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrUnavailable)

	_, err = store.ActivateDevice(context.Background(), "D1", "s")
	assert.ErrorIs(t, err, database.ErrUnavailable)
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	f := &fakeCloud{reply: func(_ string, _ string, call int) string {
		if call == 1 {
			return `{"errcode":42001,"errmsg":"access_token expired"}`
		}
		return `{"errcode":0,"data":[]}`
	}}
	store := newTestStore(t, f, "")

	_, err := store.BindingsByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.tokenCalls.Load())
	assert.Equal(t, []string{"tok1", "tok2"}, f.tokens)
}

func TestTokenCacheFile(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "token.cache")
	future := time.Now().Unix() + 3600
	require.NoError(t, os.WriteFile(cache, []byte(`{"access_token":"cached","expires_in":7200,"expires_at":`+itoa(future)+`}`), 0600))

	f := &fakeCloud{reply: func(string, string, int) string { return `{"errcode":0,"data":[]}` }}
	store := newTestStore(t, f, cache)

	_, err := store.BindingsByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.tokenCalls.Load())
	assert.Equal(t, []string{"cached"}, f.tokens)

	// an expired cache entry is replaced and rewritten
	require.NoError(t, os.WriteFile(cache, []byte(`{"access_token":"stale","expires_at":1}`), 0600))
	store.tokens.current = nil
	_, err = store.BindingsByUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load())

	data, err := os.ReadFile(cache)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"access_token":"tok1"`)
}

func TestEmptyIdentifiers(t *testing.T) {
	store := newTestStore(t, &fakeCloud{}, "")
	_, err := store.BindingsByUser(context.Background(), "")
	assert.ErrorIs(t, err, database.ErrEmptyIdentifier)
	_, err = store.BindingsByDevice(context.Background(), "")
	assert.ErrorIs(t, err, database.ErrEmptyIdentifier)
	_, err = store.ActivateDevice(context.Background(), "D1", "")
	assert.ErrorIs(t, err, database.ErrEmptyIdentifier)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
