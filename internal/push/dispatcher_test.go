package push_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/bimillog/internal/push"
)

type fakeTokens struct {
	mu      sync.Mutex
	tokens  map[int64][]string
	deleted []string
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: make(map[int64][]string)}
}

func (f *fakeTokens) PushTokens(_ context.Context, userID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[userID], nil
}

func (f *fakeTokens) DeletePushToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, token)
	return nil
}

type fakeGateway struct {
	mu    sync.Mutex
	sent  []string
	errBy map[string]error
}

func (g *fakeGateway) Send(_ context.Context, token, _, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.errBy[token]; err != nil {
		return err
	}
	g.sent = append(g.sent, token)
	return nil
}

func (g *fakeGateway) sentTokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func TestDispatcher_Deliver(t *testing.T) {
	tokens := newFakeTokens()
	tokens.tokens[1] = []string{"tok-a", "tok-b"}
	gw := &fakeGateway{}

	d := push.NewDispatcher(push.Config{Gateway: gw, Tokens: tokens})
	d.Enqueue(1, "COMMENT", "alice commented on your post")
	d.Stop()

	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, gw.sentTokens())
}

func TestDispatcher_NoTokensIsNoop(t *testing.T) {
	tokens := newFakeTokens()
	gw := &fakeGateway{}

	d := push.NewDispatcher(push.Config{Gateway: gw, Tokens: tokens})
	d.Enqueue(1, "COMMENT", "hello")
	d.Stop()

	assert.Empty(t, gw.sentTokens())
}

func TestDispatcher_InvalidTokenIsUnregistered(t *testing.T) {
	tokens := newFakeTokens()
	tokens.tokens[1] = []string{"dead", "alive"}
	gw := &fakeGateway{errBy: map[string]error{
		"dead": &push.SendError{Class: push.FailureInvalidToken, Cause: errors.New("status 404")},
	}}

	d := push.NewDispatcher(push.Config{Gateway: gw, Tokens: tokens})
	d.Enqueue(1, "LIKE", "bob liked your post")
	d.Stop()

	assert.Equal(t, []string{"alive"}, gw.sentTokens())
	assert.Equal(t, []string{"dead"}, tokens.deleted)
}

func TestDispatcher_TransientFailureIsDropped(t *testing.T) {
	tokens := newFakeTokens()
	tokens.tokens[1] = []string{"flaky"}
	gw := &fakeGateway{errBy: map[string]error{
		"flaky": &push.SendError{Class: push.FailureRateLimited, Cause: errors.New("status 429")},
	}}

	d := push.NewDispatcher(push.Config{Gateway: gw, Tokens: tokens})
	d.Enqueue(1, "LIKE", "hello")
	d.Stop()

	assert.Empty(t, gw.sentTokens())
	assert.Empty(t, tokens.deleted, "transient failures never unregister the token")
}

func TestDispatcher_EnqueueAfterStop(t *testing.T) {
	d := push.NewDispatcher(push.Config{Gateway: &fakeGateway{}, Tokens: newFakeTokens()})
	d.Stop()

	assert.NotPanics(t, func() {
		d.Enqueue(1, "LIKE", "late")
	})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, push.FailureAuth,
		push.Classify(&push.SendError{Class: push.FailureAuth}))
	assert.Equal(t, push.FailureTransport,
		push.Classify(errors.New("connection refused")),
		"unlabeled errors default to transport")
	assert.Equal(t, push.FailureTransport,
		push.Classify(context.DeadlineExceeded),
		"a timed-out gateway call is a transient transport failure")
}

func TestHTTPGateway_Classification(t *testing.T) {
	tests := map[string]struct {
		status int
		want   push.FailureClass
	}{
		"unauthorized is an auth failure":    {status: http.StatusUnauthorized, want: push.FailureAuth},
		"too many requests is rate limiting": {status: http.StatusTooManyRequests, want: push.FailureRateLimited},
		"not found is an invalid token":      {status: http.StatusNotFound, want: push.FailureInvalidToken},
		"server error is transport":          {status: http.StatusBadGateway, want: push.FailureTransport},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			g := &push.HTTPGateway{Endpoint: srv.URL, Key: "k"}
			err := g.Send(context.Background(), "tok", "t", "b")
			require.Error(t, err)
			assert.Equal(t, tt.want, push.Classify(err))
		})
	}
}

func TestHTTPGateway_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key=k", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := &push.HTTPGateway{Endpoint: srv.URL, Key: "k"}
	assert.NoError(t, g.Send(context.Background(), "tok", "t", "b"))
}

func TestHTTPGateway_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	g := &push.HTTPGateway{Endpoint: srv.URL, Key: "k"}
	err := g.Send(ctx, "tok", "t", "b")
	require.Error(t, err)
	assert.Equal(t, push.FailureTransport, push.Classify(err))
}
