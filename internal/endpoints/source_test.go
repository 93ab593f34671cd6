package endpoints

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

const gistBody = `{"files":{"endpoints.js":{"content":"const endpoints = [\n 'wss://b.example',\n \"wss://c.example\" ,\n 'wss://a.example',\n];"}}}`

func newGistServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestResolveWithoutFallbackReturnsConfigured(t *testing.T) {
	srv, hits := newGistServer(t, http.StatusOK, gistBody)
	src := New(Options{Endpoints: []string{"wss://a.example", " wss://a.example "}, FallbackURL: srv.URL})

	got := src.Resolve(context.Background(), false)
	if !reflect.DeepEqual(got, []string{"wss://a.example"}) {
		t.Fatalf("unexpected endpoints %v", got)
	}
	if hits.Load() != 0 {
		t.Fatalf("remote list must not be fetched")
	}
	if src.LastSource() != SourceConfigured {
		t.Fatalf("unexpected source %q", src.LastSource())
	}
}

func TestResolveMergesRemoteList(t *testing.T) {
	srv, _ := newGistServer(t, http.StatusOK, gistBody)
	src := New(Options{Endpoints: []string{"wss://a.example"}, FallbackURL: srv.URL})

	got := src.Resolve(context.Background(), true)
	want := []string{"wss://a.example", "wss://b.example", "wss://c.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve = %v, want %v", got, want)
	}
	if src.LastSource() != SourceRemote || src.LastReason() != "" {
		t.Fatalf("unexpected status %q %q", src.LastSource(), src.LastReason())
	}
}

func TestResolveSkipsRemoteOnTestnet(t *testing.T) {
	srv, hits := newGistServer(t, http.StatusOK, gistBody)
	src := New(Options{Endpoints: []string{"wss://test.example"}, FallbackURL: srv.URL, UseTestnet: true})

	got := src.Resolve(context.Background(), true)
	if !reflect.DeepEqual(got, []string{"wss://test.example"}) {
		t.Fatalf("unexpected endpoints %v", got)
	}
	if hits.Load() != 0 {
		t.Fatalf("testnet must not fetch the remote list")
	}
}

func TestResolveDegradesOnServerError(t *testing.T) {
	srv, hits := newGistServer(t, http.StatusBadGateway, "oops")
	src := New(Options{Endpoints: []string{"wss://a.example"}, FallbackURL: srv.URL, RetryDelay: time.Millisecond})

	got := src.Resolve(context.Background(), true)
	if !reflect.DeepEqual(got, []string{"wss://a.example"}) {
		t.Fatalf("unexpected endpoints %v", got)
	}
	if hits.Load() != fetchAttempts {
		t.Fatalf("expected %d fetch attempts, got %d", fetchAttempts, hits.Load())
	}
	if src.LastSource() != SourceConfigured || src.LastReason() == "" {
		t.Fatalf("expected recorded failure, got %q %q", src.LastSource(), src.LastReason())
	}
}

func TestResolveDoesNotRetryClientErrors(t *testing.T) {
	srv, hits := newGistServer(t, http.StatusNotFound, "{}")
	src := New(Options{FallbackURL: srv.URL, RetryDelay: time.Millisecond})

	if got := src.Resolve(context.Background(), true); len(got) != 0 {
		t.Fatalf("unexpected endpoints %v", got)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", hits.Load())
	}
}

func TestResolveDegradesOnGarbage(t *testing.T) {
	srv, _ := newGistServer(t, http.StatusOK, `{"files":{"x":{"content":""}}}`)
	src := New(Options{Endpoints: []string{"wss://a.example"}, FallbackURL: srv.URL})

	got := src.Resolve(context.Background(), true)
	if !reflect.DeepEqual(got, []string{"wss://a.example"}) {
		t.Fatalf("unexpected endpoints %v", got)
	}
	if src.LastReason() != ErrNoEndpointList.Error() {
		t.Fatalf("unexpected reason %q", src.LastReason())
	}
}

func TestParseList(t *testing.T) {
	got := ParseList("const endpoints = ['wss://x', \"wss://y\",, ' wss://z '];")
	want := []string{"wss://x", "wss://y", "wss://z"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseList = %v, want %v", got, want)
	}
	if got := ParseList("const endpoints = [];"); len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}
