package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kjannette/pricesync/internal/httputil"
	"github.com/kjannette/pricesync/internal/models"
)

func newHTTP(url string) *HTTP {
	return NewHTTP(url, HTTPOptions{
		Timeout: 2 * time.Second,
		Retry:   httputil.RetryConfig{MaxAttempts: 1},
	})
}

func TestHTTP_FetchCollectionAndRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/crops/farmers.json":
			w.Write([]byte(`{"a":{"name":"maize","price":10},"b":{"commodity":"beans","price":"20"}}`))
		case "/crops/farmers/a.json":
			w.Write([]byte(`{"name":"maize","price":11}`))
		case "/crops/farmers/gone.json":
			w.Write([]byte(`null`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := newHTTP(srv.URL + "/")
	ctx := context.Background()

	recs, err := h.FetchCollection(ctx, "crops/farmers")
	if err != nil {
		t.Fatalf("FetchCollection: %v", err)
	}
	equalIDs(t, recs, "a", "b")

	r, err := h.FetchRecord(ctx, "crops/farmers", "a")
	if err != nil || r == nil || r.Price.IntPart() != 11 {
		t.Fatalf("FetchRecord a = %+v, %v", r, err)
	}
	r, err = h.FetchRecord(ctx, "crops/farmers", "gone")
	if err != nil || r != nil {
		t.Fatalf("FetchRecord gone = %+v, %v", r, err)
	}

	_, err = h.FetchCollection(ctx, "nope")
	var se *httputil.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

type sseServer struct {
	events chan string
	once   sync.Once
	closed chan struct{}
}

func (s *sseServer) handler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/crops.json":
		if r.Header.Get("Accept") != "text/event-stream" {
			w.Write([]byte(`{}`))
			return
		}
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, ok := <-s.events:
				if !ok {
					return
				}
				fmt.Fprint(w, ev)
				flusher.Flush()
			case <-r.Context().Done():
				s.once.Do(func() { close(s.closed) })
				return
			}
		}
	case "/crops/b.json":
		w.Write([]byte(`{"name":"beans","price":21}`))
	case "/crops/c.json":
		w.Write([]byte(`null`))
	default:
		http.NotFound(w, r)
	}
}

func TestHTTP_SubscribeStream(t *testing.T) {
	s := &sseServer{events: make(chan string, 8), closed: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	defer srv.Close()

	changes := make(chan Change, 8)
	errs := make(chan error, 1)
	h := newHTTP(srv.URL)
	unsub, err := h.Subscribe(context.Background(), "crops",
		func(c Change) { changes <- c },
		func(err error) { errs <- err },
	)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	s.events <- "event: put\ndata: {\"path\":\"/\",\"data\":{\"a\":{\"name\":\"maize\",\"price\":10}}}\n\n"
	s.events <- "event: keep-alive\ndata: null\n\n"
	s.events <- "event: put\ndata: {\"path\":\"/b\",\"data\":{\"name\":\"beans\",\"price\":21}}\n\n"
	s.events <- "event: patch\ndata: {\"path\":\"/c\",\"data\":{\"price\":3}}\n\n"

	next := func() Change {
		t.Helper()
		select {
		case c := <-changes:
			return c
		case err := <-errs:
			t.Fatalf("unexpected stream error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for change")
		}
		return Change{}
	}

	if c := next(); c.Kind != Snapshot || len(c.Records) != 1 || c.Records[0].ID != "a" {
		t.Fatalf("first change = %+v", c)
	}
	if c := next(); c.Kind != Upsert || c.Records[0].ID != "b" || c.Records[0].Price.IntPart() != 21 {
		t.Fatalf("second change = %+v", c)
	}
	if c := next(); c.Kind != Remove || c.IDs[0] != "c" {
		t.Fatalf("third change = %+v", c)
	}

	unsub()
	unsub()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe should close the stream")
	}
	select {
	case err := <-errs:
		t.Fatalf("no error expected after unsubscribe, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHTTP_SubscribeServerCancel(t *testing.T) {
	s := &sseServer{events: make(chan string, 2), closed: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	defer srv.Close()

	errs := make(chan error, 1)
	unsub, err := newHTTP(srv.URL).Subscribe(context.Background(), "crops",
		func(Change) {}, func(err error) { errs <- err })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	s.events <- "event: cancel\ndata: null\n\n"
	select {
	case err := <-errs:
		var se *models.SubscriptionError
		if !errors.As(err, &se) || se.Path != "crops" {
			t.Fatalf("expected SubscriptionError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected stream error")
	}
}

func TestHTTP_SubscribeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newHTTP(srv.URL).Subscribe(context.Background(), "crops", func(Change) {}, func(error) {})
	var se *httputil.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
