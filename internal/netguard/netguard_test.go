package netguard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestKillSwitchFailsBeforeDialing(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	g := &Guard{Timeout: time.Second, disabled: func() bool { return true }}

	_, err := g.HTTPClient().Get(srv.URL)
	if !errors.Is(err, ErrNetworkDisabled) {
		t.Fatalf("expected ErrNetworkDisabled, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("request reached the server")
	}
	if _, err := g.LookupA(context.Background(), "example.com"); !errors.Is(err, ErrNetworkDisabled) {
		t.Fatalf("dns should be blocked too, got %v", err)
	}
}

func TestRedirectsAreNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		w.Write([]byte("followed"))
	}))
	defer srv.Close()

	g := &Guard{Timeout: time.Second, disabled: func() bool { return false }}
	resp, err := g.HTTPClient().Get(srv.URL + "/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
