package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoginSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/manager/mtr-login" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(loginResponse{
			Token:           "tok",
			TradingAPIToken: "trad",
			TradingAccount:  "acc-1",
			ExpiresInSec:    900,
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "broker-1")
	res, err := c.Login(context.Background(), "a@b.com", "pw", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.AuthToken != "tok" || res.TradingToken != "trad" || res.TradingAccountID != "acc-1" {
		t.Fatalf("unexpected login result: %+v", res)
	}
}

func TestLoginUnauthorizedIsAuthErrorNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad creds"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "broker-1")
	_, err := c.Login(context.Background(), "a@b.com", "wrong", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call (no retry on auth error), got %d", calls)
	}
}

func TestBadRequestIsRequestErrorNoRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "broker-1")
	_, err := c.Login(context.Background(), "a@b.com", "pw", "")
	if _, ok := err.(*RequestError); !ok {
		t.Fatalf("expected *RequestError, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}

func TestServerErrorRetriesThenTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "broker-1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Login(ctx, "a@b.com", "pw", "")
	if _, ok := err.(*TransientError); !ok {
		t.Fatalf("expected *TransientError, got %T: %v", err, err)
	}
	if atomic.LoadInt32(&calls) != maxRetries+1 {
		t.Fatalf("expected %d attempts (1 + %d retries), got %d", maxRetries+1, maxRetries, calls)
	}
}

func TestServerErrorRecoversOnRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(loginResponse{Token: "tok"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "broker-1")
	res, err := c.Login(context.Background(), "a@b.com", "pw", "")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.AuthToken != "tok" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
