package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebsocketDialer_MapsUnauthorizedUpgrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	d := &WebsocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Dial error = %v, want ErrAuthRejected", err)
	}
}

func TestWebsocketDialer_ServerDownIsNotAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	d := &WebsocketDialer{URL: url}
	_, err := d.Dial(context.Background())
	if err == nil {
		t.Fatalf("Dial against closed server succeeded")
	}
	if errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Dial error = %v, must stay retryable", err)
	}
}
