package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishCarousel(t *testing.T) {
	var (
		childCount    int32
		statusPolls   int32
		publishedWith string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ig-account/media") && r.Method == http.MethodPost:
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatal(err)
			}

			if payload["media_type"] == "CAROUSEL" {
				children, _ := payload["children"].(string)
				if len(strings.Split(children, ",")) != 3 {
					t.Errorf("children = %q; want 3 ids", children)
				}
				if payload["caption"] != "Подборка дня" {
					t.Errorf("caption = %v", payload["caption"])
				}
				_, _ = w.Write([]byte(`{"id":"container-1"}`))
				return
			}

			if payload["is_carousel_item"] != true {
				t.Errorf("child container missing is_carousel_item: %v", payload)
			}
			n := atomic.AddInt32(&childCount, 1)
			_, _ = fmt.Fprintf(w, `{"id":"child-%d"}`, n)

		case strings.Contains(r.URL.Path, "/container-1") && r.Method == http.MethodGet:
			if atomic.AddInt32(&statusPolls, 1) < 2 {
				_, _ = w.Write([]byte(`{"status_code":"IN_PROGRESS"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status_code":"FINISHED"}`))

		case strings.HasSuffix(r.URL.Path, "/media_publish"):
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatal(err)
			}
			publishedWith, _ = payload["creation_id"].(string)
			_, _ = w.Write([]byte(`{"id":"media-777"}`))

		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cli := NewClient(&Config{BaseURL: srv.URL, AccessToken: "tok", AccountID: "ig-account"})

	urls := []string{"https://cdn/a.jpg", "https://cdn/b.jpg", "https://cdn/c.jpg"}
	mediaID, err := cli.PublishCarousel(context.Background(), urls, "Подборка дня")
	if err != nil {
		t.Fatalf("PublishCarousel: %v", err)
	}

	if mediaID != "media-777" {
		t.Errorf("media id = %q; want media-777", mediaID)
	}
	if childCount != 3 {
		t.Errorf("created %d children; want 3", childCount)
	}
	if publishedWith != "container-1" {
		t.Errorf("published with creation_id %q; want container-1", publishedWith)
	}
}

func TestPublishCarouselSizeBounds(t *testing.T) {
	cli := NewClient(&Config{BaseURL: "http://127.0.0.1:0", AccessToken: "tok", AccountID: "acc"})

	t.Run("too few", func(t *testing.T) {
		_, err := cli.PublishCarousel(context.Background(), []string{"one"}, "")
		if !IsBusinessRule(err) {
			t.Errorf("got %v; want business rule error", err)
		}
	})

	t.Run("too many", func(t *testing.T) {
		urls := make([]string, MaxCarouselSize+1)
		_, err := cli.PublishCarousel(context.Background(), urls, "")
		if !IsBusinessRule(err) {
			t.Errorf("got %v; want business rule error", err)
		}
	})
}

func TestPublishCarouselContainerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/media"):
			var payload map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			if payload["media_type"] == "CAROUSEL" {
				_, _ = w.Write([]byte(`{"id":"container-9"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"child"}`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"status_code":"ERROR"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	cli := NewClient(&Config{BaseURL: srv.URL, AccessToken: "tok", AccountID: "acc"})

	_, err := cli.PublishCarousel(context.Background(), []string{"a", "b"}, "")
	if err == nil || !strings.Contains(err.Error(), "ERROR") {
		t.Errorf("got %v; want container processing failure", err)
	}
}

func TestPublishCarouselGraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	cli := NewClient(&Config{BaseURL: srv.URL, AccessToken: "bad", AccountID: "acc"})

	_, err := cli.PublishCarousel(context.Background(), []string{"a", "b"}, "")
	if err == nil || !strings.Contains(err.Error(), "OAuthException") {
		t.Errorf("got %v; want graph API error details", err)
	}
}

func TestCheckToken(t *testing.T) {
	expiresAt := time.Now().Add(48 * time.Hour).Unix()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "debug_token") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("input_token") != "tok" {
			t.Errorf("input_token = %q", r.URL.Query().Get("input_token"))
		}
		_, _ = fmt.Fprintf(w, `{"data":{"is_valid":true,"expires_at":%d}}`, expiresAt)
	}))
	defer srv.Close()

	cli := NewClient(&Config{BaseURL: srv.URL, AccessToken: "tok", AccountID: "acc"})

	got, err := cli.CheckToken(context.Background())
	if err != nil {
		t.Fatalf("CheckToken: %v", err)
	}
	if got.Unix() != expiresAt {
		t.Errorf("expiry = %v; want unix %d", got, expiresAt)
	}
}

func TestCheckTokenInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"is_valid":false}}`))
	}))
	defer srv.Close()

	cli := NewClient(&Config{BaseURL: srv.URL, AccessToken: "tok", AccountID: "acc"})

	if _, err := cli.CheckToken(context.Background()); err == nil {
		t.Error("expected error for invalid token")
	}
}
