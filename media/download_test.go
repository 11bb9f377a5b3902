package media

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestSniffFormat(t *testing.T) {
	jpegMagic := []byte{0xff, 0xd8, 0xff, 0xe0}
	pngMagic := []byte("\x89PNG\r\n\x1a\n")
	webpMagic := append([]byte("RIFF\x00\x00\x00\x00"), []byte("WEBP")...)

	tests := []struct {
		name        string
		contentType string
		body        []byte
		url         string
		expected    string
	}{
		{name: "content type wins", contentType: "image/png", body: jpegMagic, url: "x.jpg", expected: "png"},
		{name: "content type with charset", contentType: "image/webp; charset=binary", body: nil, url: "", expected: "webp"},
		{name: "jpeg magic", contentType: "application/octet-stream", body: jpegMagic, url: "", expected: "jpeg"},
		{name: "png magic", contentType: "", body: pngMagic, url: "", expected: "png"},
		{name: "webp magic", contentType: "", body: webpMagic, url: "", expected: "webp"},
		{name: "url extension", contentType: "", body: []byte("garbage"), url: "https://cdn.example.com/pic.PNG", expected: "png"},
		{name: "default jpeg", contentType: "", body: []byte("garbage"), url: "https://cdn.example.com/pic", expected: "jpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SniffFormat(tt.contentType, tt.body, tt.url)
			if got != tt.expected {
				t.Errorf("SniffFormat(%q, …, %q) = %q; want %q", tt.contentType, tt.url, got, tt.expected)
			}
		})
	}
}

func TestCandidateURLs(t *testing.T) {
	t.Run("alicdn host expands to siblings", func(t *testing.T) {
		got, err := candidateURLs("https://gw.alicdn.com/pic/a.jpg")
		if err != nil {
			t.Fatalf("candidateURLs error: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d candidates; want 3: %v", len(got), got)
		}
		if got[0] != "https://gw.alicdn.com/pic/a.jpg" {
			t.Errorf("original URL must come first, got %q", got[0])
		}
		joined := strings.Join(got, " ")
		for _, host := range []string{"img.alicdn.com", "cbu01.alicdn.com"} {
			if !strings.Contains(joined, host) {
				t.Errorf("missing sibling host %s in %v", host, got)
			}
		}
	})

	t.Run("foreign host stays alone", func(t *testing.T) {
		got, err := candidateURLs("https://img.example.com/a.jpg")
		if err != nil {
			t.Fatalf("candidateURLs error: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("got %d candidates; want 1", len(got))
		}
	})

	t.Run("bad scheme rejected", func(t *testing.T) {
		if _, err := candidateURLs("ftp://img.example.com/a.jpg"); err == nil {
			t.Error("expected scheme error")
		}
	})
}

func TestDownloaderRejectsTinyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	d, err := NewDownloader()
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}
	defer PurgeTempDirs()

	if _, err := d.fetchOne(context.Background(), srv.URL+"/a.jpg"); err == nil {
		t.Fatal("expected error for body under 1 KiB")
	}
}

func TestDownloaderWritesFile(t *testing.T) {
	body := append([]byte{0xff, 0xd8, 0xff}, bytes.Repeat([]byte{0x42}, 2048)...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	d, err := NewDownloader()
	if err != nil {
		t.Fatalf("NewDownloader: %v", err)
	}
	defer PurgeTempDirs()

	path, err := d.Download(context.Background(), srv.URL+"/pic")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !strings.HasSuffix(path, ".jpeg") {
		t.Errorf("path = %q; want .jpeg suffix", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if len(data) != len(body) {
		t.Errorf("file size = %d; want %d", len(data), len(body))
	}

	d.Purge()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Purge left the file behind")
	}
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		in       int64
		expected string
	}{
		{in: 29, expected: "29"},
		{in: 999, expected: "999"},
		{in: 1999, expected: "1 999"},
		{in: 120999, expected: "120 999"},
		{in: 1234567, expected: "1 234 567"},
	}

	for _, tt := range tests {
		got := formatPrice(tt.in)
		if got != tt.expected {
			t.Errorf("formatPrice(%d) = %q; want %q", tt.in, got, tt.expected)
		}
	}
}
