package content

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuildCaption(t *testing.T) {
	block := PriceBlock(999, 1400)

	t.Run("short description untouched", func(t *testing.T) {
		got := BuildCaption("Кухонный органайзер", 999, 1400)
		if !strings.HasPrefix(got, "Кухонный органайзер") {
			t.Errorf("caption lost its description: %q", got)
		}
		if !strings.HasSuffix(got, block) {
			t.Errorf("caption does not end with the price block: %q", got)
		}
	})

	t.Run("long description truncated, block intact", func(t *testing.T) {
		long := strings.Repeat("оченьдлинно ", 200)
		got := BuildCaption(long, 999, 1400)

		if n := len([]rune(got)); n > MaxCaptionLen {
			t.Errorf("caption length = %d; want <= %d", n, MaxCaptionLen)
		}
		if !strings.HasSuffix(got, block) {
			t.Errorf("price block lost after truncation")
		}
		if !strings.Contains(got, "...") {
			t.Errorf("expected ellipsis in truncated description")
		}
	})
}

func TestPriceBlock(t *testing.T) {
	got := PriceBlock(999, 1400)

	for _, want := range []string{"<s>1400 сом</s>", "<b>999 сом</b>", "Экономия: 401 сом"} {
		if !strings.Contains(got, want) {
			t.Errorf("PriceBlock missing %q in %q", want, got)
		}
	}
}

func TestHashtags(t *testing.T) {
	tags := Hashtags("kitchen", "Кухонный органайзер полка для специй")

	if len(tags) > 15 {
		t.Fatalf("got %d hashtags; want <= 15", len(tags))
	}

	for _, base := range baseHashtags {
		found := false
		for _, tag := range tags {
			if tag == "#"+base {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("base hashtag #%s missing", base)
		}
	}

	for _, tag := range tags {
		if !strings.HasPrefix(tag, "#") {
			t.Errorf("tag %q missing # prefix", tag)
		}
	}

	// title keywords extracted
	found := false
	for _, tag := range tags {
		if tag == "#органайзер" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected title keyword #органайзер in %v", tags)
	}
}

func TestHashtagsUnknownCategory(t *testing.T) {
	tags := Hashtags("furniture", "")
	if len(tags) < len(baseHashtags) {
		t.Fatalf("got %d hashtags; want at least base set %d", len(tags), len(baseHashtags))
	}
}

func TestBuildMirrorCaption(t *testing.T) {
	tags := Hashtags("home", "")

	t.Run("fits with tags", func(t *testing.T) {
		got := BuildMirrorCaption("Подборка дня", tags)
		if !strings.Contains(got, "#бишкек") {
			t.Errorf("hashtags missing from mirror caption")
		}
		if n := len([]rune(got)); n > MaxMirrorCaptionLen {
			t.Errorf("caption length = %d; want <= %d", n, MaxMirrorCaptionLen)
		}
	})

	t.Run("hashtags trimmed before caption", func(t *testing.T) {
		long := strings.Repeat("я", MaxMirrorCaptionLen-20)
		got := BuildMirrorCaption(long, tags)
		if n := len([]rune(got)); n > MaxMirrorCaptionLen {
			t.Errorf("caption length = %d; want <= %d", n, MaxMirrorCaptionLen)
		}
	})
}

func TestBuildMirrorPost(t *testing.T) {
	products := []MirrorProduct{
		{Title: "Наушники беспроводные", Price: 1299, OldPrice: 1800, DiscountPct: 27},
		{Title: "Рюкзак городской", Price: 2450},
	}

	got := BuildMirrorPost(products)

	for _, fragment := range []string{
		"ТОП-10 ТОВАРОВ ДНЯ",
		"1️⃣ Наушники беспроводные — 1 299 сом (было 1 800 сом) (-27%)",
		"2️⃣ Рюкзак городской — 2 450 сом",
		"@tulpar_express",
	} {
		if !strings.Contains(got, fragment) {
			t.Errorf("mirror post missing %q:\n%s", fragment, got)
		}
	}

	if strings.ContainsAny(got, "<>") {
		t.Errorf("mirror post carries HTML markup:\n%s", got)
	}
}

func TestMirrorProductLine(t *testing.T) {
	tests := []struct {
		name     string
		index    int
		product  MirrorProduct
		expected string
	}{
		{
			name:     "discounted",
			index:    3,
			product:  MirrorProduct{Title: "Часы", Price: 699, OldPrice: 1020, DiscountPct: 31},
			expected: "3️⃣ Часы — 699 сом (было 1 020 сом) (-31%)",
		},
		{
			name:     "no old price",
			index:    1,
			product:  MirrorProduct{Title: "Чайник", Price: 999},
			expected: "1️⃣ Чайник — 999 сом",
		},
		{
			name:     "old price without discount",
			index:    2,
			product:  MirrorProduct{Title: "Плед", Price: 500, OldPrice: 700},
			expected: "2️⃣ Плед — 500 сом (было 700 сом)",
		},
		{
			name:     "beyond emoji range",
			index:    11,
			product:  MirrorProduct{Title: "Лампа", Price: 350},
			expected: "11. Лампа — 350 сом",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mirrorProductLine(tt.index, tt.product); got != tt.expected {
				t.Errorf("mirrorProductLine() = %q; want %q", got, tt.expected)
			}
		})
	}
}

func TestGeneratorFallbackOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	gen := NewGenerator(&GeneratorConfig{
		BaseURL: srv.URL,
		APIKey:  "test",
		Contact: "tulpar_express",
	})

	text, degraded := gen.Generate(context.Background(), GeneratorInput{
		ProductID: "1",
		Title:     "wireless earbuds",
		Price:     999,
		OldPrice:  1400,
	})

	if !degraded {
		t.Fatal("expected template fallback")
	}
	if !strings.Contains(text, "Wireless earbuds") {
		t.Errorf("fallback text missing capitalised title: %q", text)
	}
	if !strings.Contains(text, "@tulpar_express") {
		t.Errorf("fallback text missing contact: %q", text)
	}
}

func TestGeneratorParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"🛒 Беспроводные наушники\n\nОтличный звук."}}]}`))
	}))
	defer srv.Close()

	gen := NewGenerator(&GeneratorConfig{BaseURL: srv.URL, APIKey: "test"})

	text, degraded := gen.Generate(context.Background(), GeneratorInput{Title: "earbuds", Price: 999, OldPrice: 1400})
	if degraded {
		t.Fatal("unexpected fallback")
	}
	if !strings.HasPrefix(text, "🛒 Беспроводные наушники") {
		t.Errorf("unexpected text: %q", text)
	}
}

func TestGeneratorRejectsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  "}}]}`))
	}))
	defer srv.Close()

	gen := NewGenerator(&GeneratorConfig{BaseURL: srv.URL, APIKey: "test"})

	_, degraded := gen.Generate(context.Background(), GeneratorInput{Title: "x", Price: 1, OldPrice: 2})
	if !degraded {
		t.Fatal("expected fallback on empty content")
	}
}
