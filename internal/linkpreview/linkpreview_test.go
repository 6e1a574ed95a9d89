package linkpreview

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractFirstURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"https url", "check out https://example.com/page", "https://example.com/page"},
		{"http url", "visit http://example.com", "http://example.com"},
		{"no url", "just a plain message", ""},
		{"url only", "https://example.com", "https://example.com"},
		{"multiple urls picks first", "see https://a.com and https://b.com", "https://a.com"},
		{"url with path and query", "link: https://example.com/path?q=1&b=2", "https://example.com/path?q=1&b=2"},
		{"no scheme", "check example.com", ""},
		{"ftp not matched", "ftp://files.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractFirstURL(tt.input)
			if got != tt.want {
				t.Errorf("ExtractFirstURL(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseOGTags(t *testing.T) {
	doc := `<!DOCTYPE html>
<html><head>
	<title>Fallback Title</title>
	<meta property="og:title" content="OG Title">
	<meta property="og:description" content="OG Description">
	<meta property="og:image" content="https://example.com/img.jpg">
	<meta property="og:site_name" content="Example Site">
</head><body></body></html>`
	p, err := parseOGTags("https://example.com", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if p.Title != "OG Title" || p.Desc != "OG Description" || p.Image != "https://example.com/img.jpg" || p.SiteName != "Example Site" {
		t.Errorf("unexpected preview: %+v", p)
	}
}

func TestParseOGTagsFallbackTitle(t *testing.T) {
	doc := `<html><head><title>Page Title</title></head><body></body></html>`
	p, err := parseOGTags("https://example.com", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if p.Title != "Page Title" {
		t.Errorf("Title = %q, want %q", p.Title, "Page Title")
	}
}

func TestParseOGTagsFallbackMetaDescription(t *testing.T) {
	doc := `<html><head><meta name="description" content="Meta Desc"></head><body></body></html>`
	p, err := parseOGTags("https://example.com", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if p.Desc != "Meta Desc" {
		t.Errorf("Desc = %q, want %q", p.Desc, "Meta Desc")
	}
}

func TestParseOGTagsOGOverridesFallback(t *testing.T) {
	doc := `<html><head>
		<title>Fallback</title>
		<meta name="description" content="Fallback desc">
		<meta property="og:title" content="OG Title">
		<meta property="og:description" content="OG Desc">
	</head><body></body></html>`
	p, _ := parseOGTags("https://example.com", strings.NewReader(doc))
	if p.Title != "OG Title" || p.Desc != "OG Desc" {
		t.Errorf("OG tags should win over fallback, got %+v", p)
	}
}

func TestParseOGTagsEmptyHTML(t *testing.T) {
	p, err := parseOGTags("https://example.com", strings.NewReader(""))
	if err != nil {
		t.Fatalf("parseOGTags error: %v", err)
	}
	if p.Title != "" || p.Desc != "" || p.Image != "" {
		t.Errorf("empty HTML should produce empty preview, got %+v", p)
	}
}

func TestParseOGTagsStopsAtBody(t *testing.T) {
	doc := `<html><head><title>Head Title</title></head><body><title>Body Title</title></body></html>`
	p, _ := parseOGTags("https://example.com", strings.NewReader(doc))
	if p.Title != "Head Title" {
		t.Errorf("Title = %q, want %q (should stop at <body>)", p.Title, "Head Title")
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head>
			<meta property="og:title" content="Test Page">
			<meta property="og:description" content="A test description">
			<meta property="og:image" content="https://example.com/preview.jpg">
			<meta property="og:site_name" content="Test Site">
		</head><body></body></html>`)
	}))
	defer srv.Close()

	p, err := Fetch(srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if p.Title != "Test Page" || p.Desc != "A test description" || p.Image != "https://example.com/preview.jpg" || p.SiteName != "Test Site" {
		t.Errorf("unexpected preview: %+v", p)
	}
}

func TestFetchNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"key": "value"}`)
	}))
	defer srv.Close()

	p, err := Fetch(srv.URL)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if p.Title != "" || p.Desc != "" || p.Image != "" {
		t.Errorf("non-HTML should have empty metadata, got %+v", p)
	}
}

func TestFetchServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := Fetch(srv.URL)
	if err != nil {
		t.Fatalf("Fetch should not error on 500, got: %v", err)
	}
	if p.Title != "" {
		t.Errorf("500 response should have empty title, got %q", p.Title)
	}
}
