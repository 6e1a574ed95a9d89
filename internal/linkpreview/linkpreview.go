// Package linkpreview fetches OpenGraph metadata for a URL found in a chat
// message (SPEC_FULL.md §4.7, supplemental). Grounded directly on the
// teacher's linkpreview.go: same tokenizer-based <head> scan, same
// short-timeout, redirect-capped client.
package linkpreview

import (
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// fetchTimeout bounds how long a preview fetch may take so it never delays
// chat delivery, which has already completed by the time this runs.
const fetchTimeout = 4 * time.Second

// maxBody is the maximum number of response bytes read — only the <head>
// section is needed.
const maxBody = 256 * 1024

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// ExtractFirstURL returns the first http(s) URL found in text, or "".
func ExtractFirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Preview holds OpenGraph metadata extracted from a web page.
type Preview struct {
	URL      string
	Title    string
	Desc     string
	Image    string
	SiteName string
}

// Fetch retrieves rawURL and extracts its OpenGraph metadata. Callers run
// this in a goroutine; a non-HTML response yields a bare Preview with only
// URL set, not an error.
func Fetch(rawURL string) (Preview, error) {
	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return Preview{}, err
	}
	req.Header.Set("User-Agent", "agentroom-linkpreview/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := client.Do(req)
	if err != nil {
		return Preview{}, err
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return Preview{URL: rawURL}, nil
	}

	body := io.LimitReader(resp.Body, maxBody)
	return parseOGTags(rawURL, body)
}

func parseOGTags(rawURL string, r io.Reader) (Preview, error) {
	p := Preview{URL: rawURL}
	tokenizer := html.NewTokenizer(r)
	var inTitle bool
	var titleText string

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if p.Title == "" && titleText != "" {
				p.Title = titleText
			}
			return p, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			tag := string(tn)

			if tag == "title" {
				inTitle = true
				continue
			}
			if tag == "body" {
				if p.Title == "" && titleText != "" {
					p.Title = titleText
				}
				return p, nil
			}
			if tag == "meta" && hasAttr {
				parseMeta(tokenizer, &p)
			}

		case html.TextToken:
			if inTitle {
				titleText += string(tokenizer.Text())
			}

		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = false
			}
		}
	}
}

func parseMeta(tokenizer *html.Tokenizer, p *Preview) {
	var property, name, content string
	for {
		key, val, more := tokenizer.TagAttr()
		k := string(key)
		v := string(val)
		switch k {
		case "property":
			property = v
		case "name":
			name = v
		case "content":
			content = v
		}
		if !more {
			break
		}
	}

	if content == "" {
		return
	}

	switch property {
	case "og:title":
		p.Title = content
	case "og:description":
		p.Desc = content
	case "og:image":
		p.Image = content
	case "og:site_name":
		p.SiteName = content
	}

	if name == "description" && p.Desc == "" {
		p.Desc = content
	}
}
