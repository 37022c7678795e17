package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pbaille/taglisten/internal/domain"
	"golang.org/x/net/html"
)

const maxPageSize = 5 * 1024 * 1024

// HTMLPage reads posts from a saved search-result page, either a local
// file or an http(s) URL
type HTMLPage struct {
	Location string
	Loc      *time.Location

	client *http.Client
	now    func() time.Time
}

// NewHTML creates an HTML page source
func NewHTML(location string, loc *time.Location) *HTMLPage {
	return &HTMLPage{
		Location: location,
		Loc:      loc,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// Fetch implements Source. Every post gets the fetch moment as capture
// time; for local files the file's modification time is used instead.
func (h *HTMLPage) Fetch(ctx context.Context, tag string) ([]domain.RawPost, error) {
	loc := expand(h.Location, tag)

	var (
		body    io.ReadCloser
		capture time.Time
		err     error
	)
	if IsURL(loc) {
		body, err = h.open(ctx, loc)
		capture = h.now()
	} else {
		var f *os.File
		f, err = os.Open(loc)
		if err == nil {
			body = f
			if info, serr := f.Stat(); serr == nil {
				capture = info.ModTime()
			} else {
				capture = h.now()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if h.Loc != nil {
		capture = capture.In(h.Loc)
	}
	return parsePage(io.LimitReader(body, maxPageSize), capture, tag)
}

func (h *HTMLPage) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "taglisten/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return resp.Body, nil
}

// parsePage extracts one post per tweet article
func parsePage(r io.Reader, capture time.Time, tag string) ([]domain.RawPost, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := goquery.NewDocumentFromNode(root)

	var posts []domain.RawPost
	doc.Find(`article[data-testid="tweet"]`).Each(func(_ int, art *goquery.Selection) {
		text := collapse(art.Find(`[data-testid="tweetText"]`).First().Text())
		if text == "" {
			return
		}
		posts = append(posts, domain.RawPost{
			Author:      author(art.Find(`[data-testid="User-Name"]`).First()),
			Text:        text,
			CaptureTime: capture,
			RawPostTime: collapse(art.Find("time").First().Text()),
			Tag:         tag,
		})
	})
	return posts, nil
}

// author prefers the @handle inside the user name block
func author(sel *goquery.Selection) string {
	handle := ""
	sel.Find("span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if t := strings.TrimSpace(s.Text()); strings.HasPrefix(t, "@") && !strings.ContainsAny(t, " \n") {
			handle = t
			return false
		}
		return true
	})
	if handle != "" {
		return handle
	}
	return collapse(sel.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
