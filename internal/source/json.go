package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pbaille/taglisten/internal/domain"
)

// JSONFile reads a scraper export: an array of
// {"username", "tweetText", "scrapeTime", "postTimeRaw"} objects
type JSONFile struct {
	Path     string
	Location *time.Location
}

type exportedPost struct {
	Username    string `json:"username"`
	TweetText   string `json:"tweetText"`
	ScrapeTime  string `json:"scrapeTime"`
	PostTimeRaw string `json:"postTimeRaw"`
}

// layouts accepted for scrapeTime, tried in order
var captureLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Fetch implements Source
func (j *JSONFile) Fetch(ctx context.Context, tag string) ([]domain.RawPost, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := expand(j.Path, tag)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}

	var exported []exportedPost
	if err := json.Unmarshal(data, &exported); err != nil {
		return nil, fmt.Errorf("parse export %s: %w", path, err)
	}

	posts := make([]domain.RawPost, 0, len(exported))
	for i, e := range exported {
		text := strings.TrimSpace(e.TweetText)
		if text == "" {
			continue
		}
		capture, err := parseCapture(e.ScrapeTime, j.loc())
		if err != nil {
			return nil, fmt.Errorf("post %d of %s: %w", i, path, err)
		}
		posts = append(posts, domain.RawPost{
			Author:      strings.TrimSpace(e.Username),
			Text:        text,
			CaptureTime: capture,
			RawPostTime: strings.TrimSpace(e.PostTimeRaw),
			Tag:         tag,
		})
	}
	return posts, nil
}

func (j *JSONFile) loc() *time.Location {
	if j.Location == nil {
		return time.UTC
	}
	return j.Location
}

func parseCapture(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("scrapeTime missing")
	}
	for _, layout := range captureLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("scrapeTime %q: unknown format", s)
}
