// Package source reads captured posts handed over by the scraper
package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pbaille/taglisten/internal/domain"
)

// Kinds of source
const (
	KindJSON = "json"
	KindHTML = "html"
)

// TagPlaceholder in a source location is replaced by the tag being fetched
const TagPlaceholder = "{tag}"

// Source yields the raw posts captured for a tag
type Source interface {
	Fetch(ctx context.Context, tag string) ([]domain.RawPost, error)
}

// New builds the source of the given kind reading from location, a file
// path or, for html, also an http(s) URL. Times without a zone are read in loc.
func New(kind, location string, loc *time.Location) (Source, error) {
	if location == "" {
		return nil, fmt.Errorf("source location not set")
	}
	if loc == nil {
		loc = time.UTC
	}
	switch strings.ToLower(kind) {
	case KindJSON, "":
		return &JSONFile{Path: location, Location: loc}, nil
	case KindHTML:
		return NewHTML(location, loc), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

// IsURL checks if a string looks like a URL
func IsURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") ||
		strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "www.")
}

// expand substitutes the tag into location, query-escaped for URLs
func expand(location, tag string) string {
	if !strings.Contains(location, TagPlaceholder) {
		return location
	}
	if IsURL(location) {
		return strings.ReplaceAll(location, TagPlaceholder, url.QueryEscape(tag))
	}
	return strings.ReplaceAll(location, TagPlaceholder, tag)
}
