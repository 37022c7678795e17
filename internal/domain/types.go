package domain

import "time"

// RawPost is a post as captured by the scraper, before any normalization
type RawPost struct {
	Author      string    `json:"username"`
	Text        string    `json:"tweetText"`
	CaptureTime time.Time `json:"scrapeTime"`
	RawPostTime string    `json:"postTimeRaw"`
	Tag         string    `json:"tag,omitempty"`
}

// NormalizedPost is a RawPost with an absolute post time and partition keys.
// A zero PostTime means the raw time could not be normalized.
type NormalizedPost struct {
	RawPost
	PostTime  time.Time `json:"postTime"`
	PostYear  int       `json:"postYear"`
	PostMonth int       `json:"postMonth"`
	PostDay   int       `json:"postDay"`

	// SequenceIndex is a 1-based join key valid for a single run only
	SequenceIndex int `json:"-"`
}

// Key is the ingestion dedup key
type Key struct {
	Text     string
	PostTime int64
}

// Key returns the (text, postTime) identity of the post
func (p NormalizedPost) Key() Key {
	return Key{Text: p.Text, PostTime: UnixNanoOrZero(p.PostTime)}
}

// UnixNanoOrZero maps the zero time to 0 instead of an out-of-range value
func UnixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// FromUnixNano is the inverse of UnixNanoOrZero
func FromUnixNano(n int64, loc *time.Location) time.Time {
	if n == 0 {
		return time.Time{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(0, n).In(loc)
}

// PartitionOf derives the calendar partition of t; the zero time maps to 0/0/0
func PartitionOf(t time.Time) Partition {
	if t.IsZero() {
		return Partition{}
	}
	return Partition{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// Partition is a (year, month, day) storage subdivision inside a tag
type Partition struct {
	Year  int `json:"year"`
	Month int `json:"month"`
	Day   int `json:"day"`
}

// ClassifiedRecord is a post joined with the classifier's labels
type ClassifiedRecord struct {
	Text        string    `json:"text"`
	Tag         string    `json:"tag"`
	Category    string    `json:"category"`
	Topics      []string  `json:"topic"`
	Subtopics   []string  `json:"subtopic"`
	PostTime    time.Time `json:"postTime"`
	CaptureTime time.Time `json:"scrapeTime"`
	PostYear    int       `json:"postYear"`
	PostMonth   int       `json:"postMonth"`
	PostDay     int       `json:"postDay"`
}

// Stage names a pipeline step recorded in the run log
type Stage string

const (
	StageIngest   Stage = "ingest"
	StageClassify Stage = "classify"
)

// Run is one execution of a pipeline stage for a tag
type Run struct {
	ID           string     `json:"id"`
	Tag          string     `json:"tag"`
	Stage        Stage      `json:"stage"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Input        int        `json:"input"`
	Output       int        `json:"output"`
	FailedChunks int        `json:"failed_chunks"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
}
