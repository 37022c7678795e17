package store

import (
	"sort"
	"time"

	"github.com/pbaille/taglisten/internal/domain"
)

const (
	postsCollection      = "tweets"
	classifiedCollection = "classified"
)

// Times are stored as unix nanoseconds; 0 stands for an unknown time.
type postRow struct {
	Username    string `parquet:"username"`
	TweetText   string `parquet:"tweetText"`
	ScrapeTime  int64  `parquet:"scrapeTime"`
	PostTimeRaw string `parquet:"postTimeRaw"`
	Tag         string `parquet:"tag"`
	PostTime    int64  `parquet:"postTime"`
	PostYear    int    `parquet:"postYear"`
	PostMonth   int    `parquet:"postMonth"`
	PostDay     int    `parquet:"postDay"`
}

func (r postRow) Partition() domain.Partition {
	return domain.Partition{Year: r.PostYear, Month: r.PostMonth, Day: r.PostDay}
}

type classifiedRow struct {
	Text       string   `parquet:"text"`
	Tag        string   `parquet:"tag"`
	Category   string   `parquet:"category"`
	Topic      []string `parquet:"topic"`
	Subtopic   []string `parquet:"subtopic"`
	PostTime   int64    `parquet:"postTime"`
	ScrapeTime int64    `parquet:"scrapeTime"`
	PostYear   int      `parquet:"postYear"`
	PostMonth  int      `parquet:"postMonth"`
	PostDay    int      `parquet:"postDay"`
}

func (r classifiedRow) Partition() domain.Partition {
	return domain.Partition{Year: r.PostYear, Month: r.PostMonth, Day: r.PostDay}
}

// PostStore holds normalized posts per tag
type PostStore struct {
	parts *Partitioned[postRow]
	loc   *time.Location
}

// NewPostStore opens the post collection under root; times read back are
// expressed in loc
func NewPostStore(root string, loc *time.Location) *PostStore {
	if loc == nil {
		loc = time.UTC
	}
	return &PostStore{parts: NewPartitioned[postRow](root, postsCollection), loc: loc}
}

// ReadAll returns every post of tag, or a StoreEmpty error
func (s *PostStore) ReadAll(tag string) ([]domain.NormalizedPost, error) {
	rows, err := s.parts.ReadAll(tag)
	if err != nil {
		return nil, err
	}
	return s.fromRows(rows), nil
}

// ReadPartitions returns the posts of the matching partitions
func (s *PostStore) ReadPartitions(tag string, years, months, days []int) ([]domain.NormalizedPost, error) {
	rows, err := s.parts.ReadPartitions(tag, years, months, days)
	if err != nil {
		return nil, err
	}
	return s.fromRows(rows), nil
}

// Upsert replaces every partition the posts fall into
func (s *PostStore) Upsert(tag string, posts []domain.NormalizedPost) error {
	rows := make([]postRow, len(posts))
	for i, p := range posts {
		rows[i] = postRow{
			Username:    p.Author,
			TweetText:   p.Text,
			ScrapeTime:  domain.UnixNanoOrZero(p.CaptureTime),
			PostTimeRaw: p.RawPostTime,
			Tag:         tag,
			PostTime:    domain.UnixNanoOrZero(p.PostTime),
			PostYear:    p.PostYear,
			PostMonth:   p.PostMonth,
			PostDay:     p.PostDay,
		}
	}
	return s.parts.Upsert(tag, rows)
}

// Tags lists tags with stored posts
func (s *PostStore) Tags() ([]string, error) { return s.parts.Tags() }

// Dir returns the collection directory
func (s *PostStore) Dir() string { return s.parts.Dir() }

// SetReplicator mirrors every replaced post partition to r
func (s *PostStore) SetReplicator(r Replicator) { s.parts.SetReplicator(r) }

func (s *PostStore) fromRows(rows []postRow) []domain.NormalizedPost {
	out := make([]domain.NormalizedPost, len(rows))
	for i, r := range rows {
		out[i] = domain.NormalizedPost{
			RawPost: domain.RawPost{
				Author:      r.Username,
				Text:        r.TweetText,
				CaptureTime: domain.FromUnixNano(r.ScrapeTime, s.loc),
				RawPostTime: r.PostTimeRaw,
				Tag:         r.Tag,
			},
			PostTime:  domain.FromUnixNano(r.PostTime, s.loc),
			PostYear:  r.PostYear,
			PostMonth: r.PostMonth,
			PostDay:   r.PostDay,
		}
	}
	return out
}

// ClassifiedStore holds classifier output per tag, read by the dashboard
type ClassifiedStore struct {
	parts *Partitioned[classifiedRow]
	loc   *time.Location
}

// NewClassifiedStore opens the classified collection under root
func NewClassifiedStore(root string, loc *time.Location) *ClassifiedStore {
	if loc == nil {
		loc = time.UTC
	}
	return &ClassifiedStore{parts: NewPartitioned[classifiedRow](root, classifiedCollection), loc: loc}
}

// ReadAll returns every classified record of tag, or a StoreEmpty error
func (s *ClassifiedStore) ReadAll(tag string) ([]domain.ClassifiedRecord, error) {
	rows, err := s.parts.ReadAll(tag)
	if err != nil {
		return nil, err
	}
	return s.fromRows(rows), nil
}

// ReadPartitions returns the classified records of the matching partitions
func (s *ClassifiedStore) ReadPartitions(tag string, years, months, days []int) ([]domain.ClassifiedRecord, error) {
	rows, err := s.parts.ReadPartitions(tag, years, months, days)
	if err != nil {
		return nil, err
	}
	return s.fromRows(rows), nil
}

// Upsert replaces every partition the records fall into
func (s *ClassifiedStore) Upsert(tag string, recs []domain.ClassifiedRecord) error {
	rows := make([]classifiedRow, len(recs))
	for i, r := range recs {
		rows[i] = classifiedRow{
			Text:       r.Text,
			Tag:        tag,
			Category:   r.Category,
			Topic:      r.Topics,
			Subtopic:   r.Subtopics,
			PostTime:   domain.UnixNanoOrZero(r.PostTime),
			ScrapeTime: domain.UnixNanoOrZero(r.CaptureTime),
			PostYear:   r.PostYear,
			PostMonth:  r.PostMonth,
			PostDay:    r.PostDay,
		}
	}
	return s.parts.Upsert(tag, rows)
}

// Tags lists tags with classified output
func (s *ClassifiedStore) Tags() ([]string, error) { return s.parts.Tags() }

// Dir returns the collection directory
func (s *ClassifiedStore) Dir() string { return s.parts.Dir() }

// SetReplicator mirrors every replaced classified partition to r
func (s *ClassifiedStore) SetReplicator(r Replicator) { s.parts.SetReplicator(r) }

func (s *ClassifiedStore) fromRows(rows []classifiedRow) []domain.ClassifiedRecord {
	out := make([]domain.ClassifiedRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.ClassifiedRecord{
			Text:        r.Text,
			Tag:         r.Tag,
			Category:    r.Category,
			Topics:      r.Topic,
			Subtopics:   r.Subtopic,
			PostTime:    domain.FromUnixNano(r.PostTime, s.loc),
			CaptureTime: domain.FromUnixNano(r.ScrapeTime, s.loc),
			PostYear:    r.PostYear,
			PostMonth:   r.PostMonth,
			PostDay:     r.PostDay,
		}
	}
	return out
}

// SortPosts orders posts by post time, oldest first, keeping input order for ties
func SortPosts(posts []domain.NormalizedPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].PostTime.Before(posts[j].PostTime)
	})
}
