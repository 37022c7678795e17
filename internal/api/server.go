// Package api serves the classified output to the dashboard, read-only
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pbaille/taglisten/internal/domain"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/pbaille/taglisten/internal/logger"
	"github.com/pbaille/taglisten/internal/store"
	"github.com/pbaille/taglisten/internal/tagname"
	"github.com/pbaille/taglisten/internal/taxonomy"
	"github.com/rs/zerolog"
)

// Server handles HTTP requests for the dashboard
type Server struct {
	posts      *store.PostStore
	classified *store.ClassifiedStore
	runs       *store.Runs
	categories []string
	addr       string
	log        zerolog.Logger
}

// Options wires a Server; Runs may be nil
type Options struct {
	Posts      *store.PostStore
	Classified *store.ClassifiedStore
	Runs       *store.Runs
	Categories []string
	Addr       string
}

// New creates a new API server
func New(o Options, log zerolog.Logger) *Server {
	return &Server{
		posts:      o.Posts,
		classified: o.Classified,
		runs:       o.Runs,
		categories: o.Categories,
		addr:       o.Addr,
		log:        logger.Named(log, "api"),
	}
}

// Handler returns the router with every route and middleware mounted
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/tags", s.listTags)
	r.Route("/tags/{tag}", func(r chi.Router) {
		r.Get("/records", s.listRecords)
		r.Get("/topics", s.topicCounts)
	})
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	return r
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TagSummary is one tag known to the store
type TagSummary struct {
	Name          string `json:"name"`
	HasPosts      bool   `json:"has_posts"`
	HasClassified bool   `json:"has_classified"`
}

func (s *Server) listTags(w http.ResponseWriter, r *http.Request) {
	postTags, err := s.posts.Tags()
	if err != nil {
		writeError(w, err)
		return
	}
	classifiedTags, err := s.classified.Tags()
	if err != nil {
		writeError(w, err)
		return
	}

	byName := make(map[string]*TagSummary)
	get := func(name string) *TagSummary {
		if t, ok := byName[name]; ok {
			return t
		}
		t := &TagSummary{Name: name}
		byName[name] = t
		return t
	}
	for _, t := range postTags {
		get(t).HasPosts = true
	}
	for _, t := range classifiedTags {
		get(t).HasClassified = true
	}

	tags := make([]TagSummary, 0, len(byName))
	for _, t := range byName {
		tags = append(tags, *t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })

	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func tagParam(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "tag")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	tag := tagname.Clean(raw)
	if tag == "" {
		return "", perr.InvalidArgf("invalid tag %q", raw)
	}
	return tag, nil
}

// recordFilter narrows records by partition fields and category; zero
// values match everything
type recordFilter struct {
	year, month, day int
	category         string
}

func parseFilter(q url.Values) (recordFilter, error) {
	f := recordFilter{category: q.Get("category")}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"year", &f.year}, {"month", &f.month}, {"day", &f.day}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, perr.InvalidArgf("query parameter %q must be a non-negative integer", p.name)
		}
		*p.dst = n
	}
	return f, nil
}

func (f recordFilter) match(rec domain.ClassifiedRecord) bool {
	return (f.year == 0 || rec.PostYear == f.year) &&
		(f.month == 0 || rec.PostMonth == f.month) &&
		(f.day == 0 || rec.PostDay == f.day) &&
		(f.category == "" || rec.Category == f.category)
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	tag, err := tagParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	var recs []domain.ClassifiedRecord
	if filter.year != 0 && filter.month != 0 && filter.day != 0 {
		recs, err = s.classified.ReadPartitions(tag, []int{filter.year}, []int{filter.month}, []int{filter.day})
	} else {
		recs, err = s.classified.ReadAll(tag)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]domain.ClassifiedRecord, 0, len(recs))
	for _, rec := range recs {
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PostTime.After(out[j].PostTime) })

	writeJSON(w, http.StatusOK, map[string]any{
		"tag":     tag,
		"count":   len(out),
		"records": out,
	})
}

// LabelCount is how many records carry a label
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

func (s *Server) topicCounts(w http.ResponseWriter, r *http.Request) {
	tag, err := tagParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.classified.ReadAll(tag)
	if err != nil {
		writeError(w, err)
		return
	}

	counts := make(map[string]map[taxonomy.Namespace]map[string]int)
	for _, c := range s.categories {
		counts[c] = map[taxonomy.Namespace]map[string]int{}
	}
	for _, rec := range recs {
		if !filter.match(rec) {
			continue
		}
		byNS, ok := counts[rec.Category]
		if !ok {
			byNS = map[taxonomy.Namespace]map[string]int{}
			counts[rec.Category] = byNS
		}
		for ns, labels := range map[taxonomy.Namespace][]string{taxonomy.Topic: rec.Topics, taxonomy.Subtopic: rec.Subtopics} {
			if byNS[ns] == nil {
				byNS[ns] = map[string]int{}
			}
			for _, l := range labels {
				byNS[ns][l]++
			}
		}
	}

	out := make(map[string]map[taxonomy.Namespace][]LabelCount, len(counts))
	for cat, byNS := range counts {
		out[cat] = make(map[taxonomy.Namespace][]LabelCount, len(taxonomy.Namespaces))
		for _, ns := range taxonomy.Namespaces {
			out[cat][ns] = sortedCounts(byNS[ns])
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "categories": out})
}

// sortedCounts orders by count descending, then label
func sortedCounts(m map[string]int) []LabelCount {
	out := make([]LabelCount, 0, len(m))
	for l, c := range m {
		out = append(out, LabelCount{Label: l, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []domain.Run{}})
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	tag := r.URL.Query().Get("tag")
	if tag != "" {
		tag = tagname.Clean(tag)
	}

	runs, err := s.runs.ListRuns(tag, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "limit": limit})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, perr.NotFoundf("run log disabled"))
		return
	}
	run, err := s.runs.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, perr.HTTPStatus(err), map[string]string{"error": err.Error()})
}
