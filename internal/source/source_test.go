package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exportJSON = `[
  {"username": "@alice", "tweetText": "when does registration open? #DSI321", "scrapeTime": "2023-07-05T12:00:00.123456", "postTimeRaw": "5m"},
  {"username": "@bob", "tweetText": "wifi down again", "scrapeTime": "2023-07-05T12:00:00+07:00", "postTimeRaw": "1h"},
  {"username": "@alice", "tweetText": "when does registration open? #DSI321", "scrapeTime": "2023-07-05T12:00:01", "postTimeRaw": "5m"},
  {"username": "@carol", "tweetText": "   ", "scrapeTime": "2023-07-05T12:00:00", "postTimeRaw": "2h"}
]`

const page = `<!DOCTYPE html><html><body><main>
<article data-testid="tweet">
  <div data-testid="User-Name"><span>Alice A.</span><span>@alice</span><span>·</span></div>
  <time datetime="2023-07-05T11:55:00.000Z">5m</time>
  <div data-testid="tweetText"><span>exam room</span> <span>changed?</span></div>
</article>
<article data-testid="tweet">
  <div data-testid="User-Name"><span>bob</span></div>
  <time>Jul 4</time>
  <div data-testid="tweetText">library  closes
  early</div>
</article>
<article data-testid="tweet">
  <div data-testid="User-Name"><span>@alice</span></div>
  <div data-testid="tweetText"><span>exam room</span> <span>changed?</span></div>
</article>
<article data-testid="tweet"><div data-testid="User-Name">ad</div></article>
</main></body></html>`

func TestJSONFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dsi321.json"), []byte(exportJSON), 0o644))
	bkk := time.FixedZone("ICT", 7*3600)

	src, err := New(KindJSON, filepath.Join(dir, "{tag}.json"), bkk)
	require.NoError(t, err)

	posts, err := src.Fetch(context.Background(), "dsi321")
	require.NoError(t, err)
	require.Len(t, posts, 3)

	assert.Equal(t, "@alice", posts[0].Author)
	assert.Equal(t, "5m", posts[0].RawPostTime)
	assert.Equal(t, "dsi321", posts[0].Tag)
	assert.True(t, posts[0].CaptureTime.Equal(time.Date(2023, time.July, 5, 5, 0, 0, 123456000, time.UTC)))
	assert.True(t, posts[1].CaptureTime.Equal(time.Date(2023, time.July, 5, 5, 0, 0, 0, time.UTC)))
	assert.True(t, posts[2].CaptureTime.Equal(time.Date(2023, time.July, 5, 5, 0, 1, 0, time.UTC)))
}

func TestJSONFileKeepsRepeatedText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	export := `[
	  {"username": "bot", "tweetText": "gm #DSI321", "scrapeTime": "2023-07-05T12:00:00", "postTimeRaw": "5m"},
	  {"username": "bot", "tweetText": "gm #DSI321", "scrapeTime": "2023-07-05T12:00:00", "postTimeRaw": "Jul 3"}
	]`
	require.NoError(t, os.WriteFile(path, []byte(export), 0o644))

	posts, err := (&JSONFile{Path: path}).Fetch(context.Background(), "dsi321")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "5m", posts[0].RawPostTime)
	assert.Equal(t, "Jul 3", posts[1].RawPostTime)
}

func TestJSONFileErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"tweetText": "x", "scrapeTime": "yesterday"}]`), 0o644))

	_, err := (&JSONFile{Path: bad}).Fetch(context.Background(), "t")
	assert.ErrorContains(t, err, "scrapeTime")

	_, err = (&JSONFile{Path: filepath.Join(dir, "missing.json")}).Fetch(context.Background(), "t")
	assert.Error(t, err)
}

func TestHTMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.html")
	require.NoError(t, os.WriteFile(path, []byte(page), 0o644))
	mod := time.Date(2023, time.July, 5, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, mod, mod))

	src, err := New(KindHTML, path, time.UTC)
	require.NoError(t, err)

	posts, err := src.Fetch(context.Background(), "dsi321")
	require.NoError(t, err)
	require.Len(t, posts, 3)

	assert.Equal(t, "@alice", posts[0].Author)
	assert.Equal(t, "exam room changed?", posts[0].Text)
	assert.Equal(t, "5m", posts[0].RawPostTime)
	assert.True(t, posts[0].CaptureTime.Equal(mod))

	assert.Equal(t, "bob", posts[1].Author)
	assert.Equal(t, "library closes early", posts[1].Text)
	assert.Equal(t, "Jul 4", posts[1].RawPostTime)

	assert.Equal(t, "exam room changed?", posts[2].Text)
	assert.Empty(t, posts[2].RawPostTime)
}

func TestHTMLURL(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, page)
	}))
	defer server.Close()

	now := time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)
	h := NewHTML(server.URL+"/search?q=%23{tag}&f=live", time.UTC)
	h.now = func() time.Time { return now }

	posts, err := h.Fetch(context.Background(), "ธรรมศาสตร์")
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, "#ธรรมศาสตร์", gotQuery)
	assert.Equal(t, now, posts[0].CaptureTime)
}

func TestHTMLURLStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := NewHTML(server.URL, time.UTC).Fetch(context.Background(), "t")
	assert.ErrorContains(t, err, "HTTP 403")
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New("csv", "x.csv", nil)
	assert.Error(t, err)
	_, err = New(KindJSON, "", nil)
	assert.Error(t, err)
}

func TestIsURL(t *testing.T) {
	assert.True(t, IsURL("https://x.com/search"))
	assert.True(t, IsURL(" http://a"))
	assert.False(t, IsURL("/tmp/page.html"))
}
