package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	perr "github.com/pbaille/taglisten/internal/errors"
	"github.com/tailscale/hujson"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Labels is a label list that also accepts a bare string or null
type Labels []string

// UnmarshalJSON implements json.Unmarshaler
func (l *Labels) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*l = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = cleanLabels([]string{s})
		return nil
	}
	var ss []string
	if err := json.Unmarshal(b, &ss); err != nil {
		return err
	}
	*l = cleanLabels(ss)
	return nil
}

func cleanLabels(in []string) Labels {
	out := make(Labels, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Item is one classified post as returned by the model
type Item struct {
	Index     int    `json:"index" validate:"gte=1"`
	Text      string `json:"text"`
	Topics    Labels `json:"topic"`
	Subtopics Labels `json:"subtopic"`
}

// UnmarshalJSON accepts the index as a number or a numeric string
func (it *Item) UnmarshalJSON(b []byte) error {
	var aux struct {
		Index     json.RawMessage `json:"index"`
		Text      string          `json:"text"`
		Topics    Labels          `json:"topic"`
		Subtopics Labels          `json:"subtopic"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	idx, err := parseIndex(aux.Index)
	if err != nil {
		return err
	}
	*it = Item{Index: idx, Text: aux.Text, Topics: aux.Topics, Subtopics: aux.Subtopics}
	return nil
}

func parseIndex(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return toIndex(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return toIndex(strings.TrimSpace(s))
}

// toIndex accepts integers and integral floats such as 3.0 or 2e0
func toIndex(s string) (int, error) {
	if i, err := strconv.Atoi(s); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("index %q is not a number", s)
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("index %q is not a whole number", s)
	}
	return int(f), nil
}

// Response holds the items of each category the model answered for
type Response struct {
	Categories map[string][]Item
}

// Items returns the items of category, nil when the model sent none
func (r *Response) Items(category string) []Item {
	if r == nil {
		return nil
	}
	return r.Categories[category]
}

// Len returns the number of items across categories
func (r *Response) Len() int {
	n := 0
	for _, items := range r.Categories {
		n += len(items)
	}
	return n
}

// ParseResponse extracts the JSON object from a raw model answer and
// decodes the lists of the given categories. The text between the first
// '{' and the last '}' is parsed as is, and when that fails it is
// repaired: raw control characters inside strings are escaped, trailing
// commas and comments are dropped, and doubled braces are collapsed.
// Duplicate keys keep the last value. Failures are ClassificationParse errors.
func ParseResponse(raw string, categories []string) (*Response, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, perr.ClassificationParsef("no JSON object in response: %s", preview(raw))
	}
	body := raw[start : end+1]

	var top map[string]json.RawMessage
	var lastErr error
	for _, candidate := range candidates(body) {
		top = nil
		if lastErr = json.Unmarshal(candidate, &top); lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, perr.Wrapf(lastErr, perr.ErrorCodeClassificationParse, "decode response %s", preview(body))
	}

	resp := &Response{Categories: make(map[string][]Item, len(categories))}
	found := false
	for _, cat := range categories {
		rawItems, ok := top[cat]
		if !ok {
			continue
		}
		found = true
		var items []Item
		if err := json.Unmarshal(rawItems, &items); err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeClassificationParse, "decode %q list", cat)
		}
		for i := range items {
			if err := validate.Struct(items[i]); err != nil {
				return nil, perr.Wrapf(err, perr.ErrorCodeClassificationParse, "%q item %d", cat, i)
			}
		}
		resp.Categories[cat] = items
	}
	if !found {
		return nil, perr.ClassificationParsef("response has none of the categories %v", categories)
	}
	return resp, nil
}

// candidates yields body and increasingly aggressive repairs of it
func candidates(body string) [][]byte {
	out := [][]byte{[]byte(body)}

	escaped := escapeControlChars(body)
	if std, err := hujson.Standardize([]byte(escaped)); err == nil {
		out = append(out, std)
	}

	undoubled := strings.ReplaceAll(strings.ReplaceAll(body, "{{", "{"), "}}", "}")
	undoubled = escapeControlChars(undoubled)
	if std, err := hujson.Standardize([]byte(undoubled)); err == nil {
		out = append(out, std)
	} else {
		out = append(out, []byte(undoubled))
	}
	return out
}

// escapeControlChars escapes raw control characters that appear inside
// JSON string literals
func escapeControlChars(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '\n':
				sb.WriteString(`\n`)
				continue
			case c == '\r':
				sb.WriteString(`\r`)
				continue
			case c == '\t':
				sb.WriteString(`\t`)
				continue
			case c < 0x20:
				sb.WriteString(`\u00`)
				sb.WriteByte("0123456789abcdef"[c>>4])
				sb.WriteByte("0123456789abcdef"[c&0xf])
				continue
			}
		} else if c == '"' {
			inString = true
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

func preview(s string) string {
	const max = 200
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
