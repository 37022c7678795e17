// Package fingerprint hashes post content for the processed ledger
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pbaille/taglisten/internal/domain"
)

// Of returns the hex sha256 of text followed by every extra part
func Of(text string, extra ...string) string {
	h := sha256.New()
	h.Write([]byte(text))
	for _, e := range extra {
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Post fingerprints a post by its text and post time, so identical text
// posted on different days stays distinct
func Post(p domain.NormalizedPost) string {
	if p.PostTime.IsZero() {
		return Of(p.Text)
	}
	return Of(p.Text, p.PostTime.UTC().Format(time.RFC3339))
}
