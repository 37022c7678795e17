package classifier

import (
	"fmt"
	"strings"

	"github.com/pbaille/taglisten/internal/taxonomy"
)

const systemInstruction = `You help a university's public relations team group social media posts.
Each post is either a question people ask (category "faq") or a problem they report (category "issue").
Only keep posts the university can answer or fix; skip chit-chat and unrelated posts.

For every kept post give:
- "topic": one or more short topic labels
- "subtopic": one or more more specific labels

Reuse an existing label whenever it fits. Create a new one only when none fits.
Answer with JSON only.`

// BuildPrompt renders the user prompt for req: the known labels per
// category and namespace, the expected answer shape, then the numbered posts
func BuildPrompt(req Request) string {
	var sb strings.Builder

	for _, cat := range req.Categories {
		for _, ns := range taxonomy.Namespaces {
			labels := req.Taxonomy[cat][ns]
			fmt.Fprintf(&sb, "Existing %s labels for %q (prefer reusing these):\n", ns, cat)
			if len(labels) == 0 {
				sb.WriteString("(none yet)\n")
			}
			for _, l := range labels {
				sb.WriteString("- ")
				sb.WriteString(l)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("Return a JSON object with one list per category:\n{\n")
	for i, cat := range req.Categories {
		fmt.Fprintf(&sb, `  %q: [{"index": 1, "text": "post text", "topic": ["label"], "subtopic": ["label"]}]`, cat)
		if i < len(req.Categories)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\nUse the post number as \"index\". Use an empty list for a category with no posts.\n\n")

	sb.WriteString("Posts:\n")
	for _, p := range req.Posts {
		fmt.Fprintf(&sb, "%d: %s\n", p.Index, strings.ReplaceAll(p.Text, "\n", " "))
	}

	return sb.String()
}
