// Package docbuild turns a story and its discussion tree into
// token-bounded document parts for embedding.
package docbuild

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	// DefaultTokenBudget bounds one document part.
	DefaultTokenBudget = 8000
)

type Story struct {
	ID    int64
	Title string
	Text  string
}

// Comment is one discussion node. Order is the position within the
// parent's kids array; Parent is the story id for top-level comments.
type Comment struct {
	ID     int64
	Parent int64
	Order  int64
	Text   string
}

// Estimator approximates the token count of a string.
type Estimator func(string) int

// EstimateTokens is the default estimator: one token per four runes,
// rounded up. The model tokenizer averages close to this on English
// forum text, and the budget only needs to bound request size.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	return (n + 3) / 4
}

type Options struct {
	TokenBudget int
	Estimate    Estimator
}

type Builder struct {
	budget   int
	estimate Estimator
	sanitize *bluemonday.Policy
}

func New(opts Options) *Builder {
	budget := opts.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	est := opts.Estimate
	if est == nil {
		est = EstimateTokens
	}
	return &Builder{
		budget:   budget,
		estimate: est,
		sanitize: bluemonday.StrictPolicy(),
	}
}

// Clean strips markup from user HTML: tags removed (with a space kept
// where the tag stood, so "a<p>b" stays two words), entities unescaped,
// CRLF normalized.
func (b *Builder) Clean(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "<", " <")
	s = b.sanitize.Sanitize(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return html.UnescapeString(s)
}

// Header renders the document preamble. ok is false when the story has
// neither title nor text, in which case no parts are built.
func (b *Builder) Header(st Story) (header string, ok bool) {
	if st.Title == "" && st.Text == "" {
		return "", false
	}
	var sb strings.Builder
	sb.WriteString("Topic: ")
	sb.WriteString(b.Clean(st.Title))
	sb.WriteString("\n")
	if st.Text != "" {
		sb.WriteString(b.Clean(st.Text))
		sb.WriteString("\n")
	}
	sb.WriteString("Discussion:\n")
	return sb.String(), true
}

type line struct {
	level int
	text  string
}

func formatLine(l line) string {
	return strings.Repeat("\t", l.level) + l.text + "\n"
}

// Build packs the discussion into document parts. Each top-level
// comment's subtree is walked breadth first and kept together when it
// fits the budget; a subtree that must span parts re-emits its header
// and top-level comment, with continuation lines rebased to one level
// deep. Single lines over budget are skipped. Comments with empty text
// or carrying the [dead] / [flagged] markers never appear.
func (b *Builder) Build(st Story, comments []Comment) []string {
	header, ok := b.Header(st)
	if !ok {
		return nil
	}

	byParent := make(map[int64][]Comment)
	for _, c := range comments {
		if c.Text == "" {
			continue
		}
		if strings.Contains(c.Text, "[dead]") || strings.Contains(c.Text, "[flagged]") {
			continue
		}
		byParent[c.Parent] = append(byParent[c.Parent], c)
	}
	for p := range byParent {
		kids := byParent[p]
		for i := 1; i < len(kids); i++ {
			for j := i; j > 0 && kids[j].Order < kids[j-1].Order; j-- {
				kids[j], kids[j-1] = kids[j-1], kids[j]
			}
		}
	}

	bfsGroup := func(top Comment) []line {
		var group []line
		queue := []struct {
			level int
			c     Comment
		}{{0, top}}
		for len(queue) > 0 {
			head := queue[0]
			queue = queue[1:]
			group = append(group, line{head.level, b.Clean(head.c.Text)})
			for _, child := range byParent[head.c.ID] {
				queue = append(queue, struct {
					level int
					c     Comment
				}{head.level + 1, child})
			}
		}
		return group
	}

	var parts []string
	current := header

	for _, top := range byParent[st.ID] {
		group := bfsGroup(top)

		var groupText strings.Builder
		for _, l := range group {
			groupText.WriteString(formatLine(l))
		}
		if b.estimate(current+groupText.String()) <= b.budget {
			current += groupText.String()
			continue
		}

		// Too big as a whole; add line by line, splitting across parts.
		for i := 0; i < len(group); {
			text := formatLine(group[i])
			if b.estimate(current+text) > b.budget {
				if current != header {
					parts = append(parts, current)
				}
				current = header
				// A new part must open with a top-level line. Re-emit
				// the group's top-level comment and rebase this line.
				if group[i].level != 0 {
					topLine := formatLine(line{0, group[0].text})
					if b.estimate(current+topLine) <= b.budget {
						current += topLine
					}
					text = formatLine(line{1, group[i].text})
				}
				if b.estimate(current+text) > b.budget {
					// Oversized single comment; drop it.
					i++
					continue
				}
			}
			current += text
			i++
		}
	}

	parts = append(parts, current)
	return parts
}
