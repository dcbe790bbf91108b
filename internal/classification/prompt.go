package classification

import (
	"strings"

	"github.com/parcelworks/mailroom/pkg/config"
)

// Prompt renders the classification prompt from the typed configuration:
// a fixed category vocabulary and a template with placeholders, both
// validated at startup.
type Prompt struct {
	template   string
	categories string
	maxSnippet int
	vocabulary map[string]string
}

func NewPrompt(cfg config.ClassificationConfig) Prompt {
	vocab := make(map[string]string, len(cfg.Categories))
	trimmed := make([]string, 0, len(cfg.Categories))
	for _, cat := range cfg.Categories {
		c := strings.TrimSpace(cat)
		trimmed = append(trimmed, c)
		vocab[strings.ToLower(c)] = c
	}
	return Prompt{
		template:   cfg.Prompt,
		categories: strings.Join(trimmed, ", "),
		maxSnippet: cfg.MaxSnippet,
		vocabulary: vocab,
	}
}

// Render substitutes the vocabulary and the (truncated) document text
// into the template.
func (p Prompt) Render(text string) string {
	snippet := text
	if p.maxSnippet > 0 && len(snippet) > p.maxSnippet {
		snippet = snippet[:p.maxSnippet]
	}
	out := strings.ReplaceAll(p.template, config.PromptCategoriesToken, p.categories)
	return strings.ReplaceAll(out, config.PromptTextToken, snippet)
}

// Canonical maps a model-reported type onto the configured vocabulary,
// ignoring case and surrounding whitespace. ok is false for anything
// outside the vocabulary.
func (p Prompt) Canonical(category string) (string, bool) {
	c, ok := p.vocabulary[strings.ToLower(strings.TrimSpace(category))]
	return c, ok
}
