package template

import (
	"context"
	"strings"
)

// RenderResult contains rendered template output
type RenderResult struct {
	TemplateID string   `json:"template_id"`
	Text       string   `json:"text"`
	Variables  []string `json:"variables"`
	Missing    []string `json:"missing,omitempty"`
}

// Renderer fills stored templates with caller supplied values
type Renderer struct {
	store Store
}

// NewRenderer creates a renderer backed by the template store
func NewRenderer(store Store) *Renderer {
	return &Renderer{store: store}
}

// RenderByID loads the template and renders it.
// Unknown templates return apperr.ErrNotFound.
func (r *Renderer) RenderByID(ctx context.Context, id string, values map[string]string) (*RenderResult, error) {
	tmpl, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	vars := ExtractVariables(tmpl.Content)
	result := &RenderResult{
		TemplateID: tmpl.ID,
		Text:       Render(tmpl.Content, values),
		Variables:  vars,
	}
	for _, v := range vars {
		if _, ok := values[v]; !ok {
			result.Missing = append(result.Missing, v)
		}
	}

	return result, nil
}

// ExtractVariables returns the distinct placeholder names in content, in order
// of first occurrence. A placeholder is everything between a '{' and the next
// '}'. An unclosed '{' is plain text.
func ExtractVariables(content string) []string {
	vars := []string{}
	seen := make(map[string]bool)

	scan(content, func(text string) {}, func(name, raw string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		vars = append(vars, name)
	})

	return vars
}

// Render replaces every placeholder with its value. Placeholders without a
// value become empty strings. Text outside placeholders is copied unchanged.
func Render(content string, values map[string]string) string {
	var b strings.Builder
	b.Grow(len(content))

	scan(content, func(text string) {
		b.WriteString(text)
	}, func(name, raw string) {
		if name == "" {
			b.WriteString(raw)
			return
		}
		b.WriteString(values[name])
	})

	return b.String()
}

// scan walks content once, reporting literal text and placeholder spans
func scan(content string, onText func(text string), onVar func(name, raw string)) {
	for len(content) > 0 {
		open := strings.IndexByte(content, '{')
		if open < 0 {
			onText(content)
			return
		}

		end := strings.IndexByte(content[open+1:], '}')
		if end < 0 {
			onText(content)
			return
		}
		end += open + 1

		if open > 0 {
			onText(content[:open])
		}
		onVar(content[open+1:end], content[open:end+1])
		content = content[end+1:]
	}
}
