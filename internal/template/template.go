package template

import (
	"context"
	"time"
)

// DefaultCategory is assigned to templates saved without a category
const DefaultCategory = "General"

// DefaultCategories are always reported by Categories, even when unused
var DefaultCategories = []string{"General", "Business", "Personal"}

// Template represents a reusable message body with {variable} placeholders
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Variables returns the placeholder names used by the template content
func (t *Template) Variables() []string {
	return ExtractVariables(t.Content)
}

// ListFilter contains filters for listing templates
type ListFilter struct {
	Category string
	Search   string
	Limit    int
	Offset   int
}

// CategoryGroup is a category together with the templates filed under it
type CategoryGroup struct {
	Category  string      `json:"category"`
	Templates []*Template `json:"templates"`
}

// Stats contains template statistics
type Stats struct {
	Total int64 `json:"total"`
}

// Store defines template persistence operations
type Store interface {
	// Save creates the template or replaces the one with the same ID
	Save(ctx context.Context, tmpl *Template) (*Template, error)

	// Get returns apperr.ErrNotFound if the template does not exist
	Get(ctx context.Context, id string) (*Template, error)

	// List returns templates in insertion order
	List(ctx context.Context, filter ListFilter) ([]*Template, error)

	// Delete returns apperr.ErrNotFound if the template does not exist
	Delete(ctx context.Context, id string) error

	// Categories returns the deduplicated category set
	Categories(ctx context.Context) ([]string, error)

	Stats(ctx context.Context) (*Stats, error)
}

// GroupByCategory groups templates under the given category order.
// Categories with no templates are kept with an empty list.
func GroupByCategory(categories []string, templates []*Template) []CategoryGroup {
	groups := make([]CategoryGroup, 0, len(categories))
	index := make(map[string]int, len(categories))
	for _, c := range categories {
		if _, ok := index[c]; ok {
			continue
		}
		index[c] = len(groups)
		groups = append(groups, CategoryGroup{Category: c, Templates: []*Template{}})
	}

	for _, t := range templates {
		i, ok := index[t.Category]
		if !ok {
			i = len(groups)
			index[t.Category] = i
			groups = append(groups, CategoryGroup{Category: t.Category})
		}
		groups[i].Templates = append(groups[i].Templates, t)
	}

	return groups
}

// mergeCategories returns defaults followed by the other categories in
// first-seen order, without duplicates
func mergeCategories(seen []string) []string {
	out := make([]string, 0, len(DefaultCategories)+len(seen))
	set := make(map[string]bool)
	for _, c := range append(append([]string{}, DefaultCategories...), seen...) {
		if c == "" || set[c] {
			continue
		}
		set[c] = true
		out = append(out, c)
	}
	return out
}
