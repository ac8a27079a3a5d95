package template

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/sendlater/internal/apperr"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateOrder = []byte("template_order")
	bucketTemplateMeta  = []byte("template_meta")

	keySeeded = []byte("seeded")
)

// record is the persisted form; Seq keeps insertion order across restarts
type record struct {
	*Template
	Seq uint64 `json:"seq"`
}

// Storage provides template storage operations on BoltDB
type Storage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStorage creates a new template storage
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTemplates, bucketTemplateOrder, bucketTemplateMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// Save creates or replaces a template keyed by ID
func (s *Storage) Save(ctx context.Context, tmpl *Template) (*Template, error) {
	saved, err := prepare(tmpl)
	if err != nil {
		return nil, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		order := tx.Bucket(bucketTemplateOrder)

		now := s.now().UTC()
		rec := record{Template: saved}

		if existing := templates.Get([]byte(saved.ID)); existing != nil {
			var old record
			if err := json.Unmarshal(existing, &old); err != nil {
				return fmt.Errorf("failed to unmarshal template: %w", err)
			}
			rec.Seq = old.Seq
			saved.CreatedAt = old.CreatedAt
		} else {
			seq, err := order.NextSequence()
			if err != nil {
				return err
			}
			rec.Seq = seq
			saved.CreatedAt = now
			if err := order.Put(seqKey(seq), []byte(saved.ID)); err != nil {
				return fmt.Errorf("failed to add to order index: %w", err)
			}
		}
		saved.UpdatedAt = now

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return templates.Put([]byte(saved.ID), data)
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

// Get retrieves a template by ID
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return apperr.NotFound("template", id)
		}

		rec := record{Template: &Template{}}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal template: %w", err)
		}
		tmpl = rec.Template
		return nil
	})

	return tmpl, err
}

// List returns templates in insertion order with optional filtering
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	templates := []*Template{}

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)
		c := tx.Bucket(bucketTemplateOrder).Cursor()

		skipped := 0
		count := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := bucket.Get(v)
			if data == nil {
				continue
			}

			rec := record{Template: &Template{}}
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}

			if !filter.matches(rec.Template) {
				continue
			}

			// Apply offset
			if skipped < filter.Offset {
				skipped++
				continue
			}

			templates = append(templates, rec.Template)
			count++

			// Apply limit
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return templates, err
}

// Delete removes a template by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)

		data := templates.Get([]byte(id))
		if data == nil {
			return apperr.NotFound("template", id)
		}

		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal template: %w", err)
		}

		if err := tx.Bucket(bucketTemplateOrder).Delete(seqKey(rec.Seq)); err != nil {
			return err
		}
		return templates.Delete([]byte(id))
	})
}

// Categories returns the default categories plus every category in use
func (s *Storage) Categories(ctx context.Context) ([]string, error) {
	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	seen := make([]string, 0, len(all))
	for _, t := range all {
		seen = append(seen, t.Category)
	}
	return mergeCategories(seen), nil
}

// Stats returns template statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Total = int64(tx.Bucket(bucketTemplates).Stats().KeyN)
		return nil
	})

	return stats, err
}

// SeedDefaults installs the built-in templates the first time the store is
// opened. It returns the number of templates written.
func (s *Storage) SeedDefaults(ctx context.Context) (int, error) {
	var seeded bool
	var empty bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seeded = tx.Bucket(bucketTemplateMeta).Get(keySeeded) != nil
		empty = tx.Bucket(bucketTemplates).Stats().KeyN == 0
		return nil
	})
	if err != nil || seeded {
		return 0, err
	}

	count := 0
	if empty {
		for _, d := range Defaults() {
			if _, err := s.Save(ctx, d); err != nil {
				return count, fmt.Errorf("failed to seed template %s: %w", d.ID, err)
			}
			count++
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplateMeta).Put(keySeeded, []byte(s.now().UTC().Format(time.RFC3339)))
	})
	return count, err
}

// prepare validates the input and returns a normalized copy
func prepare(tmpl *Template) (*Template, error) {
	if tmpl == nil {
		return nil, apperr.Validation("template is required")
	}

	t := *tmpl
	t.Name = strings.TrimSpace(t.Name)
	t.Category = strings.TrimSpace(t.Category)
	t.ID = strings.TrimSpace(t.ID)

	if t.Name == "" {
		return nil, apperr.Validation("template name is required")
	}
	if strings.TrimSpace(t.Content) == "" {
		return nil, apperr.Validation("template content is required")
	}
	if t.Category == "" {
		t.Category = DefaultCategory
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	return &t, nil
}

func (f ListFilter) matches(t *Template) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, t.Category) {
		return false
	}
	if f.Search != "" {
		search := strings.ToLower(f.Search)
		name := strings.ToLower(t.Name)
		content := strings.ToLower(t.Content)
		if !strings.Contains(name, search) && !strings.Contains(content, search) {
			return false
		}
	}
	return true
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
