package templates

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Question is one field of an inspection template.
type Question struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Label      string         `json:"label,omitempty"`
	Required   bool           `json:"required,omitempty"`
	Critical   bool           `json:"critical,omitempty"`
	Options    []string       `json:"options,omitempty"`
	Validation map[string]any `json:"validation,omitempty"`
}

// Section groups questions in display order.
type Section struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Template is an inspection schema. A given (ID, UpdatedAt) pair never
// changes; edits produce a new UpdatedAt.
type Template struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	Title     string    `json:"title"`
	Sections  []Section `json:"sections"`
}

// ErrInvalid wraps template validation failures.
var ErrInvalid = errors.New("invalid template")

// Validate checks identity fields and question id uniqueness.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: %s has no updatedAt", ErrInvalid, t.ID)
	}
	seen := make(map[string]struct{})
	for _, s := range t.Sections {
		for _, q := range s.Questions {
			if strings.TrimSpace(q.ID) == "" {
				return fmt.Errorf("%w: %s section %q has a question without id", ErrInvalid, t.ID, s.ID)
			}
			if _, dup := seen[q.ID]; dup {
				return fmt.Errorf("%w: %s duplicate question id %q", ErrInvalid, t.ID, q.ID)
			}
			seen[q.ID] = struct{}{}
		}
	}
	return nil
}

// Questions returns every question in display order.
func (t Template) Questions() []Question {
	var out []Question
	for _, s := range t.Sections {
		out = append(out, s.Questions...)
	}
	return out
}

// QuestionIndex maps question id to question.
func (t Template) QuestionIndex() map[string]Question {
	idx := make(map[string]Question)
	for _, s := range t.Sections {
		for _, q := range s.Questions {
			idx[q.ID] = q
		}
	}
	return idx
}
