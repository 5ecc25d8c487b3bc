package conflicts

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/drafts"
	"inspection-sync/internal/templates"
)

// State of a conflict session.
type State string

const (
	StateNone     State = "no-conflict"
	StateDetected State = "conflict-detected"
)

// Strategy is an operator-selected resolution.
type Strategy string

const (
	// KeepAnswers keeps the answers as they are and submits against the
	// version the inspection started on.
	KeepAnswers Strategy = "keep-answers"
	// UseNewTemplate adopts the new version and drops answers whose question
	// was removed or changed.
	UseNewTemplate Strategy = "use-new-template"
	// SmartMerge adopts the new version and keeps every answer whose
	// question id exists in both versions.
	SmartMerge Strategy = "smart-merge"
)

var (
	ErrNoConflict      = errors.New("no template conflict to resolve")
	ErrAlreadyResolved = errors.New("template conflict already resolved")
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// ParseStrategy validates a strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(raw); s {
	case KeepAnswers, UseNewTemplate, SmartMerge:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
}

// Inspection is the part of a draft the detector looks at.
type Inspection struct {
	Status          drafts.Status
	StartedAt       time.Time
	TemplateVersion time.Time
	AckVersion      time.Time
}

// FromDraft extracts the detector's view of d.
func FromDraft(d drafts.Draft) Inspection {
	return Inspection{
		Status:          d.Status,
		StartedAt:       d.StartedAt,
		TemplateVersion: d.TemplateVersion,
		AckVersion:      d.AckVersion,
	}
}

// Mutable reports whether an inspection in status can still change.
func Mutable(status drafts.Status) bool {
	return status == drafts.StatusDraft || status == drafts.StatusInProgress
}

// Conflicts reports whether current was updated after insp started and the
// change has not been acknowledged by an earlier resolution.
func Conflicts(insp Inspection, current templates.Template) bool {
	if insp.StartedAt.IsZero() || !Mutable(insp.Status) {
		return false
	}
	if !current.UpdatedAt.After(insp.StartedAt) {
		return false
	}
	return current.UpdatedAt.After(insp.AckVersion)
}

// Record is the ephemeral description of one conflict.
type Record struct {
	Old      templates.Template `json:"old"`
	New      templates.Template `json:"new"`
	Answers  answers.Map        `json:"-"`
	OldKnown bool               `json:"oldKnown"`
}

// Added lists question ids only present in the new version.
func (r Record) Added() []string {
	return difference(r.New, r.Old)
}

// Removed lists question ids only present in the old version.
func (r Record) Removed() []string {
	if !r.OldKnown {
		return nil
	}
	return difference(r.Old, r.New)
}

// Changed lists question ids present in both versions whose definition
// differs.
func (r Record) Changed() []string {
	if !r.OldKnown {
		return nil
	}
	oldIdx := r.Old.QuestionIndex()
	var out []string
	for id, q := range r.New.QuestionIndex() {
		if prev, ok := oldIdx[id]; ok && !sameShape(prev, q) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func difference(a, b templates.Template) []string {
	idx := b.QuestionIndex()
	var out []string
	for _, q := range a.Questions() {
		if _, ok := idx[q.ID]; !ok {
			out = append(out, q.ID)
		}
	}
	return out
}

func sameShape(a, b templates.Question) bool {
	return a.Type == b.Type && reflect.DeepEqual(a.Options, b.Options)
}

// Resolution is the committed outcome of a session.
type Resolution struct {
	Strategy Strategy    `json:"strategy"`
	Answers  answers.Map `json:"-"`
	// TemplateVersion is the version the answers now belong to.
	TemplateVersion time.Time `json:"templateVersion"`
	// AckVersion is the current version the operator acknowledged.
	AckVersion time.Time `json:"ackVersion"`
	Kept       []string  `json:"kept"`
	Dropped    []string  `json:"dropped"`
}

// Session tracks one detection and its resolution. Resolving is terminal.
type Session struct {
	mu         sync.Mutex
	state      State
	record     *Record
	resolution *Resolution
	startedOn  time.Time
}

// Detect compares the template insp started on with current. old is the
// cached version insp started on; pass a zero Template when it is not
// available locally.
func Detect(insp Inspection, current, old templates.Template, m answers.Map) *Session {
	if !Conflicts(insp, current) {
		return &Session{state: StateNone}
	}
	return &Session{
		state:     StateDetected,
		startedOn: insp.TemplateVersion,
		record: &Record{
			Old:      old,
			New:      current,
			Answers:  answers.Clone(m),
			OldKnown: old.ID != "",
		},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns the conflict, or false when there is none pending.
func (s *Session) Record() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDetected || s.record == nil {
		return Record{}, false
	}
	return *s.record, true
}

// Resolution returns the committed resolution, if any.
func (s *Session) Resolution() (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolution == nil {
		return Resolution{}, false
	}
	return *s.resolution, true
}

// Resolve applies strategy and moves the session to no-conflict.
func (s *Session) Resolve(strategy Strategy) (Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolution != nil {
		return Resolution{}, ErrAlreadyResolved
	}
	if s.state != StateDetected {
		return Resolution{}, ErrNoConflict
	}

	rec := *s.record
	newIdx := rec.New.QuestionIndex()
	oldIdx := rec.Old.QuestionIndex()
	res := Resolution{Strategy: strategy, AckVersion: rec.New.UpdatedAt}
	switch strategy {
	case KeepAnswers:
		res.Answers = answers.Clone(rec.Answers)
		res.TemplateVersion = s.startedOn
		if rec.OldKnown {
			res.TemplateVersion = rec.Old.UpdatedAt
		}
	case UseNewTemplate:
		res.Answers = retainWhere(rec.Answers, func(id string) bool {
			q, ok := newIdx[id]
			if !ok {
				return false
			}
			if !rec.OldKnown {
				return true
			}
			prev, ok := oldIdx[id]
			return ok && sameShape(prev, q)
		})
		res.TemplateVersion = rec.New.UpdatedAt
	case SmartMerge:
		res.Answers = retainWhere(rec.Answers, func(id string) bool {
			if _, ok := newIdx[id]; !ok {
				return false
			}
			if !rec.OldKnown {
				return true
			}
			_, ok := oldIdx[id]
			return ok
		})
		res.TemplateVersion = rec.New.UpdatedAt
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	for _, id := range sortedIDs(rec.Answers) {
		if _, ok := res.Answers[id]; ok {
			res.Kept = append(res.Kept, id)
		} else {
			res.Dropped = append(res.Dropped, id)
		}
	}
	s.resolution = &res
	s.state = StateNone
	s.record = nil
	return res, nil
}

func retainWhere(m answers.Map, keep func(id string) bool) answers.Map {
	var ids []string
	for id := range m {
		if keep(id) {
			ids = append(ids, id)
		}
	}
	return answers.Retain(m, ids)
}

func sortedIDs(m answers.Map) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
