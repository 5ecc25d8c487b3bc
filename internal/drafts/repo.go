package drafts

import (
	"context"
	"time"
)

// UpsertMode selects which identity fields of an existing record an Upsert
// replaces.
type UpsertMode int

const (
	// UpsertKeep keeps the stored identity.
	UpsertKeep UpsertMode = iota
	// UpsertAdopt takes the DraftID of d.
	UpsertAdopt
	// UpsertFresh replaces the record as a new inspection: DraftID,
	// StartedAt and TemplateVersion come from d and AckVersion is cleared.
	UpsertFresh
)

// Repo persists drafts. Every write is a single keyed statement.
type Repo interface {
	// Upsert inserts d or overwrites the answers of the existing record. The
	// stored DraftID, StartedAt, TemplateVersion and AckVersion survive
	// unless mode replaces them or the stored value is empty. It returns the
	// record as stored.
	Upsert(ctx context.Context, d Draft, mode UpsertMode) (Draft, error)
	Get(ctx context.Context, templateID, subjectID string) (Draft, error)
	Delete(ctx context.Context, templateID, subjectID string) error
	// Pin commits a conflict resolution.
	Pin(ctx context.Context, templateID, subjectID string, payload []byte, templateVersion, ackVersion, updatedAt time.Time) error
}
