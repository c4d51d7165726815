package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/intelliwatt/efl-cli/internal/model"
)

var (
	// ErrNotFound is returned by Get lookups when no row matches.
	ErrNotFound = eris.New("store: not found")

	// ErrPersistenceConflict is returned when an insert loses a race on a
	// unique identity key. Callers retry the write as an update.
	ErrPersistenceConflict = eris.New("store: persistence conflict")

	// ErrKindRequired is returned when a queue update does not name a kind.
	ErrKindRequired = eris.New("store: queue match requires a kind")
)

// IsConflict reports whether err is a lost identity-key race.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPersistenceConflict)
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// TemplateStore persists rate plan templates and offer mappings. Find
// lookups return (nil, nil) when nothing matches.
type TemplateStore interface {
	// CreateTemplate inserts t and assigns t.ID. A duplicate eflPdfSha256
	// yields ErrPersistenceConflict.
	CreateTemplate(ctx context.Context, t *model.RatePlanTemplate) error
	// UpdateTemplate overwrites the row with t.ID.
	UpdateTemplate(ctx context.Context, t *model.RatePlanTemplate) error
	GetTemplate(ctx context.Context, id string) (*model.RatePlanTemplate, error)
	FindTemplateBySHA(ctx context.Context, sha string) (*model.RatePlanTemplate, error)
	FindTemplateByCertVersion(ctx context.Context, cert, version string) (*model.RatePlanTemplate, error)
	FindTemplateByURL(ctx context.Context, url string) (*model.RatePlanTemplate, error)
	// InvalidateTemplate clears the rate structure, flags manual review and
	// appends issue. The row is kept.
	InvalidateTemplate(ctx context.Context, id string, issue model.ValidationIssue) error

	LinkOffer(ctx context.Context, link model.OfferLink) error
	GetOfferLink(ctx context.Context, offerID string) (*model.OfferLink, error)
	ImportOfferRecords(ctx context.Context, records []model.OfferRecord) (int64, error)
	GetOfferRecord(ctx context.Context, offerID string) (*model.OfferRecord, error)
}

// IdentityKeys are the keys a queue item may be matched on. URL is
// deliberately absent: a URL is a fetch hint, not an identity.
type IdentityKeys struct {
	SHA     string
	OfferID string
	Cert    string
	Version string
}

// Empty reports whether no usable key is set. Cert and version only count
// as a pair.
func (k IdentityKeys) Empty() bool {
	return k.SHA == "" && k.OfferID == "" && (k.Cert == "" || k.Version == "")
}

// QueueMatch selects queue items for UpdateQueueItems. Kind is required.
// When both IDs and Identity are set an item must satisfy both; the
// identity keys themselves are OR-ed.
type QueueMatch struct {
	Kind     model.QueueKind
	IDs      []string
	Identity *IdentityKeys
	OpenOnly bool
}

// QueuePatch is applied to every matched item. Nil fields are left alone.
// Setting ResolvedAt implies OpenOnly: a resolved item is never rewritten.
type QueuePatch struct {
	ResolvedAt        *time.Time
	ResolvedBy        *string
	ResolutionNotes   *string
	QueueReason       *model.Reason
	Detail            *string
	IncrementAttempts bool
	LastAttemptAt     *time.Time
}

// QueueFilter pages through queue items in ascending id order.
type QueueFilter struct {
	Kind     model.QueueKind `json:"kind,omitempty"`
	OpenOnly bool            `json:"openOnly,omitempty"`
	AfterID  string          `json:"afterId,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// QueueStore persists review queue items.
type QueueStore interface {
	// UpsertQueueItem inserts item or, when an OPEN item with the same
	// dedupe key exists, refreshes that item. Resolved items are never
	// reopened. The stored row is returned.
	UpsertQueueItem(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error)
	UpdateQueueItems(ctx context.Context, match QueueMatch, patch QueuePatch) (int, error)
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]model.ReviewQueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*model.ReviewQueueItem, error)
}

// Store is the full persistence surface.
type Store interface {
	TemplateStore
	QueueStore

	Migrate(ctx context.Context) error
	Close() error
}

// NewID returns a time-ordered id. Queue ids double as the drain cursor.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
