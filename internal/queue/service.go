// Package queue manages the human review queue: intake, resolution, the
// self-healing sweeps and the time-budgeted drain loop.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/store"
)

// ErrAlreadyResolved is returned when an admin resolves a RESOLVED item.
var ErrAlreadyResolved = eris.New("queue: item already resolved")

// listPageSize bounds each ListQueueItems call made by the sweeps.
const listPageSize = 200

// Service is the queue state machine. Items move OPEN -> RESOLVED only.
type Service struct {
	store store.QueueStore
	now   func() time.Time
}

// NewService creates a Service over a queue store.
func NewService(qs store.QueueStore) *Service {
	return &Service{store: qs, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue upserts an OPEN item by its dedupe key. An OPEN item with the
// same key is refreshed instead of duplicated.
func (s *Service) Enqueue(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error) {
	if item.Kind == "" {
		item.Kind = model.QueueKindEFLParse
	}
	if !item.Kind.Valid() {
		return nil, eris.Errorf("queue: unknown kind %q", item.Kind)
	}
	if item.QueueReason == "" {
		return nil, eris.New("queue: queue reason is required")
	}
	item.DedupeKey = model.DedupeKeyFor(item.Kind, item.EFLPdfSHA256, item.RepPUCTCert, item.EFLVersionCode, item.OfferID, item.EFLURL)

	stored, err := s.store.UpsertQueueItem(ctx, item)
	if err != nil {
		return nil, eris.Wrap(err, "queue: enqueue")
	}
	zap.L().Debug("queue: item enqueued",
		zap.String("queue_item", stored.ID),
		zap.String("kind", string(stored.Kind)),
		zap.String("reason", string(stored.QueueReason)),
		zap.String("dedupe_key", stored.DedupeKey),
	)
	return stored, nil
}

// Quarantine records a rate structure the downstream cost calculator could
// not handle. These items are sticky: only an admin resolves them.
func (s *Service) Quarantine(ctx context.Context, item *model.ReviewQueueItem) (*model.ReviewQueueItem, error) {
	item.Kind = model.QueueKindPlanCalcQuarantine
	if item.QueueReason == "" {
		item.QueueReason = model.ReasonPlanCalcUnsupported
	}
	return s.Enqueue(ctx, item)
}

// Resolve is the admin transition. It works on either kind.
func (s *Service) Resolve(ctx context.Context, id, notes string) (*model.ReviewQueueItem, error) {
	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: load item %s", id)
	}
	if !item.IsOpen() {
		return item, ErrAlreadyResolved
	}

	n, err := s.resolve(ctx, item.Kind, []string{id}, model.ResolvedByAdmin, notes)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost to a concurrent resolution.
		return item, ErrAlreadyResolved
	}
	return s.store.GetQueueItem(ctx, id)
}

// AutoResolve resolves OPEN EFL_PARSE items matching any of keys because
// template ratePlanID now serves them. URLs are never matched.
func (s *Service) AutoResolve(ctx context.Context, keys store.IdentityKeys, ratePlanID string) (int, error) {
	if keys.Empty() {
		return 0, nil
	}
	now := s.now()
	by := model.ResolvedByAutoTemplateMatch
	notes := "matched template " + ratePlanID
	n, err := s.store.UpdateQueueItems(ctx,
		store.QueueMatch{Kind: model.QueueKindEFLParse, Identity: &keys, OpenOnly: true},
		store.QueuePatch{ResolvedAt: &now, ResolvedBy: &by, ResolutionNotes: &notes},
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: auto resolve")
	}
	if n > 0 {
		zap.L().Info("queue: auto-resolved by template match",
			zap.Int("resolved", n),
			zap.String("rate_plan_id", ratePlanID),
			zap.String("sha256", keys.SHA),
			zap.String("offer_id", keys.OfferID),
		)
	}
	return n, nil
}

// AutoDedupe keeps only the newest OPEN EFL_PARSE item per offer id and
// resolves the rest.
func (s *Service) AutoDedupe(ctx context.Context) (int, error) {
	byOffer := map[string][]model.ReviewQueueItem{}
	err := s.eachOpen(ctx, func(item model.ReviewQueueItem) error {
		if item.OfferID != "" {
			byOffer[item.OfferID] = append(byOffer[item.OfferID], item)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, items := range byOffer {
		if len(items) < 2 {
			continue
		}
		sort.Slice(items, func(i, j int) bool { return newer(items[i], items[j]) })
		for _, it := range items[1:] {
			stale = append(stale, it.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	sort.Strings(stale)

	n, err := s.resolve(ctx, model.QueueKindEFLParse, stale, model.ResolvedByAutoDedupeOfferID, "superseded by a newer item for the same offer")
	if err != nil {
		return 0, err
	}
	zap.L().Info("queue: auto-deduped by offer id", zap.Int("resolved", n))
	return n, nil
}

// newer orders items newest first. Ids are time ordered and break ties.
func newer(a, b model.ReviewQueueItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// List pages through items.
func (s *Service) List(ctx context.Context, filter store.QueueFilter) ([]model.ReviewQueueItem, error) {
	items, err := s.store.ListQueueItems(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list")
	}
	return items, nil
}

// Get loads one item.
func (s *Service) Get(ctx context.Context, id string) (*model.ReviewQueueItem, error) {
	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: get %s", id)
	}
	return item, nil
}

// RecordAttempt bumps the attempt counter of an OPEN item.
func (s *Service) RecordAttempt(ctx context.Context, item *model.ReviewQueueItem) error {
	now := s.now()
	_, err := s.store.UpdateQueueItems(ctx,
		store.QueueMatch{Kind: item.Kind, IDs: []string{item.ID}, OpenOnly: true},
		store.QueuePatch{IncrementAttempts: true, LastAttemptAt: &now},
	)
	return eris.Wrapf(err, "queue: record attempt %s", item.ID)
}

// Annotate rewrites the reason and detail of an OPEN item.
func (s *Service) Annotate(ctx context.Context, item *model.ReviewQueueItem, reason model.Reason, detail string) error {
	_, err := s.store.UpdateQueueItems(ctx,
		store.QueueMatch{Kind: item.Kind, IDs: []string{item.ID}, OpenOnly: true},
		store.QueuePatch{QueueReason: &reason, Detail: &detail},
	)
	return eris.Wrapf(err, "queue: annotate %s", item.ID)
}

func (s *Service) resolve(ctx context.Context, kind model.QueueKind, ids []string, by, notes string) (int, error) {
	now := s.now()
	n, err := s.store.UpdateQueueItems(ctx,
		store.QueueMatch{Kind: kind, IDs: ids, OpenOnly: true},
		store.QueuePatch{ResolvedAt: &now, ResolvedBy: &by, ResolutionNotes: &notes},
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: resolve")
	}
	return n, nil
}

// eachOpen visits every OPEN EFL_PARSE item in id order.
func (s *Service) eachOpen(ctx context.Context, fn func(model.ReviewQueueItem) error) error {
	cursor := ""
	for {
		page, err := s.List(ctx, store.QueueFilter{
			Kind:     model.QueueKindEFLParse,
			OpenOnly: true,
			AfterID:  cursor,
			Limit:    listPageSize,
		})
		if err != nil {
			return err
		}
		for _, item := range page {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(page) < listPageSize {
			return nil
		}
		cursor = page[len(page)-1].ID
	}
}
