// Package docstore implements the backend Facade on top of a postgres JSONB documents table,
// with live subscriptions driven by a change bus.
package docstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/db"
	"github.com/example/helpdesk/backend/internal/logging"
)

// ChangeBus carries "collection changed" notifications between processes.
type ChangeBus interface {
	// Publish announces that a document in collection was written.
	Publish(ctx context.Context, collection string) error
	// Listen calls notify for every announcement on collection until ctx is done. The
	// returned channel yields an error if the transport breaks.
	Listen(ctx context.Context, collection string, notify func()) (<-chan error, error)
}

// Store is a backend.Facade backed by postgres.
type Store struct {
	db  *gorm.DB
	bus ChangeBus
	now func() time.Time
}

// New returns a Store. bus may be nil, in which case Subscribe always fails and callers
// fall back to one-shot queries.
func New(database *gorm.DB, bus ChangeBus) *Store {
	return &Store{db: database, bus: bus, now: time.Now}
}

var _ backend.Facade = (*Store)(nil)

// GetDocument loads one document.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (*backend.Document, error) {
	var row db.Document
	err := s.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if err != nil {
		return nil, classify(err, collection, id)
	}
	return &backend.Document{ID: row.ID, Fields: backend.Fields(row.Data)}, nil
}

// UpsertDocument writes a document, merging JSON bodies on conflict when opts.Merge is set.
func (s *Store) UpsertDocument(ctx context.Context, collection, id string, fields backend.Fields, opts backend.UpsertOptions) error {
	now := s.now().UTC()
	row := db.Document{Collection: collection, ID: id, Data: datatypes.JSONMap(encodeFields(fields)), CreatedAt: now, UpdatedAt: now}

	data := gorm.Expr("EXCLUDED.data")
	if opts.Merge {
		data = gorm.Expr("documents.data || EXCLUDED.data")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{"data": data, "updated_at": now}),
	}).Create(&row).Error
	if err != nil {
		return apperr.Unavailable(errors.WithStack(err))
	}
	s.publish(ctx, collection)
	return nil
}

// InsertDocument stores a document under a new uuid.
func (s *Store) InsertDocument(ctx context.Context, collection string, fields backend.Fields) (string, error) {
	now := s.now().UTC()
	row := db.Document{Collection: collection, ID: uuid.NewString(), Data: datatypes.JSONMap(encodeFields(fields)), CreatedAt: now, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", apperr.Unavailable(errors.WithStack(err))
	}
	s.publish(ctx, collection)
	return row.ID, nil
}

// UpdateDocument patches a document under a row lock, so concurrent ArrayUnion appends
// serialize instead of overwriting each other.
func (s *Store) UpdateDocument(ctx context.Context, collection, id string, fields backend.Fields) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row db.Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND id = ?", collection, id).
			Take(&row).Error
		if err != nil {
			return err
		}
		patched := applyUpdate(map[string]any(row.Data), fields)
		return tx.Model(&db.Document{}).
			Where("collection = ? AND id = ?", collection, id).
			Updates(map[string]any{"data": datatypes.JSONMap(patched), "updated_at": s.now().UTC()}).Error
	})
	if err != nil {
		return classify(err, collection, id)
	}
	s.publish(ctx, collection)
	return nil
}

// Query runs a one-shot filtered, ordered query.
func (s *Store) Query(ctx context.Context, collection string, q backend.Query) ([]backend.Document, error) {
	where, order, err := translate(q)
	if err != nil {
		return nil, apperr.Validation("invalid_query", err.Error())
	}
	tx := s.db.WithContext(ctx).Model(&db.Document{}).Where("collection = ?", collection)
	for _, w := range where {
		tx = tx.Where(w.SQL, w.Vars...)
	}
	for _, o := range order {
		tx = tx.Order(o)
	}
	var rows []db.Document
	if err := tx.Find(&rows).Error; err != nil {
		return nil, apperr.Unavailable(errors.WithStack(err))
	}
	docs := make([]backend.Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, backend.Document{ID: r.ID, Fields: backend.Fields(r.Data)})
	}
	return docs, nil
}

// Subscribe re-runs q after every change notification for collection.
func (s *Store) Subscribe(ctx context.Context, collection string, q backend.Query, onChange backend.ChangeFunc, onError backend.ErrorFunc) (backend.CancelFunc, error) {
	if s.bus == nil {
		return nil, apperr.Unavailable(errors.New("no change bus configured"))
	}
	if _, _, err := translate(q); err != nil {
		return nil, apperr.Validation("invalid_query", err.Error())
	}
	watchCtx, cancel := context.WithCancel(ctx)
	signal := backend.NewSignal()
	failed, err := s.bus.Listen(watchCtx, collection, signal.Notify)
	if err != nil {
		cancel()
		return nil, apperr.Unavailable(errors.Wrapf(err, "listen %s", collection))
	}

	fetch := func(ctx context.Context) ([]backend.Document, error) { return s.Query(ctx, collection, q) }
	go backend.Watch(watchCtx, fetch, signal.C(), failed, onChange, func(err error) {
		cancel()
		onError(apperr.Unavailable(err))
	})
	return backend.CancelFunc(cancel), nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.Unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperr.Unavailable(err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, collection string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, collection); err != nil {
		logging.Warn().Err(err).Str("collection", collection).Msg("publish change notification failed")
	}
}

func classify(err error, collection, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("document_not_found", collection+"/"+id+" not found")
	}
	return apperr.Unavailable(errors.WithStack(err))
}
