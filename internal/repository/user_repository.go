package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/models"
)

// UserRepository reads and edits user/role records.
type UserRepository struct {
	store backend.Facade
	now   func() time.Time
	log   zerolog.Logger
}

// NewUserRepository constructs a repository over the provided store.
func NewUserRepository(store backend.Facade) *UserRepository {
	return &UserRepository{store: store, now: time.Now, log: logging.With("users")}
}

// List returns every user ordered by display name.
func (r *UserRepository) List(ctx context.Context) ([]models.UserRecord, error) {
	q := backend.Query{}.Order(models.FieldName, backend.Asc)
	docs, err := r.store.Query(ctx, models.UsersCollection, q)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	users := make([]models.UserRecord, 0, len(docs))
	for _, doc := range docs {
		u, err := models.DecodeUser(doc.ID, doc.Fields)
		if err != nil {
			r.log.Warn().Err(err).Str("collection", models.UsersCollection).Str("id", doc.ID).Msg("skipping malformed user")
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// Get returns one user record.
func (r *UserRepository) Get(ctx context.Context, uid string) (*models.UserRecord, error) {
	doc, err := r.store.GetDocument(ctx, models.UsersCollection, uid)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	u, err := models.DecodeUser(doc.ID, doc.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "decode user")
	}
	return &u, nil
}

// SetRole changes an existing user's role. Sessions pick it up on their next role resolution.
func (r *UserRepository) SetRole(ctx context.Context, uid string, role models.Role) error {
	if !role.Valid() {
		return apperr.Validation("invalid_role", "unknown role "+string(role))
	}
	if _, err := r.Get(ctx, uid); err != nil {
		return err
	}
	err := r.store.UpsertDocument(ctx, models.UsersCollection, uid, backend.Fields{
		models.FieldRole:      string(role),
		models.FieldUpdatedAt: r.now().UTC(),
	}, backend.UpsertOptions{Merge: true})
	if err != nil {
		return errors.WithStack(err)
	}
	r.log.Info().Str("uid", uid).Str("role", string(role)).Msg("user role changed")
	return nil
}
