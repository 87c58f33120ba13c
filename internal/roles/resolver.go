// Package roles derives an identity's authorization role from its user record.
package roles

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/models"
)

// Resolver looks up roles, provisioning a default user record the first time an identity
// is seen.
type Resolver struct {
	store backend.Facade
	now   func() time.Time
	log   zerolog.Logger
}

// NewResolver returns a Resolver over store.
func NewResolver(store backend.Facade) *Resolver {
	return &Resolver{store: store, now: time.Now, log: logging.With("roles")}
}

// Resolve returns id's role. It never fails: when the record cannot be read the caller is
// treated as RoleUser and nothing is written, so the next resolution retries.
func (r *Resolver) Resolve(ctx context.Context, id identity.Identity) models.Role {
	doc, err := r.store.GetDocument(ctx, models.UsersCollection, id.UID)
	switch {
	case err == nil:
		user, err := models.DecodeUser(doc.ID, doc.Fields)
		if err != nil {
			r.log.Warn().Err(err).Str("uid", id.UID).Msg("malformed user record, using default role")
			return models.RoleUser
		}
		return user.Role
	case apperr.Is(err, apperr.KindNotFound):
		r.provision(ctx, id)
		return models.RoleUser
	default:
		r.log.Warn().Err(err).Str("uid", id.UID).Msg("role lookup failed, using default role")
		return models.RoleUser
	}
}

// provision writes the default record. The upsert merges, so profile fields written by a
// concurrent signup or first login survive.
func (r *Resolver) provision(ctx context.Context, id identity.Identity) {
	fields := backend.Fields{
		models.FieldRole:      string(models.RoleUser),
		models.FieldCreatedAt: r.now().UTC(),
	}
	if id.DisplayName != "" {
		fields[models.FieldName] = id.DisplayName
	}
	if id.Email != "" {
		fields[models.FieldEmail] = id.Email
	}
	if id.Provider != "" {
		fields[models.FieldAuthProvider] = id.Provider
	}
	err := r.store.UpsertDocument(ctx, models.UsersCollection, id.UID, fields, backend.UpsertOptions{Merge: true})
	if err != nil {
		r.log.Warn().Err(err).Str("uid", id.UID).Msg("default role provisioning failed")
		return
	}
	r.log.Info().Str("uid", id.UID).Msg("provisioned default user record")
}
