// Package backend defines the document-store contract the helpdesk core depends on, together
// with an in-memory implementation.
//
// The contract mirrors a hosted document database: documents live in named collections,
// carry a store-assigned id and a bag of fields, and can be fetched, upserted, inserted,
// patched, queried, or watched. Implementations must be safe for concurrent use.
package backend

import (
	"context"
)

// Fields is the loosely typed body of a document. Values are strings, bools, numbers,
// time.Time, nil, []any and map[string]any.
type Fields map[string]any

// Document is a stored record.
type Document struct {
	ID     string
	Fields Fields
}

// ArrayUnion, used as a field value in UpdateDocument, appends each element that is not
// already present in the stored list. The append is atomic with respect to other updates.
type ArrayUnion []any

// UpsertOptions controls UpsertDocument.
type UpsertOptions struct {
	// Merge keeps stored fields that are not present in the upsert.
	Merge bool
}

// CancelFunc detaches a subscription. It is safe to call more than once.
type CancelFunc func()

// ChangeFunc receives the full, ordered result set of a subscribed query.
type ChangeFunc func([]Document)

// ErrorFunc receives the error that ended a subscription.
type ErrorFunc func(error)

// Facade is the uniform interface over document CRUD, queries and change subscriptions.
// Absent documents are reported with an apperr not_found error; transport failures with
// apperr backend_unavailable.
type Facade interface {
	GetDocument(ctx context.Context, collection, id string) (*Document, error)
	UpsertDocument(ctx context.Context, collection, id string, fields Fields, opts UpsertOptions) error
	InsertDocument(ctx context.Context, collection string, fields Fields) (string, error)
	UpdateDocument(ctx context.Context, collection, id string, fields Fields) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)

	// Subscribe delivers the query's result set once immediately and again after every
	// change to the collection, until cancelled or until the transport fails. After onError
	// is called no further deliveries happen.
	Subscribe(ctx context.Context, collection string, q Query, onChange ChangeFunc, onError ErrorFunc) (CancelFunc, error)
}

// BlobStore stores binary objects and returns a retrievable URL.
type BlobStore interface {
	UploadBlob(ctx context.Context, path string, data []byte) (string, error)
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
