package collab

import (
	"context"
)

type DocumentOpKind string

const (
	DocumentOpCreate DocumentOpKind = "create"
	DocumentOpUpdate DocumentOpKind = "update"
	DocumentOpDelete DocumentOpKind = "delete"
)

// DocumentOp is one batched authoritative write.
type DocumentOp struct {
	Kind    DocumentOpKind
	ShapeId string
	// create: the full shape, carrying a temporary local id
	Shape *Shape
	// update: the changed fields
	Fields *ShapeFields
}

// CommitResult reports the outcome of an authoritative transaction.
type CommitResult struct {
	// temporary local id -> permanent id for created shapes
	Assigned map[string]string
}

type SnapshotFunction func(shapes []*Shape)
type ErrorFunction func(err error)

// DocumentStore is the authoritative document collection: snapshot
// subscriptions plus transactional writes. Implementations commit all ops
// atomically or none.
type DocumentStore interface {
	// delivers a full snapshot on every change. returns an unsubscribe function.
	Subscribe(ctx context.Context, onSnapshot SnapshotFunction, onError ErrorFunction) (func(), error)
	CommitTransaction(ctx context.Context, ops []*DocumentOp) (*CommitResult, error)
}

type PresenceMapFunction func(records map[string]*PresenceRecord)

// RealtimeStore is the authoritative low-latency key-value half, holding
// ephemeral presence records with server-assisted cleanup on disconnect.
type RealtimeStore interface {
	Write(ctx context.Context, path string, record *PresenceRecord) error
	Update(ctx context.Context, path string, fields map[string]any) error
	// removes the record at path when the connection drops
	RegisterDisconnectCleanup(ctx context.Context, path string) error
	// delivers the full map of current records on every change.
	// returns an unsubscribe function.
	Subscribe(ctx context.Context, onChange PresenceMapFunction, onError ErrorFunction) (func(), error)
	Remove(ctx context.Context, path string) error
}
