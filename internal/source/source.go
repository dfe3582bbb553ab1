// Package source defines the record-source contract the cache layers
// consume and the adapters that satisfy it.
package source

import (
	"context"

	"github.com/kjannette/pricesync/internal/models"
)

// Source serves whole collections by path, e.g. "crops/farmers".
type Source interface {
	FetchCollection(ctx context.Context, path string) ([]models.Record, error)
}

// Subscriber is implemented by sources that can push changes. onChange and
// onError are never called concurrently for one subscription. A callback
// already in flight may still complete after unsubscribe, so consumers
// must tolerate late calls. unsubscribe is idempotent and must not block
// on the callbacks, since it may be called from inside one.
type Subscriber interface {
	Subscribe(ctx context.Context, path string, onChange func(Change), onError func(error)) (unsubscribe func(), err error)
}

// Getter is implemented by sources that support point reads. A missing
// record is nil, nil.
type Getter interface {
	FetchRecord(ctx context.Context, path, id string) (*models.Record, error)
}

// CanSubscribe reports whether src supports live updates.
func CanSubscribe(src Source) bool {
	_, ok := src.(Subscriber)
	return ok
}
