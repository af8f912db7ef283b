// Defines Host interfaces for viewdb
package host

import (
	"context"

	"github.com/drpcorg/viewdb/store"
	"github.com/drpcorg/viewdb/utils"
)

// Host is what the view machinery needs from the primary store. It is
// passed explicitly to every component, there is no process-wide store.
type Host interface {
	ReadTransaction(ctx context.Context, fn func(tx *store.ReadTx) error) error
	WriteTransaction(ctx context.Context, fn func(tx *store.WriteTx) error) error
	AddHook(h store.Hook)
	RemoveHook(h store.Hook)
	Logger() utils.Logger
}

var _ Host = (*store.Store)(nil)
