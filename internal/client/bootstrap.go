package client

import (
	"context"

	"github.com/roach88/syncline/internal/clientstorage"
	"github.com/roach88/syncline/internal/wire"
)

// Bootstrap builds the events an application starts with.
type Bootstrap struct {
	HydrateEvent string
	OnLoad       []string
	Storage      *clientstorage.Sync
}

// InitialEvents is the hydrate event carrying stored client values,
// followed by the on-load events. The storage is read on every call.
func (b *Bootstrap) InitialEvents(ctx context.Context) []wire.Event {
	payload := map[string]any{}
	if b.Storage != nil {
		payload = b.Storage.HydrationPayload(ctx)
	}
	events := []wire.Event{wire.NewEvent(b.HydrateEvent, payload)}
	return append(events, b.OnRouteLoadEvents()...)
}

// OnRouteLoadEvents are fired after every internal route change.
func (b *Bootstrap) OnRouteLoadEvents() []wire.Event {
	events := make([]wire.Event, 0, len(b.OnLoad))
	for _, name := range b.OnLoad {
		events = append(events, wire.NewEvent(name, map[string]any{}))
	}
	return events
}
