package feed

import (
	"context"
	"log/slog"

	"github.com/sakif/expense-tracker/internal/model"
	"github.com/sakif/expense-tracker/internal/repository"
)

// Relay forwards change notices to other server instances.
type Relay interface {
	Publish(ctx context.Context, userID string) error
}

// Store decorates a RecordStore so every successful write is pushed to
// the broker's subscribers and, when set, to the relay.
//
// DECORATOR PATTERN:
// Store embeds the RecordStore it wraps, so GetRecord passes straight
// through and only WriteRecord is overridden. The ledger is handed a Store
// and never knows a feed exists; it just sees its own writes come back as
// pushes:
//
//	ledger → feed.Store.WriteRecord → sqlite.DB.WriteRecord
//	                 │ ok
//	                 ├→ Broker.Notify (this instance's sessions)
//	                 └→ Relay.Publish (other instances, via AMQP)
type Store struct {
	repository.RecordStore
	broker *Broker
	relay  Relay
	logger *slog.Logger
}

var _ repository.RecordStore = (*Store)(nil)

// NewStore wraps inner. relay may be nil.
func NewStore(inner repository.RecordStore, broker *Broker, relay Relay, logger *slog.Logger) *Store {
	return &Store{
		RecordStore: inner,
		broker:      broker,
		relay:       relay,
		logger:      logger,
	}
}

// WriteRecord writes through and then notifies. A relay failure is logged,
// not returned: the write itself succeeded.
//
// Notification uses context.WithoutCancel so a client that disconnects
// right after its write still gets the push delivered to its other
// sessions.
func (s *Store) WriteRecord(ctx context.Context, userID string, patch model.RecordPatch) error {
	if err := s.RecordStore.WriteRecord(ctx, userID, patch); err != nil {
		return err
	}

	// The push must happen even if the caller's request is cancelled now.
	notifyCtx := context.WithoutCancel(ctx)
	s.broker.Notify(notifyCtx, userID)

	if s.relay != nil {
		if err := s.relay.Publish(notifyCtx, userID); err != nil {
			s.logger.Warn("feed: relaying change notice failed",
				slog.String("userID", userID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
