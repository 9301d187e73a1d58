package actions

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ocpp_central/dispatcher"
	"ocpp_central/store"
)

// Watcher turns operator writes of the enabled, availability and chargeLimit
// states into commands for the charge point.
type Watcher struct {
	store  store.Store
	sender *Sender
	log    logrus.FieldLogger
}

func NewWatcher(st store.Store, sender *Sender, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{store: st, sender: sender, log: log}
}

// Run handles changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	changes, err := w.store.Subscribe(ctx, dispatcher.FieldEnabled, dispatcher.FieldAvailability, dispatcher.FieldChargeLimit)
	if err != nil {
		return errors.Wrap(err, "subscribing to operator states")
	}
	for change := range changes {
		if err := w.Handle(ctx, change); err != nil {
			w.log.WithField("client", change.Identity).Errorf("failed to handle %s: %v", change.Key, err)
		}
	}
	return nil
}

// Handle processes a single state write. Acknowledged writes come from the
// central system itself and are ignored.
func (w *Watcher) Handle(ctx context.Context, change store.Change) error {
	if change.State.Ack {
		return nil
	}
	log := w.log.WithField("client", change.Identity)

	var (
		value interface{}
		err   error
	)
	switch change.Field {
	case dispatcher.FieldEnabled, dispatcher.FieldAvailability:
		on, ok := change.State.Bool()
		if !ok {
			log.Warnf("ignoring non boolean value %q for %s", change.State.String(), change.Key)
			return nil
		}
		connectorID, lookupErr := w.connectorID(ctx, change.Identity)
		if lookupErr != nil {
			return lookupErr
		}
		if connectorID == 0 {
			log.Warnf("no connectorId for %q", change.Identity)
			return nil
		}
		value, err = on, w.toggle(change.Identity, change.Field, connectorID, on)
	case dispatcher.FieldChargeLimit:
		// The limit applies to the whole charge point.
		amperes, ok := change.State.Float()
		if !ok || amperes < 0 {
			log.Warnf("ignoring charge limit %q for %s", change.State.String(), change.Key)
			return nil
		}
		value, err = amperes, w.sender.SendChargeLimit(change.Identity, 0, amperes)
	default:
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		log.Warnf("cannot apply %s: %v", change.Key, err)
		return nil
	}
	if err != nil {
		return err
	}
	return w.store.SetValue(ctx, change.Key, value, true)
}

func (w *Watcher) connectorID(ctx context.Context, identity string) (int, error) {
	state, err := w.store.GetValue(ctx, store.Key(identity, dispatcher.FieldConnectorID))
	if err != nil {
		return 0, errors.Wrap(err, "reading connector id")
	}
	connectorID, _ := state.Int()
	return connectorID, nil
}

func (w *Watcher) toggle(identity string, field string, connectorID int, on bool) error {
	if field == dispatcher.FieldAvailability {
		return w.sender.SendChangeAvailability(identity, connectorID, on)
	}
	if on {
		return w.sender.SendRemoteStart(identity, connectorID)
	}
	return w.sender.SendRemoteStop(identity, connectorID)
}
