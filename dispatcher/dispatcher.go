// Package dispatcher routes the OCPP requests of connected charge points to
// their handlers and keeps the registry, the connector tracker, the liveness
// timers and the state store consistent with what the stations report.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ocpp_central/connectors"
	"ocpp_central/heartbeat"
	"ocpp_central/logging"
	"ocpp_central/notifier"
	"ocpp_central/registry"
	"ocpp_central/store"
)

const (
	DefaultHeartbeatInterval = 60
	DefaultHeartbeatTimeout  = 90 * time.Second
)

// SentinelTransactionID is handed out for every StartTransaction. Stations
// are not told apart by transaction id.
const SentinelTransactionID = 1

// ErrUnimplementedCommand is returned for requests outside the handled set.
var ErrUnimplementedCommand = errors.New("command not implemented")

// ErrShuttingDown is returned for requests that arrive after Shutdown.
var ErrShuttingDown = errors.New("central system is shutting down")

// ProvisioningError reports that the state objects of a newly seen charge
// point could not be created. The charge point is not registered.
type ProvisioningError struct {
	Identity string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Identity, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

type Options struct {
	Store    store.Store
	Registry *registry.Registry
	Tracker  *connectors.Tracker
	Logger   logrus.FieldLogger
	// Notifications receives one event per handled command. Optional.
	Notifications chan<- notifier.Notification
	// HeartbeatInterval is the interval, in seconds, sent in the
	// BootNotification confirmation.
	HeartbeatInterval int
	// HeartbeatTimeout is how long a charge point may stay silent before it
	// is considered offline.
	HeartbeatTimeout time.Duration
	// StoreTimeout bounds the store writes done from timer callbacks.
	// Defaults to RequestTimeout.
	StoreTimeout time.Duration
}

// session serializes the work of one charge point. refs counts the
// goroutines holding or waiting for mu; the entry is dropped at zero.
type session struct {
	mu   sync.Mutex
	refs int
}

type Dispatcher struct {
	store         store.Store
	registry      *registry.Registry
	tracker       *connectors.Tracker
	monitor       *heartbeat.Monitor
	log           logrus.FieldLogger
	notifications chan<- notifier.Notification

	heartbeatInterval int
	heartbeatTimeout  time.Duration
	storeTimeout      time.Duration

	// Authorize decides the idTagInfo status of Authorize and
	// StartTransaction. nil accepts every tag.
	Authorize func(idTag string) types.AuthorizationStatus

	sessionsMu sync.Mutex
	sessions   map[string]*session
	closed     bool

	// aggregateMu orders the writes of store.InfoConnection.
	aggregateMu sync.Mutex
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		store:             opts.Store,
		registry:          opts.Registry,
		tracker:           opts.Tracker,
		log:               opts.Logger,
		notifications:     opts.Notifications,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		storeTimeout:      opts.StoreTimeout,
		sessions:          map[string]*session{},
	}
	if d.registry == nil {
		d.registry = registry.New()
	}
	if d.tracker == nil {
		d.tracker = connectors.NewTracker()
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if d.heartbeatInterval <= 0 {
		d.heartbeatInterval = DefaultHeartbeatInterval
	}
	if d.heartbeatTimeout <= 0 {
		d.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if d.storeTimeout <= 0 {
		d.storeTimeout = RequestTimeout
	}
	d.monitor = heartbeat.NewMonitor(d.registry, d.expire)
	return d
}

func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

func (d *Dispatcher) Tracker() *connectors.Tracker {
	return d.tracker
}

// lock serializes everything that happens to one charge point. The returned
// function releases the session.
func (d *Dispatcher) lock(identity string) func() {
	d.sessionsMu.Lock()
	s, ok := d.sessions[identity]
	if !ok {
		s = &session{}
		d.sessions[identity] = s
	}
	s.refs++
	d.sessionsMu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		d.sessionsMu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(d.sessions, identity)
		}
		d.sessionsMu.Unlock()
	}
}

func (d *Dispatcher) isClosed() bool {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	return d.closed
}

// Start clears the connected list left behind by a previous run.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.writeConnections(ctx)
}

// Handle processes one request of identity received on conn and returns the
// confirmation to send back.
func (d *Dispatcher) Handle(ctx context.Context, identity string, conn registry.Connection, request ocpp.Request) (ocpp.Response, error) {
	unlock := d.lock(identity)
	defer unlock()

	if d.isClosed() {
		return nil, ErrShuttingDown
	}
	if !d.registry.Has(identity) {
		if err := d.firstContact(ctx, identity, conn); err != nil {
			return nil, err
		}
	} else {
		d.registry.Register(identity, conn)
	}

	switch req := request.(type) {
	case *core.BootNotificationRequest:
		return d.bootNotification(ctx, identity, req)
	case *core.AuthorizeRequest:
		return d.authorize(identity, req), nil
	case *core.StartTransactionRequest:
		return d.startTransaction(ctx, identity, req)
	case *core.StopTransactionRequest:
		return d.stopTransaction(ctx, identity, req)
	case *core.HeartbeatRequest:
		return d.heartbeat(identity, req), nil
	case *core.StatusNotificationRequest:
		return d.statusNotification(ctx, identity, req)
	default:
		feature := "unknown"
		if request != nil {
			feature = request.GetFeatureName()
		}
		logging.Default(d.log, identity, feature).Warn("command not implemented")
		return nil, ErrUnimplementedCommand
	}
}

func (d *Dispatcher) firstContact(ctx context.Context, identity string, conn registry.Connection) error {
	log := d.log.WithField("client", identity)
	log.Info("new device connected")

	// Registered only once provisioned, so the connected list never names a
	// charge point without its objects.
	if err := d.provision(ctx, identity); err != nil {
		log.Errorf("failed to provision charge point: %v", err)
		return &ProvisioningError{Identity: identity, Err: err}
	}
	d.registry.Register(identity, conn)
	d.monitor.Arm(identity, d.heartbeatTimeout)
	if err := d.writeConnections(ctx); err != nil {
		log.Errorf("failed to update connected charge points: %v", err)
	}
	return nil
}

func (d *Dispatcher) provision(ctx context.Context, identity string) error {
	if err := d.store.ExtendObject(ctx, identity, deviceObject(identity), "name"); err != nil {
		return err
	}
	for _, obj := range stateObjects() {
		if err := d.store.ExtendObject(ctx, store.Key(identity, obj.Field), obj.Object, "name"); err != nil {
			return err
		}
	}
	return d.store.SetValue(ctx, store.Key(identity, FieldConnected), true, true)
}

func (d *Dispatcher) bootNotification(ctx context.Context, identity string, request *core.BootNotificationRequest) (ocpp.Response, error) {
	log := logging.Default(d.log, identity, request.GetFeatureName())
	log.Infof("received boot notification from %s %s", request.ChargePointVendor, request.ChargePointModel)

	d.tracker.Boot(identity, connectors.FromBootNotification(request))
	d.monitor.Arm(identity, d.heartbeatTimeout)

	native, err := toMap(request)
	if err != nil {
		return nil, errors.Wrap(err, "encoding boot notification")
	}
	if err := d.store.ExtendObject(ctx, identity, store.Object{Native: native}); err != nil {
		return nil, errors.Wrapf(err, "storing boot notification of %s", identity)
	}

	d.notify(notifier.TopicBootNotification, identity, request)
	return core.NewBootNotificationConfirmation(types.NewDateTime(time.Now()), d.heartbeatInterval, core.RegistrationStatusAccepted), nil
}

func (d *Dispatcher) authorizationStatus(idTag string) types.AuthorizationStatus {
	if d.Authorize == nil {
		return types.AuthorizationStatusAccepted
	}
	return d.Authorize(idTag)
}

func (d *Dispatcher) authorize(identity string, request *core.AuthorizeRequest) ocpp.Response {
	status := d.authorizationStatus(request.IdTag)
	logging.Default(d.log, identity, request.GetFeatureName()).Infof("authorization of %s: %s", request.IdTag, status)

	d.notify(notifier.TopicAuthorize, identity, request)
	return core.NewAuthorizationConfirmation(types.NewIdTagInfo(status))
}

func (d *Dispatcher) startTransaction(ctx context.Context, identity string, request *core.StartTransactionRequest) (ocpp.Response, error) {
	logging.Default(d.log, identity, request.GetFeatureName()).Infof("transaction started on connector %d", request.ConnectorId)

	d.tracker.StartTransaction(identity, request.ConnectorId, SentinelTransactionID)
	if err := d.store.SetValue(ctx, store.Key(identity, FieldTransactionActive), true, true); err != nil {
		return nil, errors.Wrapf(err, "storing transaction of %s", identity)
	}

	n := notifier.New(notifier.TopicStartTransaction, identity, request)
	n.Data["transactionId"] = SentinelTransactionID
	notifier.Send(d.log, d.notifications, n)

	return core.NewStartTransactionConfirmation(types.NewIdTagInfo(d.authorizationStatus(request.IdTag)), SentinelTransactionID), nil
}

func (d *Dispatcher) stopTransaction(ctx context.Context, identity string, request *core.StopTransactionRequest) (ocpp.Response, error) {
	connectorID := d.tracker.StopTransaction(identity, request.TransactionId)
	logging.Default(d.log, identity, request.GetFeatureName()).Infof("transaction %d stopped on connector %d", request.TransactionId, connectorID)

	if err := d.store.SetValue(ctx, store.Key(identity, FieldTransactionActive), false, true); err != nil {
		return nil, errors.Wrapf(err, "storing transaction of %s", identity)
	}

	d.notify(notifier.TopicStopTransaction, identity, request)

	confirmation := core.NewStopTransactionConfirmation()
	confirmation.IdTagInfo = types.NewIdTagInfo(types.AuthorizationStatusAccepted)
	return confirmation, nil
}

func (d *Dispatcher) heartbeat(identity string, request *core.HeartbeatRequest) ocpp.Response {
	logging.Default(d.log, identity, request.GetFeatureName()).Debug("heartbeat handled")

	d.monitor.Arm(identity, d.heartbeatTimeout)
	d.notify(notifier.TopicHeartbeat, identity, nil)
	return core.NewHeartbeatConfirmation(types.NewDateTime(time.Now()))
}

func (d *Dispatcher) statusNotification(ctx context.Context, identity string, request *core.StatusNotificationRequest) (ocpp.Response, error) {
	logging.Default(d.log, identity, request.GetFeatureName()).Infof("connector %d is %s", request.ConnectorId, request.Status)

	d.tracker.UpsertConnector(identity, connectors.FromStatusNotification(request))
	if _, err := d.store.SetValueIfChanged(ctx, store.Key(identity, FieldConnectorID), request.ConnectorId, true); err != nil {
		return nil, errors.Wrapf(err, "storing connector of %s", identity)
	}
	if err := d.store.SetValue(ctx, store.Key(identity, FieldStatus), string(request.Status), true); err != nil {
		return nil, errors.Wrapf(err, "storing status of %s", identity)
	}

	d.notify(notifier.TopicStatusNotification, identity, request)
	return core.NewStatusNotificationConfirmation(), nil
}

// expire runs from the liveness timer of identity.
func (d *Dispatcher) expire(identity string) {
	unlock := d.lock(identity)
	defer unlock()

	// Skipped after Shutdown, or when a request re-armed the timer after it fired.
	if d.isClosed() || d.monitor.Armed(identity) || !d.registry.Has(identity) {
		return
	}
	d.log.WithField("client", identity).Warn("charge point timed out")

	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
	defer cancel()
	if err := d.offline(ctx, identity); err != nil {
		d.log.WithField("client", identity).Errorf("failed to mark charge point offline: %v", err)
	}
}

// Disconnect handles the transport closing conn. Nothing happens when conn
// was already replaced by a newer connection of identity.
func (d *Dispatcher) Disconnect(ctx context.Context, identity string, conn registry.Connection) error {
	unlock := d.lock(identity)
	defer unlock()

	if !d.registry.RemoveIf(identity, conn) {
		return nil
	}
	d.monitor.Cancel(identity)
	d.log.WithField("client", identity).Info("charge point disconnected")
	return d.offline(ctx, identity)
}

// offline must run with the session of identity locked. Boot info and
// connectors are kept.
func (d *Dispatcher) offline(ctx context.Context, identity string) error {
	d.registry.Remove(identity)
	err := d.store.SetValue(ctx, store.Key(identity, FieldConnected), false, true)
	if aggErr := d.writeConnections(ctx); err == nil {
		err = aggErr
	}
	return err
}

// writeConnections stores the registered identities, in registration order,
// as the comma joined connected list.
func (d *Dispatcher) writeConnections(ctx context.Context) error {
	d.aggregateMu.Lock()
	defer d.aggregateMu.Unlock()
	return d.store.SetValue(ctx, store.InfoConnection, strings.Join(d.registry.Identities(), ","), true)
}

// Shutdown stops every liveness timer and marks every registered charge point
// offline. Requests handled afterwards fail with ErrShuttingDown. It keeps
// going on store errors and returns the first one.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.sessionsMu.Lock()
	d.closed = true
	// Requests already inside a session finish before their charge point is
	// marked offline below.
	pending := make([]string, 0, len(d.sessions))
	for identity := range d.sessions {
		pending = append(pending, identity)
	}
	d.sessionsMu.Unlock()
	d.monitor.Stop()

	var firstErr error
	for _, identity := range append(d.registry.Identities(), pending...) {
		unlock := d.lock(identity)
		if !d.registry.Has(identity) {
			unlock()
			continue
		}
		d.monitor.Cancel(identity)
		d.registry.Remove(identity)
		if err := d.store.SetValue(ctx, store.Key(identity, FieldConnected), false, true); err != nil {
			d.log.WithField("client", identity).Errorf("failed to mark charge point offline: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		unlock()
	}

	d.aggregateMu.Lock()
	err := d.store.SetValue(ctx, store.InfoConnection, "", true)
	d.aggregateMu.Unlock()
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *Dispatcher) notify(topic string, identity string, payload interface{}) {
	notifier.Send(d.log, d.notifications, notifier.New(topic, identity, payload))
}

func toMap(v interface{}) (map[string]interface{}, error) {
	bt, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(bt, &out); err != nil {
		return nil, err
	}
	return out, nil
}
