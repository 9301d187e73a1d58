package dispatcher

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp_central/connectors"
	"ocpp_central/notifier"
	"ocpp_central/registry"
	"ocpp_central/store"
)

type fakeConnection struct {
	id string
}

func (c *fakeConnection) ID() string { return c.id }

func (c *fakeConnection) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) ExtendObject(context.Context, string, store.Object, ...string) error {
	return errors.New("store unavailable")
}

// countingStore counts object writes.
type countingStore struct {
	*store.MemoryStore
	extends int32
}

func (s *countingStore) ExtendObject(ctx context.Context, key string, def store.Object, preserve ...string) error {
	atomic.AddInt32(&s.extends, 1)
	return s.MemoryStore.ExtendObject(ctx, key, def, preserve...)
}

// gatedStore holds the device object write of one identity until release is
// closed.
type gatedStore struct {
	*store.MemoryStore
	identity string
	entered  chan struct{}
	release  chan struct{}
}

func (s *gatedStore) ExtendObject(ctx context.Context, key string, def store.Object, preserve ...string) error {
	if key == s.identity {
		close(s.entered)
		<-s.release
	}
	return s.MemoryStore.ExtendObject(ctx, key, def, preserve...)
}

// stalledStore never finishes a value write once stalled is set.
type stalledStore struct {
	*store.MemoryStore
	stalled int32
}

func (s *stalledStore) SetValue(ctx context.Context, key string, val interface{}, ack bool) error {
	if atomic.LoadInt32(&s.stalled) == 1 {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.MemoryStore.SetValue(ctx, key, val, ack)
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fixture struct {
	dispatcher    *Dispatcher
	store         *store.MemoryStore
	notifications chan notifier.Notification
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	f := &fixture{
		store:         store.NewMemoryStore(),
		notifications: make(chan notifier.Notification, 64),
	}
	f.dispatcher = New(Options{
		Store:            f.store,
		Registry:         registry.New(),
		Tracker:          connectors.NewTracker(),
		Logger:           log,
		Notifications:    f.notifications,
		HeartbeatTimeout: timeout,
	})
	require.NoError(t, f.dispatcher.Start(context.Background()))
	t.Cleanup(f.dispatcher.monitor.Stop)
	return f
}

func (f *fixture) value(t *testing.T, key string) *store.State {
	t.Helper()
	state, err := f.store.GetValue(context.Background(), key)
	require.NoError(t, err)
	return state
}

func (f *fixture) connected(t *testing.T, identity string) bool {
	connected, ok := f.value(t, store.Key(identity, FieldConnected)).Bool()
	require.True(t, ok)
	return connected
}

func TestFirstContactProvisionsChargePoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	_, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	require.NoError(t, err)

	assert.True(t, f.dispatcher.Registry().Has("cp1"))
	deadline, ok := f.dispatcher.Registry().Deadline("cp1")
	require.True(t, ok)
	assert.False(t, deadline.IsZero())

	device, err := f.store.GetObject(ctx, "cp1")
	require.NoError(t, err)
	require.NotNil(t, device)
	assert.Equal(t, "device", device.Type)
	assert.Equal(t, "cp1", device.Common.Name)

	for _, obj := range stateObjects() {
		def, err := f.store.GetObject(ctx, store.Key("cp1", obj.Field))
		require.NoError(t, err)
		require.NotNil(t, def, obj.Field)
	}
	status, err := f.store.GetObject(ctx, "cp1.status")
	require.NoError(t, err)
	assert.Len(t, status.Common.States, 9)

	assert.True(t, f.connected(t, "cp1"))
	assert.Equal(t, "cp1", f.value(t, store.InfoConnection).String())
}

func TestProvisioningKeepsRenamedObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	require.NoError(t, f.store.ExtendObject(ctx, "cp1", store.Object{
		Type: "device", Common: store.Common{Name: "Garage wallbox"},
	}))

	_, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	require.NoError(t, err)

	device, err := f.store.GetObject(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, "Garage wallbox", device.Common.Name)
}

func TestProvisioningFailureRollsBack(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	d := New(Options{
		Store:  failingStore{store.NewMemoryStore()},
		Logger: log,
	})
	defer d.monitor.Stop()

	_, err := d.Handle(context.Background(), "cp1", &fakeConnection{id: "cp1"}, core.NewHeartbeatRequest())
	require.Error(t, err)

	var provisioningErr *ProvisioningError
	require.True(t, errors.As(err, &provisioningErr))
	assert.Equal(t, "cp1", provisioningErr.Identity)
	assert.False(t, d.Registry().Has("cp1"))
	assert.False(t, d.monitor.Armed("cp1"))
}

func TestBootNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	_, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewStatusNotificationRequest(1, core.NoError, core.ChargePointStatusAvailable))
	require.NoError(t, err)
	require.Len(t, f.dispatcher.Tracker().Connectors("cp1"), 1)

	request := core.NewBootNotificationRequest("Model", "Vendor")
	request.FirmwareVersion = "1.2.3"
	response, err := f.dispatcher.Handle(ctx, "cp1", conn, request)
	require.NoError(t, err)

	confirmation, ok := response.(*core.BootNotificationConfirmation)
	require.True(t, ok)
	assert.Equal(t, core.RegistrationStatusAccepted, confirmation.Status)
	assert.Equal(t, DefaultHeartbeatInterval, confirmation.Interval)
	require.NotNil(t, confirmation.CurrentTime)
	assert.WithinDuration(t, time.Now(), confirmation.CurrentTime.Time, 5*time.Second)

	info, ok := f.dispatcher.Tracker().Info("cp1")
	require.True(t, ok)
	assert.Equal(t, "Vendor", info.ChargePointVendor)
	assert.Empty(t, info.Connectors)

	device, err := f.store.GetObject(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, "Model", device.Native["chargePointModel"])
	assert.Equal(t, "1.2.3", device.Native["firmwareVersion"])
	assert.Equal(t, "cp1", device.Common.Name)

	// A second boot resets the connectors again.
	_, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewStatusNotificationRequest(2, core.NoError, core.ChargePointStatusAvailable))
	require.NoError(t, err)
	_, err = f.dispatcher.Handle(ctx, "cp1", conn, request)
	require.NoError(t, err)
	assert.Empty(t, f.dispatcher.Tracker().Connectors("cp1"))
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	response, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewAuthorizationRequest("tag"))
	require.NoError(t, err)
	confirmation := response.(*core.AuthorizeConfirmation)
	assert.Equal(t, types.AuthorizationStatusAccepted, confirmation.IdTagInfo.Status)

	f.dispatcher.Authorize = func(idTag string) types.AuthorizationStatus {
		if idTag == "blocked" {
			return types.AuthorizationStatusBlocked
		}
		return types.AuthorizationStatusAccepted
	}
	response, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewAuthorizationRequest("blocked"))
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusBlocked, response.(*core.AuthorizeConfirmation).IdTagInfo.Status)
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	response, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewStartTransactionRequest(1, "tag", 0, types.NewDateTime(time.Now())))
	require.NoError(t, err)
	start := response.(*core.StartTransactionConfirmation)
	assert.Equal(t, SentinelTransactionID, start.TransactionId)
	assert.Equal(t, types.AuthorizationStatusAccepted, start.IdTagInfo.Status)

	cons := f.dispatcher.Tracker().Connectors("cp1")
	require.Len(t, cons, 1)
	assert.True(t, cons[0].HasTransactionInProgress())
	active, _ := f.value(t, "cp1.transactionActive").Bool()
	assert.True(t, active)

	response, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewStopTransactionRequest(100, types.NewDateTime(time.Now()), SentinelTransactionID))
	require.NoError(t, err)
	stop := response.(*core.StopTransactionConfirmation)
	require.NotNil(t, stop.IdTagInfo)
	assert.Equal(t, types.AuthorizationStatusAccepted, stop.IdTagInfo.Status)

	cons = f.dispatcher.Tracker().Connectors("cp1")
	assert.False(t, cons[0].HasTransactionInProgress())
	active, _ = f.value(t, "cp1.transactionActive").Bool()
	assert.False(t, active)
}

func TestStatusNotificationUpsertsConnector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	for _, status := range []core.ChargePointStatus{core.ChargePointStatusPreparing, core.ChargePointStatusCharging} {
		response, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewStatusNotificationRequest(1, core.NoError, status))
		require.NoError(t, err)
		assert.IsType(t, &core.StatusNotificationConfirmation{}, response)
	}

	cons := f.dispatcher.Tracker().Connectors("cp1")
	require.Len(t, cons, 1)
	assert.Equal(t, core.ChargePointStatusCharging, cons[0].Status)

	connectorID, ok := f.value(t, "cp1.connectorId").Int()
	require.True(t, ok)
	assert.Equal(t, 1, connectorID)
	assert.Equal(t, "Charging", f.value(t, "cp1.status").String())
}

func TestUnimplementedCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	response, err := f.dispatcher.Handle(ctx, "cp1", &fakeConnection{id: "cp1"}, core.NewMeterValuesRequest(1, []types.MeterValue{}))
	assert.Nil(t, response)
	assert.True(t, errors.Is(err, ErrUnimplementedCommand))
	assert.True(t, f.dispatcher.Registry().Has("cp1"))
}

func TestHeartbeatTimeoutGoesOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50*time.Millisecond)
	conn := &fakeConnection{id: "cp1"}

	_, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewBootNotificationRequest("Model", "Vendor"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		if f.dispatcher.Registry().Has("cp1") {
			return false
		}
		list, err := f.store.GetValue(ctx, store.InfoConnection)
		return err == nil && list.String() == ""
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, f.connected(t, "cp1"))
	_, ok := f.dispatcher.Tracker().Info("cp1")
	assert.True(t, ok)

	// The next message is a first contact again.
	_, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	require.NoError(t, err)
	assert.True(t, f.connected(t, "cp1"))
}

func TestHeartbeatKeepsChargePointOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200*time.Millisecond)
	conn := &fakeConnection{id: "cp1"}

	for i := 0; i < 6; i++ {
		response, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
		require.NoError(t, err)
		assert.IsType(t, &core.HeartbeatConfirmation{}, response)
		time.Sleep(50 * time.Millisecond)
	}
	assert.True(t, f.dispatcher.Registry().Has("cp1"))
	assert.True(t, f.connected(t, "cp1"))
}

func TestExpireIgnoresRearmedTimer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	_, err := f.dispatcher.Handle(ctx, "cp1", &fakeConnection{id: "cp1"}, core.NewHeartbeatRequest())
	require.NoError(t, err)

	// The timer fired and a heartbeat re-armed it before the handler ran.
	f.dispatcher.expire("cp1")
	assert.True(t, f.dispatcher.Registry().Has("cp1"))
	assert.True(t, f.connected(t, "cp1"))
}

func TestDisconnectIgnoresReplacedConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	old := &fakeConnection{id: "cp1"}
	current := &fakeConnection{id: "cp1"}

	_, err := f.dispatcher.Handle(ctx, "cp1", old, core.NewHeartbeatRequest())
	require.NoError(t, err)
	_, err = f.dispatcher.Handle(ctx, "cp1", current, core.NewHeartbeatRequest())
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Disconnect(ctx, "cp1", old))
	assert.True(t, f.dispatcher.Registry().Has("cp1"))

	require.NoError(t, f.dispatcher.Disconnect(ctx, "cp1", current))
	assert.False(t, f.dispatcher.Registry().Has("cp1"))
	assert.False(t, f.dispatcher.monitor.Armed("cp1"))
	assert.False(t, f.connected(t, "cp1"))
}

func TestConnectedListFollowsRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	cp1 := &fakeConnection{id: "cp1"}
	cp2 := &fakeConnection{id: "cp2"}

	_, err := f.dispatcher.Handle(ctx, "cp1", cp1, core.NewHeartbeatRequest())
	require.NoError(t, err)
	_, err = f.dispatcher.Handle(ctx, "cp2", cp2, core.NewHeartbeatRequest())
	require.NoError(t, err)
	assert.Equal(t, "cp1,cp2", f.value(t, store.InfoConnection).String())

	require.NoError(t, f.dispatcher.Disconnect(ctx, "cp1", cp1))
	assert.Equal(t, "cp2", f.value(t, store.InfoConnection).String())
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)

	for _, id := range []string{"cp1", "cp2"} {
		_, err := f.dispatcher.Handle(ctx, id, &fakeConnection{id: id}, core.NewHeartbeatRequest())
		require.NoError(t, err)
	}

	require.NoError(t, f.dispatcher.Shutdown(ctx))
	assert.Empty(t, f.dispatcher.Registry().Identities())
	assert.False(t, f.dispatcher.monitor.Armed("cp1"))
	assert.False(t, f.connected(t, "cp1"))
	assert.False(t, f.connected(t, "cp2"))
	assert.Equal(t, "", f.value(t, store.InfoConnection).String())
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	_, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewBootNotificationRequest("Model", "Vendor"))
	require.NoError(t, err)
	_, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewStartTransactionRequest(1, "tag", 0, types.NewDateTime(time.Now())))
	require.NoError(t, err)

	boot := <-f.notifications
	assert.Equal(t, notifier.TopicBootNotification, boot.Topic)
	assert.Equal(t, "cp1", boot.Data["chargePointId"])
	assert.Equal(t, "Vendor", boot.Data["chargePointVendor"])

	start := <-f.notifications
	assert.Equal(t, notifier.TopicStartTransaction, start.Topic)
	assert.Equal(t, SentinelTransactionID, start.Data["transactionId"])
}

func TestChargePointSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	response, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewBootNotificationRequest("M", "X"))
	require.NoError(t, err)
	boot := response.(*core.BootNotificationConfirmation)
	assert.Equal(t, core.RegistrationStatusAccepted, boot.Status)
	assert.Equal(t, 60, boot.Interval)

	_, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewStatusNotificationRequest(1, core.NoError, core.ChargePointStatusPreparing))
	require.NoError(t, err)
	_, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewStatusNotificationRequest(1, core.NoError, core.ChargePointStatusCharging))
	require.NoError(t, err)
	response, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	require.NoError(t, err)
	assert.NotNil(t, response.(*core.HeartbeatConfirmation).CurrentTime)

	info, ok := f.dispatcher.Tracker().Info("cp1")
	require.True(t, ok)
	assert.Equal(t, "X", info.ChargePointVendor)
	require.Len(t, info.Connectors, 1)
	assert.Equal(t, 1, info.Connectors[0].ConnectorID)
	assert.Equal(t, core.ChargePointStatusCharging, info.Connectors[0].Status)
	assert.Equal(t, "Charging", f.value(t, "cp1.status").String())
	assert.Equal(t, "cp1", f.value(t, store.InfoConnection).String())
}

func TestHandleAfterShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	_, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Shutdown(ctx))

	_, err = f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	assert.True(t, errors.Is(err, ErrShuttingDown))
	assert.False(t, f.dispatcher.Registry().Has("cp1"))
	assert.False(t, f.dispatcher.monitor.Armed("cp1"))
	assert.False(t, f.connected(t, "cp1"))
	assert.Equal(t, "", f.value(t, store.InfoConnection).String())
}

func TestConcurrentFirstContactProvisionsOnce(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{MemoryStore: store.NewMemoryStore()}
	d := New(Options{Store: st, Logger: quietLogger(), HeartbeatTimeout: time.Minute})
	defer d.monitor.Stop()
	conn := &fakeConnection{id: "cp1"}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// The device object plus one object per state.
	assert.Equal(t, int32(1+len(stateObjects())), atomic.LoadInt32(&st.extends))
	assert.Equal(t, []string{"cp1"}, d.Registry().Identities())

	state, err := st.GetValue(ctx, store.InfoConnection)
	require.NoError(t, err)
	assert.Equal(t, "cp1", state.String())

	_, err = d.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1+len(stateObjects())), atomic.LoadInt32(&st.extends))
}

func TestConnectedListSkipsChargePointBeingProvisioned(t *testing.T) {
	ctx := context.Background()
	st := &gatedStore{
		MemoryStore: store.NewMemoryStore(),
		identity:    "cp1",
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	d := New(Options{Store: st, Logger: quietLogger(), HeartbeatTimeout: time.Minute})
	defer d.monitor.Stop()

	done := make(chan error, 1)
	go func() {
		_, err := d.Handle(ctx, "cp1", &fakeConnection{id: "cp1"}, core.NewHeartbeatRequest())
		done <- err
	}()
	<-st.entered

	_, err := d.Handle(ctx, "cp2", &fakeConnection{id: "cp2"}, core.NewHeartbeatRequest())
	require.NoError(t, err)
	assert.False(t, d.Registry().Has("cp1"))
	state, err := st.GetValue(ctx, store.InfoConnection)
	require.NoError(t, err)
	assert.Equal(t, "cp2", state.String())

	close(st.release)
	require.NoError(t, <-done)
	state, err = st.GetValue(ctx, store.InfoConnection)
	require.NoError(t, err)
	assert.Equal(t, "cp2,cp1", state.String())
}

func TestSessionsReleased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Minute)
	conn := &fakeConnection{id: "cp1"}

	_, err := f.dispatcher.Handle(ctx, "cp1", conn, core.NewHeartbeatRequest())
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Disconnect(ctx, "cp1", conn))

	f.dispatcher.sessionsMu.Lock()
	defer f.dispatcher.sessionsMu.Unlock()
	assert.Empty(t, f.dispatcher.sessions)
}

func TestExpireGivesUpOnStalledStore(t *testing.T) {
	ctx := context.Background()
	st := &stalledStore{MemoryStore: store.NewMemoryStore()}
	d := New(Options{
		Store:            st,
		Logger:           quietLogger(),
		HeartbeatTimeout: time.Minute,
		StoreTimeout:     50 * time.Millisecond,
	})
	defer d.monitor.Stop()

	_, err := d.Handle(ctx, "cp1", &fakeConnection{id: "cp1"}, core.NewHeartbeatRequest())
	require.NoError(t, err)
	d.monitor.Cancel("cp1")
	atomic.StoreInt32(&st.stalled, 1)

	done := make(chan struct{})
	go func() {
		d.expire("cp1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expire blocked on the store")
	}
	assert.False(t, d.Registry().Has("cp1"))
}
