package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp_central/actions"
	"ocpp_central/common"
	"ocpp_central/connectors"
	"ocpp_central/registry"
)

type fakeConnection struct{ id string }

func (c *fakeConnection) ID() string { return c.id }
func (c *fakeConnection) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 5000}
}

type fakeCentralSystem struct {
	starts  []string
	stops   []int
	sendErr error
}

func (cs *fakeCentralSystem) RemoteStartTransaction(clientId string, callback func(*core.RemoteStartTransactionConfirmation, error), idTag string, props ...func(request *core.RemoteStartTransactionRequest)) error {
	if cs.sendErr != nil {
		return cs.sendErr
	}
	cs.starts = append(cs.starts, idTag)
	return nil
}

func (cs *fakeCentralSystem) RemoteStopTransaction(clientId string, callback func(*core.RemoteStopTransactionConfirmation, error), transactionId int, props ...func(request *core.RemoteStopTransactionRequest)) error {
	cs.stops = append(cs.stops, transactionId)
	return nil
}

func (cs *fakeCentralSystem) ChangeAvailability(clientId string, callback func(*core.ChangeAvailabilityConfirmation, error), connectorId int, availabilityType core.AvailabilityType, props ...func(request *core.ChangeAvailabilityRequest)) error {
	return nil
}

func (cs *fakeCentralSystem) Reset(clientId string, callback func(*core.ResetConfirmation, error), resetType core.ResetType, props ...func(request *core.ResetRequest)) error {
	return nil
}

func (cs *fakeCentralSystem) UnlockConnector(clientId string, callback func(*core.UnlockConnectorConfirmation, error), connectorId int, props ...func(request *core.UnlockConnectorRequest)) error {
	return nil
}

func (cs *fakeCentralSystem) ClearCache(clientId string, callback func(*core.ClearCacheConfirmation, error), props ...func(request *core.ClearCacheRequest)) error {
	return nil
}

func (cs *fakeCentralSystem) GetConfiguration(clientId string, callback func(*core.GetConfigurationConfirmation, error), keys []string, props ...func(request *core.GetConfigurationRequest)) error {
	return nil
}

func (cs *fakeCentralSystem) ChangeConfiguration(clientId string, callback func(*core.ChangeConfigurationConfirmation, error), key string, value string, props ...func(request *core.ChangeConfigurationRequest)) error {
	return nil
}

func (cs *fakeCentralSystem) SetChargingProfile(clientId string, callback func(*smartcharging.SetChargingProfileConfirmation, error), connectorId int, chargingProfile *types.ChargingProfile, props ...func(request *smartcharging.SetChargingProfileRequest)) error {
	return nil
}

func newServer(t *testing.T) (*Server, *registry.Registry, *connectors.Tracker, *fakeCentralSystem) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	reg := registry.New()
	tracker := connectors.NewTracker()
	cs := &fakeCentralSystem{}
	sender := actions.NewSender(cs, reg, log)
	return NewServer(NewHandler(reg, tracker, sender, log)), reg, tracker, cs
}

func do(t *testing.T, s *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestListChargePoints(t *testing.T) {
	s, reg, _, _ := newServer(t)
	reg.Register("cp1", &fakeConnection{id: "cp1"})
	reg.SetDeadline("cp1", time.Now().Add(time.Minute))
	reg.Register("cp2", &fakeConnection{id: "cp2"})

	rec, body := do(t, s, http.MethodGet, "/api/chargepoints", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	list := body["chargePoints"].([]interface{})
	first := list[0].(map[string]interface{})
	assert.Equal(t, "cp1", first["identity"])
	assert.Equal(t, "10.0.0.7:5000", first["remoteAddr"])
	assert.NotEmpty(t, first["deadline"])
	assert.NotContains(t, list[1].(map[string]interface{}), "deadline")
}

func TestGetChargePoint(t *testing.T) {
	s, reg, tracker, _ := newServer(t)

	rec, body := do(t, s, http.MethodGet, "/api/chargepoints/cp1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeChargePointNotFound, body["error"].(map[string]interface{})["code"])

	reg.Register("cp1", &fakeConnection{id: "cp1"})
	tracker.Boot("cp1", connectors.FromBootNotification(core.NewBootNotificationRequest("M", "X")))
	tracker.UpsertConnector("cp1", connectors.FromStatusNotification(core.NewStatusNotificationRequest(1, core.NoError, core.ChargePointStatusCharging)))

	rec, body = do(t, s, http.MethodGet, "/api/chargepoints/cp1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["connected"])
	boot := body["boot"].(map[string]interface{})
	assert.Equal(t, "X", boot["chargePointVendor"])
	assert.Len(t, boot["connectors"], 1)
}

func TestRemoteStartStop(t *testing.T) {
	s, reg, _, cs := newServer(t)
	reg.Register("cp1", &fakeConnection{id: "cp1"})

	rec, _ := do(t, s, http.MethodPost, "/api/chargepoints/cp1/remote-start", `{"connectorId":1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"1"}, cs.starts)

	rec, _ = do(t, s, http.MethodPost, "/api/chargepoints/cp1/remote-stop", `{"connectorId":1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int{1}, cs.stops)
}

func TestRemoteStartErrors(t *testing.T) {
	s, reg, _, cs := newServer(t)

	rec, body := do(t, s, http.MethodPost, "/api/chargepoints/cp1/remote-start", `{"connectorId":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, actions.CodeNotConnected, body["error"].(map[string]interface{})["code"])

	reg.Register("cp1", &fakeConnection{id: "cp1"})
	rec, body = do(t, s, http.MethodPost, "/api/chargepoints/cp1/remote-start", `{"connectorId":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, actions.CodeFormatNotValid, body["error"].(map[string]interface{})["code"])

	cs.sendErr = errors.New("socket closed")
	rec, body = do(t, s, http.MethodPost, "/api/chargepoints/cp1/remote-start", `{"connectorId":1}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var response common.Response
	bt, _ := json.Marshal(body)
	require.NoError(t, json.Unmarshal(bt, &response))
	assert.Equal(t, actions.CodeMessageNotSent, response.Err.Code)
}
