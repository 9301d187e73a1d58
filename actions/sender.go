// Package actions sends central system initiated OCPP commands to connected
// charge points on behalf of operators.
package actions

import (
	"strconv"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ocpp_central/logging"
	"ocpp_central/registry"
)

// ErrNotConnected is returned when the addressed charge point has no live
// connection.
var ErrNotConnected = errors.New("charge point not connected")

// CentralSystem is the part of ocpp16.CentralSystem the sender uses.
type CentralSystem interface {
	RemoteStartTransaction(clientId string, callback func(*core.RemoteStartTransactionConfirmation, error), idTag string, props ...func(request *core.RemoteStartTransactionRequest)) error
	RemoteStopTransaction(clientId string, callback func(*core.RemoteStopTransactionConfirmation, error), transactionId int, props ...func(request *core.RemoteStopTransactionRequest)) error
	ChangeAvailability(clientId string, callback func(*core.ChangeAvailabilityConfirmation, error), connectorId int, availabilityType core.AvailabilityType, props ...func(request *core.ChangeAvailabilityRequest)) error
	Reset(clientId string, callback func(*core.ResetConfirmation, error), resetType core.ResetType, props ...func(request *core.ResetRequest)) error
	UnlockConnector(clientId string, callback func(*core.UnlockConnectorConfirmation, error), connectorId int, props ...func(request *core.UnlockConnectorRequest)) error
	ClearCache(clientId string, callback func(*core.ClearCacheConfirmation, error), props ...func(request *core.ClearCacheRequest)) error
	GetConfiguration(clientId string, callback func(*core.GetConfigurationConfirmation, error), keys []string, props ...func(request *core.GetConfigurationRequest)) error
	ChangeConfiguration(clientId string, callback func(*core.ChangeConfigurationConfirmation, error), key string, value string, props ...func(request *core.ChangeConfigurationRequest)) error
	SetChargingProfile(clientId string, callback func(*smartcharging.SetChargingProfileConfirmation, error), connectorId int, chargingProfile *types.ChargingProfile, props ...func(request *smartcharging.SetChargingProfileRequest)) error
}

// Result receives the charge point's answer to a command, or the error that
// prevented one.
type Result func(status string, err error)

type Sender struct {
	centralSystem CentralSystem
	registry      *registry.Registry
	log           logrus.FieldLogger
}

func NewSender(centralSystem CentralSystem, reg *registry.Registry, log logrus.FieldLogger) *Sender {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sender{
		centralSystem: centralSystem,
		registry:      reg,
		log:           log,
	}
}

func (s *Sender) logResult(chargePointID string, feature string) Result {
	return func(status string, err error) {
		if err != nil {
			logging.Default(s.log, chargePointID, feature).Errorf("error on request: %v", err)
			return
		}
		logging.Default(s.log, chargePointID, feature).Infof("charge point answered %s", status)
	}
}

func (s *Sender) checkConnected(chargePointID string) error {
	if !s.registry.Has(chargePointID) {
		return errors.Wrap(ErrNotConnected, chargePointID)
	}
	return nil
}

// SendRemoteStart asks the charge point to start charging on connectorID. The
// connector id doubles as the id tag. The answer is only logged.
func (s *Sender) SendRemoteStart(chargePointID string, connectorID int) error {
	return s.remoteStart(chargePointID, connectorID, s.logResult(chargePointID, core.RemoteStartTransactionFeatureName))
}

func (s *Sender) remoteStart(chargePointID string, connectorID int, result Result) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	cb := func(confirmation *core.RemoteStartTransactionConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	err := s.centralSystem.RemoteStartTransaction(chargePointID, cb, strconv.Itoa(connectorID), func(request *core.RemoteStartTransactionRequest) {
		request.ConnectorId = &connectorID
	})
	if err != nil {
		return errors.Wrapf(err, "sending remote start to %s", chargePointID)
	}
	logging.Default(s.log, chargePointID, core.RemoteStartTransactionFeatureName).Infof("remote start sent for connector %d", connectorID)
	return nil
}

// SendRemoteStop asks the charge point to stop the transaction running on
// connectorID. Transactions are addressed by connector id.
func (s *Sender) SendRemoteStop(chargePointID string, connectorID int) error {
	return s.remoteStop(chargePointID, connectorID, s.logResult(chargePointID, core.RemoteStopTransactionFeatureName))
}

func (s *Sender) remoteStop(chargePointID string, connectorID int, result Result) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	cb := func(confirmation *core.RemoteStopTransactionConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	if err := s.centralSystem.RemoteStopTransaction(chargePointID, cb, connectorID); err != nil {
		return errors.Wrapf(err, "sending remote stop to %s", chargePointID)
	}
	logging.Default(s.log, chargePointID, core.RemoteStopTransactionFeatureName).Infof("remote stop sent for connector %d", connectorID)
	return nil
}

// SendChangeAvailability switches connectorID operative or inoperative.
func (s *Sender) SendChangeAvailability(chargePointID string, connectorID int, operative bool) error {
	return s.changeAvailability(chargePointID, connectorID, operative, s.logResult(chargePointID, core.ChangeAvailabilityFeatureName))
}

func (s *Sender) changeAvailability(chargePointID string, connectorID int, operative bool, result Result) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	availability := core.AvailabilityTypeInoperative
	if operative {
		availability = core.AvailabilityTypeOperative
	}
	cb := func(confirmation *core.ChangeAvailabilityConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	if err := s.centralSystem.ChangeAvailability(chargePointID, cb, connectorID, availability); err != nil {
		return errors.Wrapf(err, "sending change availability to %s", chargePointID)
	}
	logging.Default(s.log, chargePointID, core.ChangeAvailabilityFeatureName).Infof("connector %d set %s", connectorID, availability)
	return nil
}

// sent wraps the error of a send and logs successful ones.
func (s *Sender) sent(chargePointID string, feature string, err error) error {
	if err != nil {
		return errors.Wrapf(err, "sending %s to %s", feature, chargePointID)
	}
	logging.Default(s.log, chargePointID, feature).Info("request sent")
	return nil
}

// SendReset asks the charge point to reboot, hard or soft.
func (s *Sender) SendReset(chargePointID string, hard bool) error {
	return s.reset(chargePointID, hard, s.logResult(chargePointID, core.ResetFeatureName))
}

func (s *Sender) reset(chargePointID string, hard bool, result Result) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	resetType := core.ResetTypeSoft
	if hard {
		resetType = core.ResetTypeHard
	}
	cb := func(confirmation *core.ResetConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	return s.sent(chargePointID, core.ResetFeatureName, s.centralSystem.Reset(chargePointID, cb, resetType))
}

func (s *Sender) unlockConnector(chargePointID string, connectorID int, result Result) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	cb := func(confirmation *core.UnlockConnectorConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	return s.sent(chargePointID, core.UnlockConnectorFeatureName, s.centralSystem.UnlockConnector(chargePointID, cb, connectorID))
}

func (s *Sender) clearCache(chargePointID string, result Result) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	cb := func(confirmation *core.ClearCacheConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	return s.sent(chargePointID, core.ClearCacheFeatureName, s.centralSystem.ClearCache(chargePointID, cb))
}

func (s *Sender) changeConfiguration(chargePointID string, key string, value string, result Result) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	cb := func(confirmation *core.ChangeConfigurationConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	return s.sent(chargePointID, core.ChangeConfigurationFeatureName, s.centralSystem.ChangeConfiguration(chargePointID, cb, key, value))
}

// ConfigurationResult receives the configuration keys reported by a charge
// point, or the error that prevented an answer.
type ConfigurationResult func(keys []core.ConfigurationKey, unknown []string, err error)

func (s *Sender) getConfiguration(chargePointID string, keys []string, result ConfigurationResult) error {
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	cb := func(confirmation *core.GetConfigurationConfirmation, err error) {
		if err != nil {
			result(nil, nil, err)
			return
		}
		result(confirmation.ConfigurationKey, confirmation.UnknownKey, nil)
	}
	return s.sent(chargePointID, core.GetConfigurationFeatureName, s.centralSystem.GetConfiguration(chargePointID, cb, keys))
}
