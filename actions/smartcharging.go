package actions

import (
	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/pkg/errors"

	"ocpp_central/common"
)

const SetChargeLimitAction = "set.charge.limit"

// ChargeLimitProfileID identifies the default profile carrying the operator
// charge limit. Each new limit replaces the previous profile.
const ChargeLimitProfileID = 1

// ErrInvalidChargeLimit is returned for negative limits.
var ErrInvalidChargeLimit = errors.New("charge limit must not be negative")

type chargeLimitPayload struct {
	ConnectorId int     `json:"connectorId" validate:"gte=0"`
	Limit       float64 `json:"limit" validate:"gte=0"`
}

// chargeLimitProfile limits every transaction to amperes from its start.
func chargeLimitProfile(amperes float64) *types.ChargingProfile {
	schedule := types.NewChargingSchedule(types.ChargingRateUnitAmperes, types.NewChargingSchedulePeriod(0, amperes))
	return types.NewChargingProfile(ChargeLimitProfileID, 0, types.ChargingProfilePurposeTxDefaultProfile, types.ChargingProfileKindRelative, schedule)
}

// SendChargeLimit caps the charging current of connectorID, or of the whole
// charge point for connector 0, to amperes.
func (s *Sender) SendChargeLimit(chargePointID string, connectorID int, amperes float64) error {
	return s.chargeLimit(chargePointID, connectorID, amperes, s.logResult(chargePointID, smartcharging.SetChargingProfileFeatureName))
}

func (s *Sender) chargeLimit(chargePointID string, connectorID int, amperes float64, result Result) error {
	if amperes < 0 {
		return errors.Wrapf(ErrInvalidChargeLimit, "%v A", amperes)
	}
	if err := s.checkConnected(chargePointID); err != nil {
		return err
	}
	cb := func(confirmation *smartcharging.SetChargingProfileConfirmation, err error) {
		if err != nil {
			result("", err)
			return
		}
		result(string(confirmation.Status), nil)
	}
	err := s.centralSystem.SetChargingProfile(chargePointID, cb, connectorID, chargeLimitProfile(amperes))
	return s.sent(chargePointID, smartcharging.SetChargingProfileFeatureName, err)
}

// SmartChargingProfileActions exposes charge limits as request/reply handlers.
type SmartChargingProfileActions struct {
	core *CoreProfileActions
}

func InitializeSmartChargingProfileActions(sender *Sender) *SmartChargingProfileActions {
	return &SmartChargingProfileActions{core: &CoreProfileActions{sender: sender, validator: validator.New()}}
}

func (this *SmartChargingProfileActions) Handlers() map[string]Function {
	return map[string]Function{
		SetChargeLimitAction: this.SetChargingProfile,
	}
}

func (this *SmartChargingProfileActions) SetChargingProfile(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request chargeLimitPayload
	if e := this.core.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	if err := this.core.sender.chargeLimit(chargePointID, request.ConnectorId, request.Limit, reply(responseChannel)); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}
