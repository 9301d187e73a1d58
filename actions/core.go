package actions

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/pkg/errors"

	"ocpp_central/common"
)

// Operator action names accepted on the request subject.
const (
	RemoteStartTransactionAction = "remote.start.transaction"
	RemoteStopTransactionAction  = "remote.stop.transaction"
	ChangeAvailabilityAction     = "change.availability"
	ResetAction                  = "reset"
	UnlockConnectorAction        = "unlock.connector"
	ClearCacheAction             = "clear.cache"
	GetConfigurationAction       = "get.configuration"
	ChangeConfigurationAction    = "change.configuration"
)

// Operator facing error codes.
const (
	CodeFormatNotValid    = "command.format.not.valid"
	CodeNotConnected      = "command.charge.point.not.connected"
	CodeMessageNotSent    = "command.message.not.send"
	CodeChargePointFailed = "command.charge.point.error"

	CodeConfigurationKeyUnsupported = "command.change.configuration.key.unsupported"
	CodeConfigurationReadOnly       = "command.change.configuration.readonly"
)

// Function answers one operator command on responseChannel, exactly once.
type Function func(chargePointID string, payload []byte, responseChannel chan common.Response)

type connectorPayload struct {
	ConnectorId int `json:"connectorId" validate:"gt=0"`
}

type availabilityPayload struct {
	ConnectorId int    `json:"connectorId" validate:"gte=0"`
	Type        string `json:"type" validate:"required,oneof=Operative Inoperative"`
}

type resetPayload struct {
	Type string `json:"type" validate:"required,oneof=Hard Soft"`
}

type getConfigurationPayload struct {
	Key []string `json:"key" validate:"omitempty,dive,required,max=50"`
}

type changeConfigurationPayload struct {
	Key   string `json:"key" validate:"required,max=50"`
	Value string `json:"value" validate:"required,max=500"`
}

type configurationValue struct {
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

// CoreProfileActions exposes the sender as request/reply handlers.
type CoreProfileActions struct {
	sender    *Sender
	validator *validator.Validate
}

func InitializeCoreProfileActions(sender *Sender) *CoreProfileActions {
	return &CoreProfileActions{
		sender:    sender,
		validator: validator.New(),
	}
}

// Handlers returns the actions keyed by name.
func (this *CoreProfileActions) Handlers() map[string]Function {
	return map[string]Function{
		RemoteStartTransactionAction: this.RemoteStartTransaction,
		RemoteStopTransactionAction:  this.RemoteStopTransaction,
		ChangeAvailabilityAction:     this.ChangeAvailability,
		ResetAction:                  this.Reset,
		UnlockConnectorAction:        this.UnlockConnector,
		ClearCacheAction:             this.ClearCache,
		GetConfigurationAction:       this.GetConfiguration,
		ChangeConfigurationAction:    this.ChangeConfiguration,
	}
}

func (this *CoreProfileActions) decode(payload []byte, v interface{}) *common.Error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &common.Error{Code: CodeFormatNotValid, Message: fmt.Sprintf("invalid payload: %v", err)}
	}
	if err := this.validator.Struct(v); err != nil {
		return &common.Error{Code: CodeFormatNotValid, Message: err.Error()}
	}
	return nil
}

// ErrorResponse maps a sender error to the operator error envelope.
func ErrorResponse(chargePointID string, err error) common.Response {
	if errors.Is(err, ErrInvalidChargeLimit) {
		return common.Response{Err: &common.Error{Code: CodeFormatNotValid, Message: err.Error()}}
	}
	if errors.Is(err, ErrNotConnected) {
		return common.Response{Err: &common.Error{
			Code:    CodeNotConnected,
			Message: fmt.Sprintf("charge point %v is not connected", chargePointID),
		}}
	}
	return common.Response{Err: &common.Error{
		Code:    CodeMessageNotSent,
		Message: fmt.Sprintf("could not send the command to charge point %v: %v", chargePointID, err),
	}}
}

// reply forwards the charge point's answer.
func reply(responseChannel chan common.Response) Result {
	return func(status string, err error) {
		if err != nil {
			responseChannel <- common.Response{Err: &common.Error{Code: CodeChargePointFailed, Message: err.Error()}}
			return
		}
		responseChannel <- common.Response{Payload: map[string]interface{}{"status": status}}
	}
}

func (this *CoreProfileActions) RemoteStartTransaction(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request connectorPayload
	if e := this.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	if err := this.sender.remoteStart(chargePointID, request.ConnectorId, reply(responseChannel)); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}

func (this *CoreProfileActions) RemoteStopTransaction(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request connectorPayload
	if e := this.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	if err := this.sender.remoteStop(chargePointID, request.ConnectorId, reply(responseChannel)); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}

func (this *CoreProfileActions) ChangeAvailability(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request availabilityPayload
	if e := this.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	operative := request.Type == "Operative"
	if err := this.sender.changeAvailability(chargePointID, request.ConnectorId, operative, reply(responseChannel)); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}

func (this *CoreProfileActions) Reset(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request resetPayload
	if e := this.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	if err := this.sender.reset(chargePointID, request.Type == "Hard", reply(responseChannel)); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}

func (this *CoreProfileActions) UnlockConnector(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request connectorPayload
	if e := this.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	if err := this.sender.unlockConnector(chargePointID, request.ConnectorId, reply(responseChannel)); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}

// ClearCache takes no payload.
func (this *CoreProfileActions) ClearCache(chargePointID string, payload []byte, responseChannel chan common.Response) {
	if err := this.sender.clearCache(chargePointID, reply(responseChannel)); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}

// GetConfiguration answers with every reported key, or the requested ones.
func (this *CoreProfileActions) GetConfiguration(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request getConfigurationPayload
	if e := this.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	result := func(keys []core.ConfigurationKey, unknown []string, err error) {
		if err != nil {
			responseChannel <- common.Response{Err: &common.Error{Code: CodeChargePointFailed, Message: err.Error()}}
			return
		}
		configuration := make(map[string]configurationValue, len(keys))
		for _, key := range keys {
			configuration[key.Key] = configurationValue{Readonly: key.Readonly, Value: key.Value}
		}
		response := map[string]interface{}{"configuration": configuration}
		if len(unknown) > 0 {
			response["unknownKey"] = unknown
		}
		responseChannel <- common.Response{Payload: response}
	}
	if err := this.sender.getConfiguration(chargePointID, request.Key, result); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}

// ChangeConfiguration reports unsupported and read-only keys as errors.
func (this *CoreProfileActions) ChangeConfiguration(chargePointID string, payload []byte, responseChannel chan common.Response) {
	var request changeConfigurationPayload
	if e := this.decode(payload, &request); e != nil {
		responseChannel <- common.Response{Err: e}
		return
	}
	result := func(status string, err error) {
		switch {
		case err != nil:
			responseChannel <- common.Response{Err: &common.Error{Code: CodeChargePointFailed, Message: err.Error()}}
		case status == string(core.ConfigurationStatusNotSupported):
			responseChannel <- common.Response{Err: &common.Error{
				Code:    CodeConfigurationKeyUnsupported,
				Message: fmt.Sprintf("key %v is not part of the configuration of %v", request.Key, chargePointID),
			}}
		case status == string(core.ConfigurationStatusRejected):
			responseChannel <- common.Response{Err: &common.Error{
				Code:    CodeConfigurationReadOnly,
				Message: fmt.Sprintf("key %v is read only", request.Key),
			}}
		default:
			responseChannel <- common.Response{Payload: map[string]interface{}{"status": status}}
		}
	}
	if err := this.sender.changeConfiguration(chargePointID, request.Key, request.Value, result); err != nil {
		responseChannel <- ErrorResponse(chargePointID, err)
	}
}
