package dispatcher

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"ocpp_central/store"
)

// State fields provisioned under every charge point.
const (
	FieldConnected         = "connected"
	FieldStatus            = "status"
	FieldConnectorID       = "connectorId"
	FieldTransactionActive = "transactionActive"
	FieldMeterValues       = "meterValues"
	FieldAvailability      = "availability"
	FieldChargeLimit       = "chargeLimit"
	// FieldEnabled is written by operators to start or stop charging.
	FieldEnabled = "enabled"
)

var chargePointStatuses = []string{
	string(core.ChargePointStatusAvailable),
	string(core.ChargePointStatusPreparing),
	string(core.ChargePointStatusCharging),
	string(core.ChargePointStatusSuspendedEVSE),
	string(core.ChargePointStatusSuspendedEV),
	string(core.ChargePointStatusFinishing),
	string(core.ChargePointStatusReserved),
	string(core.ChargePointStatusUnavailable),
	string(core.ChargePointStatusFaulted),
}

var minChargeLimit = 0.0

type stateObject struct {
	Field  string
	Object store.Object
}

// stateObjects returns the definitions provisioned below a charge point.
func stateObjects() []stateObject {
	return []stateObject{
		{FieldConnected, store.Object{Type: "state", Common: store.Common{
			Name: "If connected to server", Type: "boolean", Role: "indicator.connected", Read: true,
		}}},
		{FieldStatus, store.Object{Type: "state", Common: store.Common{
			Name: "Current status of wallbox", Type: "string", Role: "indicator.status", Read: true,
			States: chargePointStatuses,
		}}},
		{FieldConnectorID, store.Object{Type: "state", Common: store.Common{
			Name: "Connector ID", Type: "number", Role: "text", Read: true,
		}}},
		{FieldTransactionActive, store.Object{Type: "state", Common: store.Common{
			Name: "Transaction active", Type: "boolean", Role: "switch.power", Read: true, Write: true,
		}}},
		{FieldMeterValues, store.Object{Type: "channel", Common: store.Common{
			Name: "Meter values",
		}}},
		{FieldAvailability, store.Object{Type: "state", Common: store.Common{
			Name: "Switch availability", Type: "boolean", Role: "switch.power", Read: true, Write: true,
		}}},
		{FieldChargeLimit, store.Object{Type: "state", Common: store.Common{
			Name: "Limit Ampere of Charger", Type: "number", Role: "value.power", Read: true, Write: true,
			Unit: "A", Min: &minChargeLimit,
		}}},
	}
}

func deviceObject(identity string) store.Object {
	return store.Object{
		Type:   "device",
		Common: store.Common{Name: identity},
		Native: map[string]interface{}{},
	}
}
