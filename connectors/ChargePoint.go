package connectors

import (
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

// BootInfo is what a charge point reported in its last BootNotification,
// plus the connectors it reported since.
type BootInfo struct {
	ChargePointVendor       string          `json:"chargePointVendor"`
	ChargePointModel        string          `json:"chargePointModel"`
	ChargePointSerialNumber string          `json:"chargePointSerialNumber,omitempty"`
	ChargeBoxSerialNumber   string          `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion         string          `json:"firmwareVersion,omitempty"`
	Iccid                   string          `json:"iccid,omitempty"`
	Imsi                    string          `json:"imsi,omitempty"`
	MeterType               string          `json:"meterType,omitempty"`
	MeterSerialNumber       string          `json:"meterSerialNumber,omitempty"`
	BootedAt                time.Time       `json:"bootedAt"`
	Connectors              []ConnectorInfo `json:"connectors"`
}

// FromBootNotification builds a BootInfo with an empty connector list.
func FromBootNotification(request *core.BootNotificationRequest) BootInfo {
	return BootInfo{
		ChargePointVendor:       request.ChargePointVendor,
		ChargePointModel:        request.ChargePointModel,
		ChargePointSerialNumber: request.ChargePointSerialNumber,
		ChargeBoxSerialNumber:   request.ChargeBoxSerialNumber,
		FirmwareVersion:         request.FirmwareVersion,
		Iccid:                   request.Iccid,
		Imsi:                    request.Imsi,
		MeterType:               request.MeterType,
		MeterSerialNumber:       request.MeterSerialNumber,
		BootedAt:                time.Now().UTC(),
		Connectors:              []ConnectorInfo{},
	}
}

func (b BootInfo) clone() BootInfo {
	out := b
	out.Connectors = make([]ConnectorInfo, len(b.Connectors))
	copy(out.Connectors, b.Connectors)
	return out
}

func (b *BootInfo) connectorIndex(id int) int {
	for i := range b.Connectors {
		if b.Connectors[i].ConnectorID == id {
			return i
		}
	}
	return -1
}

// Tracker is the in-memory projection of every charge point's boot info and
// connectors. Entries live for the process lifetime only.
type Tracker struct {
	mu           sync.RWMutex
	chargePoints map[string]*BootInfo
}

func NewTracker() *Tracker {
	return &Tracker{
		chargePoints: map[string]*BootInfo{},
	}
}

func (t *Tracker) getChargePoint(identity string) *BootInfo {
	cp, ok := t.chargePoints[identity]
	if !ok {
		cp = &BootInfo{Connectors: []ConnectorInfo{}}
		t.chargePoints[identity] = cp
	}
	return cp
}

// Boot replaces the boot info of identity wholesale. The connector list always
// starts empty and is repopulated by StatusNotification.
func (t *Tracker) Boot(identity string, info BootInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info.Connectors = []ConnectorInfo{}
	t.chargePoints[identity] = &info
}

// UpsertConnector replaces the entry with the same connector id in place, or
// appends a new one. An assumed-active transaction survives the replacement.
func (t *Tracker) UpsertConnector(identity string, connector ConnectorInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := t.getChargePoint(identity)
	idx := cp.connectorIndex(connector.ConnectorID)
	if idx == -1 {
		cp.Connectors = append(cp.Connectors, connector)
		return
	}
	if connector.TransactionID == NoTransaction {
		connector.TransactionID = cp.Connectors[idx].TransactionID
	}
	cp.Connectors[idx] = connector
}

// Connectors returns a copy of the connectors of identity in the order they
// were first reported.
func (t *Tracker) Connectors(identity string) []ConnectorInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cp, ok := t.chargePoints[identity]
	if !ok {
		return []ConnectorInfo{}
	}
	return cp.clone().Connectors
}

func (t *Tracker) Info(identity string) (BootInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cp, ok := t.chargePoints[identity]
	if !ok {
		return BootInfo{}, false
	}
	return cp.clone(), true
}

// StartTransaction records transactionID as the active transaction of the
// connector, creating the connector entry if it was never reported.
func (t *Tracker) StartTransaction(identity string, connectorID int, transactionID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := t.getChargePoint(identity)
	idx := cp.connectorIndex(connectorID)
	if idx == -1 {
		cp.Connectors = append(cp.Connectors, ConnectorInfo{
			ConnectorID:   connectorID,
			TransactionID: transactionID,
			UpdatedAt:     time.Now().UTC(),
		})
		return
	}
	cp.Connectors[idx].TransactionID = transactionID
}

// StopTransaction clears transactionID from whichever connector holds it and
// returns that connector id, or -1.
func (t *Tracker) StopTransaction(identity string, transactionID int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp, ok := t.chargePoints[identity]
	if !ok {
		return -1
	}
	for i := range cp.Connectors {
		if cp.Connectors[i].TransactionID == transactionID {
			cp.Connectors[i].TransactionID = NoTransaction
			return cp.Connectors[i].ConnectorID
		}
	}
	return -1
}
