package connectors

import (
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
)

// NoTransaction marks a connector without an assumed-active transaction.
const NoTransaction = -1

// ConnectorInfo is the last reported state of one connector. ConnectorID 0
// is the charge point itself.
type ConnectorInfo struct {
	ConnectorID   int                       `json:"connectorId"`
	Status        core.ChargePointStatus    `json:"status"`
	ErrorCode     core.ChargePointErrorCode `json:"errorCode,omitempty"`
	TransactionID int                       `json:"transactionId"`
	UpdatedAt     time.Time                 `json:"updatedAt"`
	// Raw is the last StatusNotification received for the connector.
	Raw core.StatusNotificationRequest `json:"raw"`
}

// FromStatusNotification builds the connector projection of a
// StatusNotification.
func FromStatusNotification(request *core.StatusNotificationRequest) ConnectorInfo {
	info := ConnectorInfo{
		ConnectorID:   request.ConnectorId,
		Status:        request.Status,
		ErrorCode:     request.ErrorCode,
		TransactionID: NoTransaction,
		UpdatedAt:     time.Now().UTC(),
		Raw:           *request,
	}
	if request.Timestamp != nil && !request.Timestamp.IsZero() {
		info.UpdatedAt = request.Timestamp.Time
	}
	return info
}

func (c *ConnectorInfo) HasTransactionInProgress() bool {
	return c.TransactionID >= 0
}
