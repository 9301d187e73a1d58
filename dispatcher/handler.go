package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocppj"
	"github.com/pkg/errors"

	"ocpp_central/registry"
)

// RequestTimeout bounds the store work done for one incoming request.
const RequestTimeout = 30 * time.Second

// CentralSystemHandler adapts the core profile callbacks of ocpp-go to the
// dispatcher and tracks the live connection of every charge point.
type CentralSystemHandler struct {
	dispatcher *Dispatcher

	mu          sync.RWMutex
	connections map[string]registry.Connection
}

func NewCentralSystemHandler(dispatcher *Dispatcher) *CentralSystemHandler {
	return &CentralSystemHandler{
		dispatcher:  dispatcher,
		connections: map[string]registry.Connection{},
	}
}

// OnNewChargePoint is wired to SetNewChargePointHandler.
func (handler *CentralSystemHandler) OnNewChargePoint(conn registry.Connection) {
	handler.mu.Lock()
	handler.connections[conn.ID()] = conn
	handler.mu.Unlock()

	handler.dispatcher.log.WithField("client", conn.ID()).Infof("new charge point connected from %v", conn.RemoteAddr())
}

// OnChargePointDisconnected is wired to SetChargePointDisconnectedHandler.
func (handler *CentralSystemHandler) OnChargePointDisconnected(conn registry.Connection) {
	handler.mu.Lock()
	if current, ok := handler.connections[conn.ID()]; ok && current == conn {
		delete(handler.connections, conn.ID())
	}
	handler.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()
	if err := handler.dispatcher.Disconnect(ctx, conn.ID(), conn); err != nil {
		handler.dispatcher.log.WithField("client", conn.ID()).Errorf("failed to process disconnect: %v", err)
	}
}

func (handler *CentralSystemHandler) connection(chargePointId string) registry.Connection {
	handler.mu.RLock()
	defer handler.mu.RUnlock()
	return handler.connections[chargePointId]
}

func (handler *CentralSystemHandler) handle(chargePointId string, request ocpp.Request) (ocpp.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()

	response, err := handler.dispatcher.Handle(ctx, chargePointId, handler.connection(chargePointId), request)
	if errors.Is(err, ErrUnimplementedCommand) {
		return nil, ocpp.NewError(ocppj.NotImplemented, "command not implemented by central system", "")
	}
	return response, err
}

// ------------- Core profile callbacks -------------

func (handler *CentralSystemHandler) OnAuthorize(chargePointId string, request *core.AuthorizeRequest) (confirmation *core.AuthorizeConfirmation, err error) {
	response, err := handler.handle(chargePointId, request)
	if err != nil {
		return nil, err
	}
	return response.(*core.AuthorizeConfirmation), nil
}

func (handler *CentralSystemHandler) OnBootNotification(chargePointId string, request *core.BootNotificationRequest) (confirmation *core.BootNotificationConfirmation, err error) {
	response, err := handler.handle(chargePointId, request)
	if err != nil {
		return nil, err
	}
	return response.(*core.BootNotificationConfirmation), nil
}

func (handler *CentralSystemHandler) OnDataTransfer(chargePointId string, request *core.DataTransferRequest) (confirmation *core.DataTransferConfirmation, err error) {
	_, err = handler.handle(chargePointId, request)
	return nil, err
}

func (handler *CentralSystemHandler) OnHeartbeat(chargePointId string, request *core.HeartbeatRequest) (confirmation *core.HeartbeatConfirmation, err error) {
	response, err := handler.handle(chargePointId, request)
	if err != nil {
		return nil, err
	}
	return response.(*core.HeartbeatConfirmation), nil
}

func (handler *CentralSystemHandler) OnMeterValues(chargePointId string, request *core.MeterValuesRequest) (confirmation *core.MeterValuesConfirmation, err error) {
	_, err = handler.handle(chargePointId, request)
	return nil, err
}

func (handler *CentralSystemHandler) OnStatusNotification(chargePointId string, request *core.StatusNotificationRequest) (confirmation *core.StatusNotificationConfirmation, err error) {
	response, err := handler.handle(chargePointId, request)
	if err != nil {
		return nil, err
	}
	return response.(*core.StatusNotificationConfirmation), nil
}

func (handler *CentralSystemHandler) OnStartTransaction(chargePointId string, request *core.StartTransactionRequest) (confirmation *core.StartTransactionConfirmation, err error) {
	response, err := handler.handle(chargePointId, request)
	if err != nil {
		return nil, err
	}
	return response.(*core.StartTransactionConfirmation), nil
}

func (handler *CentralSystemHandler) OnStopTransaction(chargePointId string, request *core.StopTransactionRequest) (confirmation *core.StopTransactionConfirmation, err error) {
	response, err := handler.handle(chargePointId, request)
	if err != nil {
		return nil, err
	}
	return response.(*core.StopTransactionConfirmation), nil
}

var _ core.CentralSystemHandler = (*CentralSystemHandler)(nil)
