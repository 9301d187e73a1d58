// Package api serves the operator HTTP interface: charge point status and
// remote start/stop.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ocpp_central/actions"
	"ocpp_central/common"
	"ocpp_central/connectors"
	"ocpp_central/registry"
)

const CodeChargePointNotFound = "charge.point.not.found"

type requestValidator struct {
	validator *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validator.Struct(i)
}

// ChargePointSummary is one registered charge point.
type ChargePointSummary struct {
	Identity   string     `json:"identity"`
	RemoteAddr string     `json:"remoteAddr,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

type ChargePointDetail struct {
	Identity  string               `json:"identity"`
	Connected bool                 `json:"connected"`
	Boot      *connectors.BootInfo `json:"boot,omitempty"`
}

type connectorRequest struct {
	ConnectorId int `json:"connectorId" validate:"gt=0"`
}

type Handler struct {
	registry *registry.Registry
	tracker  *connectors.Tracker
	sender   *actions.Sender
	log      logrus.FieldLogger
}

func NewHandler(reg *registry.Registry, tracker *connectors.Tracker, sender *actions.Sender, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{registry: reg, tracker: tracker, sender: sender, log: log}
}

// Server wraps the echo instance serving Handler.
type Server struct {
	echo *echo.Echo
	log  logrus.FieldLogger
}

func NewServer(h *Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validator: validator.New()}

	g := e.Group("/api")
	g.GET("/chargepoints", h.ListChargePoints)
	g.GET("/chargepoints/:id", h.GetChargePoint)
	g.POST("/chargepoints/:id/remote-start", h.RemoteStart)
	g.POST("/chargepoints/:id/remote-stop", h.RemoteStop)
	return &Server{echo: e, log: h.log}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves on address until Shutdown is called.
func (s *Server) Start(address string) error {
	s.log.Infof("starting operator api on %s", address)
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (h *Handler) ListChargePoints(c echo.Context) error {
	entries := h.registry.Entries()
	summaries := make([]ChargePointSummary, 0, len(entries))
	for _, entry := range entries {
		summary := ChargePointSummary{Identity: entry.Identity}
		if entry.Connection != nil && entry.Connection.RemoteAddr() != nil {
			summary.RemoteAddr = entry.Connection.RemoteAddr().String()
		}
		if !entry.Deadline.IsZero() {
			deadline := entry.Deadline
			summary.Deadline = &deadline
		}
		summaries = append(summaries, summary)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"chargePoints": summaries,
		"count":        len(summaries),
	})
}

func (h *Handler) GetChargePoint(c echo.Context) error {
	id := c.Param("id")
	detail := ChargePointDetail{Identity: id, Connected: h.registry.Has(id)}
	if info, ok := h.tracker.Info(id); ok {
		detail.Boot = &info
	}
	if !detail.Connected && detail.Boot == nil {
		return c.JSON(http.StatusNotFound, common.Response{Err: &common.Error{
			Code:    CodeChargePointNotFound,
			Message: "unknown charge point " + id,
		}})
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) RemoteStart(c echo.Context) error {
	return h.command(c, h.sender.SendRemoteStart)
}

func (h *Handler) RemoteStop(c echo.Context) error {
	return h.command(c, h.sender.SendRemoteStop)
}

func (h *Handler) command(c echo.Context, send func(chargePointID string, connectorID int) error) error {
	id := c.Param("id")
	var request connectorRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, formatError(err))
	}
	if err := c.Validate(&request); err != nil {
		return c.JSON(http.StatusBadRequest, formatError(err))
	}

	if err := send(id, request.ConnectorId); err != nil {
		response := actions.ErrorResponse(id, err)
		if errors.Is(err, actions.ErrNotConnected) {
			return c.JSON(http.StatusNotFound, response)
		}
		h.log.WithField("client", id).Errorf("failed to send command: %v", err)
		return c.JSON(http.StatusBadGateway, response)
	}
	return c.JSON(http.StatusAccepted, common.Response{Payload: map[string]interface{}{"status": "sent"}})
}

func formatError(err error) common.Response {
	return common.Response{Err: &common.Error{Code: actions.CodeFormatNotValid, Message: err.Error()}}
}
