// Package natsnotifier publishes charge point events on NATS and serves
// operator commands with the request/reply pattern.
package natsnotifier

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ocpp_central/common"
	"ocpp_central/notifier"
)

const DefaultTimeout = 30 * time.Second

// Function answers one command on the given channel.
type Function func(chargePointID string, payload []byte, responseChannel chan common.Response)

type NatsCentralSystemNotifier struct {
	connection *nats.Conn
	subject    string
	timeout    time.Duration
	log        logrus.FieldLogger
	validator  *validator.Validate

	mu           sync.RWMutex
	handlers     map[string]Function
	subscription *nats.Subscription
}

// New serves requests on subject once Start is called. The connection stays
// owned by the caller.
func New(nc *nats.Conn, subject string, log logrus.FieldLogger) *NatsCentralSystemNotifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NatsCentralSystemNotifier{
		connection: nc,
		subject:    subject,
		timeout:    DefaultTimeout,
		log:        log,
		validator:  validator.New(),
		handlers:   make(map[string]Function),
	}
}

func (n *NatsCentralSystemNotifier) SetTimeout(timeout time.Duration) {
	n.timeout = timeout
}

func (n *NatsCentralSystemNotifier) Timeout() time.Duration {
	return n.timeout
}

func (n *NatsCentralSystemNotifier) AddHandler(action string, fn Function) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[action] = fn
}

func (n *NatsCentralSystemNotifier) handler(action string) (Function, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	fn, ok := n.handlers[action]
	return fn, ok
}

// Publish sends the notification data as JSON on the notification topic.
func (n *NatsCentralSystemNotifier) Publish(notification notifier.Notification) error {
	bt, err := json.Marshal(notification.Data)
	if err != nil {
		return errors.Wrap(err, "encoding notification")
	}
	return n.connection.Publish(notification.Topic, bt)
}

func (n *NatsCentralSystemNotifier) respond(m *nats.Msg, response common.Response) {
	bt, err := json.Marshal(response)
	if err != nil {
		n.log.Errorf("failed to encode response: %v", err)
		return
	}
	if response.Err != nil {
		n.log.Warnf("request failed: %s", response.Err.Error())
	}
	if err := m.Respond(bt); err != nil {
		n.log.Errorf("failed to respond: %v", err)
	}
}

func (n *NatsCentralSystemNotifier) requestHandler(m *nats.Msg) {
	n.log.Debugf("request received: %s", string(m.Data))

	var command common.Command
	if err := json.Unmarshal(m.Data, &command); err != nil || n.validator.Struct(&command) != nil {
		n.respond(m, common.Response{Err: &common.Error{
			Code:    "command.format.not.valid",
			Message: "the command is not valid",
		}})
		return
	}

	fn, exists := n.handler(command.Action)
	if !exists {
		n.respond(m, common.Response{Err: &common.Error{
			Code:    "command.action.not.found",
			Message: fmt.Sprintf("action %q does not exist", command.Action),
		}})
		return
	}

	payload, _ := json.Marshal(command.Payload)
	// Buffered so a late answer after the timeout does not block the sender.
	responseChannel := make(chan common.Response, 1)
	go fn(command.ChargePointId, payload, responseChannel)

	select {
	case response := <-responseChannel:
		n.respond(m, response)
	case <-time.After(n.timeout):
		n.respond(m, common.Response{Err: &common.Error{
			Code:    "request.timeout",
			Message: "the charge point did not answer in time",
		}})
	}
}

// Start subscribes to the request subject.
func (n *NatsCentralSystemNotifier) Start() error {
	sub, err := n.connection.Subscribe(n.subject, n.requestHandler)
	if err != nil {
		return errors.Wrapf(err, "subscribing to %s", n.subject)
	}
	n.mu.Lock()
	n.subscription = sub
	n.mu.Unlock()
	return nil
}

func (n *NatsCentralSystemNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subscription != nil {
		if err := n.subscription.Unsubscribe(); err != nil {
			n.log.Debugf("failed to unsubscribe: %v", err)
		}
		n.subscription = nil
		n.log.Info("nats notifier stopped")
	}
}

var _ notifier.Publisher = (*NatsCentralSystemNotifier)(nil)
