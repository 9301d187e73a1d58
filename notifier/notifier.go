// Package notifier carries charge point events from the dispatcher to the
// message bus publishers.
package notifier

import (
	"encoding/json"

	"github.com/sirupsen/logrus"
)

const (
	TopicBootNotification   = "boot.notification"
	TopicAuthorize          = "authorize"
	TopicStartTransaction   = "start.transaction"
	TopicStopTransaction    = "stop.transaction"
	TopicHeartbeat          = "heartbeat"
	TopicStatusNotification = "status.notification"
)

// DefaultBuffer is the capacity of the channel built by NewChannel.
const DefaultBuffer = 256

type Notification struct {
	Topic string
	Data  map[string]interface{}
}

// New flattens payload into the notification data and tags it with the
// charge point id.
func New(topic string, chargePointId string, payload interface{}) Notification {
	data := make(map[string]interface{})
	if payload != nil {
		if bt, err := json.Marshal(payload); err == nil {
			_ = json.Unmarshal(bt, &data)
		}
	}
	data["chargePointId"] = chargePointId
	return Notification{Topic: topic, Data: data}
}

func NewChannel() chan Notification {
	return make(chan Notification, DefaultBuffer)
}

// Send never blocks: when ch is nil nothing happens, when it is full the
// notification is dropped with a warning.
func Send(log logrus.FieldLogger, ch chan<- Notification, n Notification) bool {
	if ch == nil {
		return false
	}
	select {
	case ch <- n:
		return true
	default:
		log.WithField("topic", n.Topic).Warn("notification channel full, dropping event")
		return false
	}
}

// Publisher delivers notifications to a message bus.
type Publisher interface {
	Publish(n Notification) error
}

// Forward publishes every notification from ch until it is closed or done is
// closed. Publish errors are logged and do not stop forwarding.
func Forward(log logrus.FieldLogger, ch <-chan Notification, done <-chan struct{}, publishers ...Publisher) {
	for {
		select {
		case <-done:
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			for _, p := range publishers {
				if err := p.Publish(n); err != nil {
					log.WithField("topic", n.Topic).Errorf("failed to publish notification: %v", err)
				}
			}
		}
	}
}
