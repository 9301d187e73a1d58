// Package mqttnotifier publishes charge point events on an MQTT broker under
// "<base topic>/<charge point>/<event>".
package mqttnotifier

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"ocpp_central/config"
	"ocpp_central/notifier"
)

const publishTimeout = 5 * time.Second

// Client is the part of mqtt.Client used for publishing.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Publisher struct {
	client    Client
	baseTopic string
	log       logrus.FieldLogger
}

func New(client Client, baseTopic string, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Publisher{client: client, baseTopic: baseTopic, log: log}
}

// Connect dials the broker described by settings.
func Connect(settings *config.MQTTSettings, log logrus.FieldLogger) (*Publisher, error) {
	opts, err := settings.ClientOptions()
	if err != nil {
		return nil, err
	}
	p := New(nil, settings.BaseTopic, log)
	opts.SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.log.Errorf("mqtt connection lost, reconnecting: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "connecting to mqtt broker")
	}
	p.client = client
	return p, nil
}

func (p *Publisher) Topic(n notifier.Notification) string {
	chargePointID, _ := n.Data["chargePointId"].(string)
	return fmt.Sprintf("%s/%s/%s", p.baseTopic, chargePointID, n.Topic)
}

func (p *Publisher) Publish(n notifier.Notification) error {
	bt, err := json.Marshal(n.Data)
	if err != nil {
		return errors.Wrap(err, "encoding notification")
	}
	token := p.client.Publish(p.Topic(n), 1, false, bt)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("timed out publishing %s", n.Topic)
	}
	return token.Error()
}

func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.log.Info("mqtt publisher disconnected")
}

var _ notifier.Publisher = (*Publisher)(nil)
