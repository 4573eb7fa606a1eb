// Package mqtt publishes scale events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Options configure the publisher.
//
// Broker is tcp://host:port. Events go to TopicPrefix/<device>/<event>;
// events without a device use "agent" in place of the device.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	Qos            byte
}

// Publisher wraps a Paho client.
type Publisher struct {
	inner  paho.Client
	opts   Options
	logger logrus.FieldLogger
}

var newClient = paho.NewClient

// Connect creates a publisher and connects it to the broker.
func Connect(opts Options, logger logrus.FieldLogger) (*Publisher, error) {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "scale-agent"
	}

	p := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(opts.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.WithError(err).Warn("Utracono połączenie MQTT")
		})
	if opts.Username != "" {
		p.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		p.SetPassword(opts.Password)
	}

	pub := &Publisher{inner: newClient(p), opts: opts, logger: logger}
	tok := pub.inner.Connect()
	if !tok.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %s", opts.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	logger.Infof("Połączono z brokerem MQTT: %s", opts.Broker)
	return pub, nil
}

// PublishEvent sends data as JSON to the event's topic.
func (p *Publisher) PublishEvent(event, device string, data map[string]any) error {
	body := map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if device != "" {
		body["device"] = device
	}
	for k, v := range data {
		body[k] = v
	}

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	tok := p.inner.Publish(p.Topic(device, event), p.opts.Qos, false, b)
	if !tok.WaitTimeout(p.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt publish %s timed out", event)
	}
	return tok.Error()
}

// Topic returns the topic for an event of device.
func (p *Publisher) Topic(device, event string) string {
	return strings.Join([]string{p.opts.TopicPrefix, topicLevel(device), event}, "/")
}

// topicLevel turns a device id such as /dev/ttyUSB0 into one topic level.
func topicLevel(device string) string {
	device = strings.Trim(strings.TrimSpace(device), "/")
	if device == "" {
		return "agent"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(device)
}

func (p *Publisher) Close() {
	p.inner.Disconnect(250)
}
