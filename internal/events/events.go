// Package events implements optional publication of worker lifecycle
// events to an MQTT broker; the worker publishes one event, carrying its
// final state, when its Run loop exits. Grounded on monitor.go's use of
// github.com/eclipse/paho.mqtt.golang. Direction is inverted from the
// teacher: monitor.go is an MQTT subscriber decoding inbound KISS frames;
// here the receiver worker is a publisher of small JSON event records so
// an out-of-band monitor can observe transfer progress without touching
// the control connections.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Event is one lifecycle record published to
// warp/receiver/<transferId>/<port>.
type Event struct {
	TransferID string `json:"transferId"`
	Port       int    `json:"port"`
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	Timestamp  string `json:"ts"`
}

// Publisher is the sink a worker reports lifecycle events to. Sending
// must never block the state machine on broker availability.
type Publisher interface {
	Publish(ev Event)
	Close()
}

// NoopPublisher discards every event; used when MQTT eventing is disabled
// (config.Runtime.MQTT.Enabled == false), the default.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
func (NoopPublisher) Close()        {}

// MQTTPublisher publishes events to a broker, grounded on monitor.go's
// mqtt.NewClientOptions/mqtt.NewClient setup. Publish never blocks the
// caller: it fires the publish token asynchronously and drops on error,
// since losing an observational event must never stall a transfer.
type MQTTPublisher struct {
	client     mqtt.Client
	topicBase  string
	nowFn      func() time.Time
}

// Config mirrors the teacher's MQTT flags (host/port/tls/user/pass).
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	ClientID string
}

// NewMQTTPublisher connects to the broker described by cfg and returns a
// Publisher that writes to warp/receiver/<transferId>/<port>.
func NewMQTTPublisher(cfg Config) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("warp-receiver-%d", time.Now().UnixNano())
	}
	opts.SetClientID(clientID)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("events: connect to mqtt broker: %w", token.Error())
	}
	return &MQTTPublisher{client: client, topicBase: "warp/receiver", nowFn: time.Now}, nil
}

func (p *MQTTPublisher) Publish(ev Event) {
	ev.Timestamp = p.nowFn().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := fmt.Sprintf("%s/%s/%d", p.topicBase, ev.TransferID, ev.Port)
	p.client.Publish(topic, 0, false, payload)
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
