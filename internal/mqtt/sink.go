// Package mqtt forwards fused frames to an MQTT broker as JSON.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/camera-fusion/internal/fusion"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// Config configures the broker connection and topic layout.
type Config struct {
	Broker   string `validate:"required,url"`
	Topic    string `validate:"required"`
	ClientID string `validate:"required"`
	Username string
	Password string
	QoS      byte `validate:"lte=2"`
	// Retain keeps the latest frame on the broker for late subscribers.
	Retain bool
	// PerLabel additionally publishes each group under Topic/<label>.
	PerLabel bool
}

// Validate checks cfg for required fields.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid mqtt config: %w", err)
	}
	u, err := url.Parse(c.Broker)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	return nil
}

// FrameSource is the subscription side of the frame publisher.
type FrameSource interface {
	Subscribe(buffer int) (string, <-chan *fusion.FusedFrame)
	Unsubscribe(id string)
}

// brokerClient is the part of paho.Client the sink uses.
type brokerClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Sink publishes frames from a FrameSource to the broker.
type Sink struct {
	cfg    Config
	client brokerClient

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewSink validates cfg and builds a paho client. It does not connect.
func NewSink(cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Printf("[mqtt] connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Printf("[mqtt] connection to %s lost: %v", cfg.Broker, err)
	})
	return newSink(cfg, paho.NewClient(opts)), nil
}

func newSink(cfg Config, client brokerClient) *Sink {
	cfg.Topic = strings.TrimSuffix(cfg.Topic, "/")
	return &Sink{cfg: cfg, client: client}
}

// Connect dials the broker.
func (s *Sink) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return errors.New("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection error: %w", err)
	}
	return nil
}

// Messages returns the topic/payload pairs published for frame.
func (s *Sink) Messages(frame *fusion.FusedFrame) (map[string][]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	msgs := map[string][]byte{s.cfg.Topic + "/frames": payload}
	if !s.cfg.PerLabel {
		return msgs, nil
	}

	byLevel := make(map[string][][]fusion.FusedDetection)
	for _, g := range frame.Groups {
		if len(g) == 0 {
			continue
		}
		level := topicLevel(g[0].Label)
		byLevel[level] = append(byLevel[level], g)
	}
	for level, groups := range byLevel {
		sub := fusion.FusedFrame{ID: frame.ID, TimestampMs: frame.TimestampMs, Groups: groups}
		b, err := json.Marshal(sub)
		if err != nil {
			return nil, err
		}
		msgs[s.cfg.Topic+"/labels/"+level] = b
	}
	return msgs, nil
}

// topicLevel maps a label to a single MQTT topic level. The level
// separator, both wildcards and NUL are replaced with '_', and an empty
// label becomes "_". Labels that map to the same level share a message.
func topicLevel(label string) string {
	if label == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '_'
		}
		return r
	}, label)
}

// PublishFrame sends frame and waits for each publish to complete.
func (s *Sink) PublishFrame(frame *fusion.FusedFrame) error {
	if !s.client.IsConnected() {
		return errors.New("not connected to MQTT broker")
	}
	msgs, err := s.Messages(frame)
	if err != nil {
		return fmt.Errorf("encode frame %s: %w", frame.ID, err)
	}
	for topic, payload := range msgs {
		token := s.client.Publish(topic, s.cfg.QoS, s.cfg.Retain, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish timeout for topic %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Run forwards frames until ctx is cancelled or the source closes, then
// disconnects.
func (s *Sink) Run(ctx context.Context, source FrameSource) error {
	id, frames := source.Subscribe(64)
	defer source.Unsubscribe(id)
	defer s.client.Disconnect(250)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := s.PublishFrame(frame); err != nil {
				if n := s.failed.Add(1); n == 1 || n%100 == 0 {
					log.Printf("[mqtt] %v (failures: %d)", err, n)
				}
				continue
			}
			s.published.Add(1)
		}
	}
}

// Published returns how many frames were delivered.
func (s *Sink) Published() uint64 { return s.published.Load() }

// Failed returns how many frames could not be delivered.
func (s *Sink) Failed() uint64 { return s.failed.Load() }
