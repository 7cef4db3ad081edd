package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// Options configures the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	StructureID string

	// BufferSize is the number of messages kept while disconnected.
	BufferSize int
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are buffered and replayed on reconnect.
type RealPublisher struct {
	client      paho.Client
	sensorTopic string
	systemTopic string
	timeout     time.Duration
	logger      *zap.Logger

	mu           sync.Mutex
	buffer       *ringBuffer
	hasConnected bool
}

// NewRealPublisher creates a publisher connected to the given broker. The
// broker publishes a retained OFFLINE event on the system topic if the
// daemon disappears.
func NewRealPublisher(opts Options, logger *zap.Logger) (*RealPublisher, error) {
	p := newPublisher(nil, opts, logger)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventOffline})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(false).
		SetResumeSubs(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(p.systemTopic, string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.logger.Warn("mqtt connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(co)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

func newPublisher(client paho.Client, opts Options, logger *zap.Logger) *RealPublisher {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultPrefix
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealPublisher{
		client:      client,
		sensorTopic: SensorTopic(opts.TopicPrefix, opts.StructureID),
		systemTopic: SystemTopic(opts.TopicPrefix, opts.StructureID),
		timeout:     5 * time.Second,
		logger:      logger,
		buffer:      newRingBuffer(opts.BufferSize),
	}
}

// Client returns the underlying connection so the chip feed can share it.
func (p *RealPublisher) Client() paho.Client {
	return p.client
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// PublishSensor sends a sensor state change to the MQTT broker.
func (p *RealPublisher) PublishSensor(change logic.StateChange) error {
	payload, err := FormatSensorPayload(change)
	if err != nil {
		return fmt.Errorf("format sensor payload: %w", err)
	}
	// QoS 1 (at-least-once)
	return p.publish(bufferedMsg{topic: p.sensorTopic, payload: payload, qos: 1})
}

// PublishSystem sends a system event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: p.systemTopic, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) publish(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.client.IsConnected() {
		if p.buffer.push(msg) {
			p.logger.Warn("mqtt buffer full, dropping oldest", zap.Int("capacity", p.buffer.capacity))
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(p.timeout) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// onConnect replays buffered messages and announces a reconnect.
func (p *RealPublisher) onConnect() {
	p.mu.Lock()
	pending := p.buffer.drainAll()
	reconnect := p.hasConnected
	p.hasConnected = true
	p.mu.Unlock()

	if reconnect {
		p.logger.Info("mqtt reconnected", zap.Int("buffered", len(pending)))
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		pending = append(pending, bufferedMsg{topic: p.systemTopic, payload: payload, qos: 1})
	}

	// Publish without waiting: this runs on paho's connect goroutine.
	for _, msg := range pending {
		p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	}
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
