package reader

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/rfid-inspect/internal/logic"
)

// Topic returns the MQTT topic the reader module publishes chip readings on.
func Topic(readerID string) string {
	return "rfid/" + readerID + "/chips"
}

// readingPayload is the JSON body published by the reader module.
type readingPayload struct {
	ChipID string `json:"chip_id"`
	RSSI   int    `json:"rssi"`
}

// ParseReading decodes a reader payload. Surrounding whitespace is trimmed
// from the chip id.
func ParseReading(payload []byte, now time.Time) (logic.Reading, error) {
	var p readingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return logic.Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	id := strings.TrimSpace(p.ChipID)
	if id == "" {
		return logic.Reading{}, errors.New("decode reading: missing chip_id")
	}
	return logic.Reading{ChipID: id, RSSI: p.RSSI, Time: now}, nil
}

// MQTTFeed subscribes to a reader module's chip topic.
type MQTTFeed struct {
	client  paho.Client
	topic   string
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu         sync.Mutex
	subscribed bool
}

// NewMQTTFeed creates a feed for readerID on an already configured client.
func NewMQTTFeed(client paho.Client, readerID string, logger *zap.Logger) *MQTTFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTFeed{
		client:  client,
		topic:   Topic(readerID),
		timeout: 5 * time.Second,
		now:     time.Now,
		logger:  logger.With(zap.String("topic", Topic(readerID))),
	}
}

// Subscribe starts delivering decoded readings to handle. Malformed payloads
// are logged and dropped.
func (f *MQTTFeed) Subscribe(handle func(logic.Reading)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.client.IsConnected() {
		return ErrNotConnected
	}

	token := f.client.Subscribe(f.topic, 0, func(_ paho.Client, msg paho.Message) {
		r, err := ParseReading(msg.Payload(), f.now())
		if err != nil {
			f.logger.Warn("dropping malformed reading", zap.Error(err))
			return
		}
		handle(r)
	})
	if !token.WaitTimeout(f.timeout) {
		return errors.New("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	f.subscribed = true
	return nil
}

// Unsubscribe stops delivery. It is a no-op when not subscribed.
func (f *MQTTFeed) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.subscribed {
		return nil
	}
	f.subscribed = false

	token := f.client.Unsubscribe(f.topic)
	if !token.WaitTimeout(f.timeout) {
		return errors.New("unsubscribe timeout")
	}
	return token.Error()
}
