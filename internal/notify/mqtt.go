// Package notify publishes job outcomes to an MQTT broker.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"mobwatch/internal/pipeline"
)

// Config holds MQTT settings
type Config struct {
	Broker      string // host:port
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Publisher is the subset of mqtt.Client used by the notifier
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the payload published when a job ends
type Message struct {
	JobID     string            `json:"job_id"`
	Status    pipeline.JobState `json:"status"`
	Module    pipeline.Module   `json:"module"`
	Filename  string            `json:"filename,omitempty"`
	MobState  pipeline.MobState `json:"mob_state,omitempty"`
	Alert     pipeline.Alert    `json:"alert,omitempty"`
	Counts    pipeline.Counts   `json:"counts,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier publishes terminal job events. Publishing runs in the background
// so a slow broker never delays the job that produced the event.
type Notifier struct {
	publisher Publisher
	prefix    string
	qos       byte
	wg        sync.WaitGroup
	logger    zerolog.Logger
}

// New creates a notifier around an existing publisher
func New(publisher Publisher, topicPrefix string, qos byte, logger zerolog.Logger) *Notifier {
	prefix := strings.TrimSuffix(topicPrefix, "/")
	if prefix == "" {
		prefix = "mobwatch"
	}
	return &Notifier{
		publisher: publisher,
		prefix:    prefix,
		qos:       qos,
		logger:    logger.With().Str("component", "mqtt").Logger(),
	}
}

// Connect dials the broker and returns the connected client
func Connect(cfg Config, logger zerolog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	logger.Info().Str("broker", cfg.Broker).Msg("mqtt connection established")
	return client, nil
}

// Topic returns the topic a job outcome is published on
func (n *Notifier) Topic(state pipeline.JobState) string {
	return n.prefix + "/jobs/" + string(state)
}

// OnEvent implements pipeline.EventHandler
func (n *Notifier) OnEvent(event *pipeline.Event) {
	if event == nil || (event.Type != pipeline.EventCompleted && event.Type != pipeline.EventFailed) {
		return
	}

	status := event.Status
	msg := Message{
		JobID:     event.JobID,
		Status:    status.Status,
		Module:    status.Module,
		Filename:  status.Filename,
		MobState:  status.MobState,
		Alert:     status.Alert,
		Counts:    status.Counts,
		Error:     status.Error,
		Timestamp: time.Now(),
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.publish(n.Topic(status.Status), &msg); err != nil {
			n.logger.Warn().Err(err).Str("job", msg.JobID).Msg("failed to publish job outcome")
		}
	}()
}

func (n *Notifier) publish(topic string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	token := n.publisher.Publish(topic, n.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	n.logger.Debug().Str("topic", topic).Int("size", len(payload)).Msg("job outcome published")
	return nil
}

// Wait blocks until pending publishes are done
func (n *Notifier) Wait() {
	n.wg.Wait()
}

var _ pipeline.EventHandler = (*Notifier)(nil)
