package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/metrics"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

var ErrPublishTimeout = errors.New("publish timed out")

// Publisher is the part of mqtt.Client the relay needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config controls topics and delivery.
type Config struct {
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

type stateMessage struct {
	Temperature     float64              `json:"temperature"`
	Humidity        float64              `json:"humidity"`
	SoilRaw         int                  `json:"soil_raw"`
	MoisturePercent int                  `json:"moisture_percent"`
	Rain            models.RainStatus    `json:"rain"`
	Pump            models.PumpState     `json:"pump"`
	ObservedAt      *time.Time           `json:"observed_at"`
	Connected       bool                 `json:"connected"`
	Mode            models.OperatingMode `json:"mode"`
	Pending         bool                 `json:"pending"`
	Version         uint64               `json:"version"`
}

type alertMessage struct {
	Active []models.AlertKind `json:"active"`
	Dry    bool               `json:"dry"`
	Rain   bool               `json:"rain"`
	At     time.Time          `json:"at"`
}

// Relay forwards store updates to MQTT: the full state, retained, on
// <prefix>/state after every update and the alert set on <prefix>/alerts
// whenever it changes.
type Relay struct {
	client  Publisher
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	lastAlerts *models.AlertSet
}

func NewRelay(client Publisher, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Relay {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "moissense"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Relay{client: client, cfg: cfg, logger: logger, metrics: m}
}

func (r *Relay) StateTopic() string  { return r.cfg.TopicPrefix + "/state" }
func (r *Relay) AlertsTopic() string { return r.cfg.TopicPrefix + "/alerts" }

// Run relays until ctx is done. Publish failures are logged and counted;
// they never stop the relay.
func (r *Relay) Run(ctx context.Context, store *state.Store) {
	updates, unsubscribe := store.Subscribe()
	defer unsubscribe()

	r.Publish(store.Current())
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			r.Publish(st)
		}
	}
}

// Publish sends one state, and its alerts when they changed since the last
// call.
func (r *Relay) Publish(st state.State) {
	msg := stateMessage{
		Temperature:     st.Snapshot.Temperature,
		Humidity:        st.Snapshot.Humidity,
		SoilRaw:         st.Snapshot.SoilRaw,
		MoisturePercent: st.Snapshot.MoisturePercent(),
		Rain:            st.Snapshot.Rain,
		Pump:            st.Snapshot.Pump,
		ObservedAt:      st.Snapshot.ObservedAt,
		Connected:       st.Connectivity.Connected,
		Mode:            st.Mode,
		Pending:         st.Pending,
		Version:         st.Version,
	}
	r.send(r.StateTopic(), true, msg)

	if r.lastAlerts != nil && *r.lastAlerts == st.Alerts {
		return
	}
	alerts := st.Alerts
	r.lastAlerts = &alerts
	r.send(r.AlertsTopic(), false, alertMessage{
		Active: alerts.Active(),
		Dry:    alerts.Dry,
		Rain:   alerts.Rain,
		At:     st.UpdatedAt,
	})
}

func (r *Relay) send(topic string, retained bool, v interface{}) {
	err := r.publish(topic, retained, v)
	result := "ok"
	if err != nil {
		result = "error"
		r.logger.WithError(err).WithField("topic", topic).Warn("Failed to publish to MQTT")
	}
	r.metrics.MQTTMessages.WithLabelValues(topic, result).Inc()
}

func (r *Relay) publish(topic string, retained bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	token := r.client.Publish(topic, r.cfg.QoS, retained, payload)
	if !token.WaitTimeout(r.cfg.Timeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
