// Package publisher relays the published device state to an MQTT broker
// for dashboards and home automation that cannot poll the HTTP API.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// BrokerConfig describes the broker connection.
type BrokerConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// MaxElapsed bounds the connect retries.
	MaxElapsed time.Duration
}

// Connect dials the broker, retrying with exponential backoff. The client
// reconnects on its own after a later connection loss.
func Connect(ctx context.Context, cfg BrokerConfig, logger *logrus.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.WithField("broker", cfg.Broker).Info("Connected to MQTT broker")
	})

	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 30 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.MaxElapsed

	client := mqtt.NewClient(opts)
	err := backoff.RetryNotify(func() error {
		token := client.Connect()
		token.Wait()
		return token.Error()
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait.String()).Warn("MQTT broker not ready")
	})
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection: %w", err)
	}
	return client, nil
}
