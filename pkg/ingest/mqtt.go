package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/config"
)

// MessageFunc receives every message delivered on the subscription
type MessageFunc func(ctx context.Context, topic string, payload []byte)

// SubscriberConfig describes the broker connection
type SubscriberConfig struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	// Topic is the subscription filter, e.g. "bedroom/#"
	Topic string
	QoS   byte

	KeepAlive time.Duration

	// ConnectRetry is the fixed delay between initial connection attempts
	ConnectRetry time.Duration

	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration
}

// SubscriberConfigFrom maps daemon configuration onto a SubscriberConfig
func SubscriberConfigFrom(c config.MQTTConfig) SubscriberConfig {
	return SubscriberConfig{
		Host:           c.Host,
		Port:           c.Port,
		ClientID:       c.ClientID,
		Username:       c.Username,
		Password:       c.Password,
		Topic:          c.Topic,
		KeepAlive:      c.KeepAlive,
		ConnectRetry:   c.ConnectRetry,
		ConnectTimeout: config.DefaultMQTTConnectWait,
	}
}

// Subscriber keeps one MQTT subscription alive for the life of the process.
//
// Messages are delivered in arrival order on a single goroutine. The
// subscription is renewed on every reconnect, and the first connection is
// retried at a fixed interval until it succeeds or the context ends.
type Subscriber struct {
	cfg     SubscriberConfig
	deliver MessageFunc
	logger  logrus.FieldLogger
}

// NewSubscriber creates a subscriber that hands messages to deliver
func NewSubscriber(cfg SubscriberConfig, deliver MessageFunc, logger logrus.FieldLogger) *Subscriber {
	if cfg.ConnectRetry <= 0 {
		cfg.ConnectRetry = config.DefaultMQTTConnectRetry
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultMQTTConnectWait
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = config.DefaultMQTTKeepAlive
	}
	return &Subscriber{
		cfg:     cfg,
		deliver: deliver,
		logger: logger.WithFields(logrus.Fields{
			"component": "mqtt",
			"broker":    brokerURL(cfg),
			"topic":     cfg.Topic,
		}),
	}
}

func brokerURL(cfg SubscriberConfig) string {
	return fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
}

// clientOptions builds the paho options; the callbacks close over ctx
func (s *Subscriber) clientOptions(ctx context.Context) *mqtt.ClientOptions {
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		s.deliver(ctx, msg.Topic(), msg.Payload())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(s.cfg)).
		SetClientID(s.cfg.ClientID).
		SetKeepAlive(s.cfg.KeepAlive).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(s.cfg.ConnectRetry).
		SetOrderMatters(true).
		SetCleanSession(true)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.logger.Info("connected to broker")
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, onMessage)
		go func() {
			<-token.Done()
			if err := token.Error(); err != nil {
				s.logger.WithError(err).Error("subscribe failed")
				return
			}
			s.logger.Info("subscribed")
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.WithError(err).Warn("connection to broker lost, reconnecting")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		s.logger.Debug("reconnecting to broker")
	})

	return opts
}

// Run connects, subscribes and blocks until ctx is cancelled
func (s *Subscriber) Run(ctx context.Context) error {
	client := mqtt.NewClient(s.clientOptions(ctx))

	connect := func() error {
		token := client.Connect()
		select {
		case <-token.Done():
		case <-time.After(s.cfg.ConnectTimeout):
			return fmt.Errorf("connect timed out after %s", s.cfg.ConnectTimeout)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
		return token.Error()
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ConnectRetry), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.WithError(err).WithField("retry_in", wait).Warn("broker connect failed")
	}

	if err := backoff.RetryNotify(connect, policy, notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	<-ctx.Done()

	s.logger.Info("disconnecting from broker")
	client.Disconnect(config.MQTTDisconnectQuiesceMs)
	return nil
}

// ErrNoTopic is returned by Validate when no subscription filter is set
var ErrNoTopic = errors.New("mqtt subscription topic is empty")

// Validate checks the settings that would otherwise fail only at connect time
func (cfg SubscriberConfig) Validate() error {
	if cfg.Topic == "" {
		return ErrNoTopic
	}
	if cfg.Host == "" {
		return errors.New("mqtt host is empty")
	}
	if cfg.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	return nil
}
