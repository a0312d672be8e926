// Package relay mirrors room broadcasts onto an MQTT broker so processes
// without a websocket (spectators, bots, analytics) can follow a match.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Topic is where a match's frames are published.
func Topic(prefix, matchID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "matches/" + matchID + "/events"
	}
	return prefix + "/matches/" + matchID + "/events"
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	client  publisher
	prefix  string
	timeout time.Duration
	log     *zap.Logger
}

type Config struct {
	Broker   string
	ClientID string
	Prefix   string
	// Timeout bounds each publish; zero means 2s.
	Timeout time.Duration
}

// Dial connects to the broker. The client reconnects on its own after the
// first successful connect.
func Dial(cfg Config, log *zap.Logger) (*Publisher, func(), error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	closeFn := func() { client.Disconnect(250) }
	return newPublisher(client, cfg, log), closeFn, nil
}

func newPublisher(client publisher, cfg Config, log *zap.Logger) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Publisher{client: client, prefix: cfg.Prefix, timeout: cfg.Timeout, log: log}
}

// Publish sends payload at qos 0, not retained.
func (p *Publisher) Publish(ctx context.Context, matchID string, payload []byte) error {
	topic := Topic(p.prefix, matchID)
	token := p.client.Publish(topic, 0, false, payload)

	wait := p.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	p.log.Debug("mirrored frame", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}
