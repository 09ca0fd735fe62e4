// Package mqttstate publishes humidity and outlet state to an MQTT broker,
// including Home Assistant discovery configs.
package mqttstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nimdanitro/humidity-manager-go/pkg/regulator"
	"github.com/nimdanitro/humidity-manager-go/pkg/vesync"
	"go.uber.org/zap"
)

const publishTimeout = 10 * time.Second

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// topic prefix, e.g. "humidity-manager"
	Prefix    string
	Discovery bool
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

type Publisher struct {
	client publisher
	conn   MQTT.Client
	cfg    Config
	log    *zap.Logger
}

// Connect dials the broker. Reconnects are handled by paho.
func Connect(cfg Config, log *zap.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqttstate: broker is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "humidity-manager"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "humidity-manager"
	}
	if log == nil {
		log = zap.L()
	}

	p := &Publisher{cfg: cfg, log: log}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID + "_" + uuid.NewString()[:8])
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetWill(p.availabilityTopic(), "offline", 1, true)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		log.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))
		if err := p.announce(); err != nil {
			log.Warn("cannot announce availability", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		log.Warn("mqtt connection lost", zap.Error(err))
	})

	c := MQTT.NewClient(opts)
	p.client = c
	p.conn = c

	token := c.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqttstate: connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqttstate: connect to %s: %w", cfg.Broker, err)
	}
	return p, nil
}

func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	_ = p.publish(p.availabilityTopic(), "offline")
	p.conn.Disconnect(250)
}

// Observe implements regulator.Observer.
func (p *Publisher) Observe(_ context.Context, ev regulator.Event) error {
	var errs []error
	if ev.Reading != nil {
		payload, err := json.Marshal(ev.Reading)
		if err != nil {
			return err
		}
		errs = append(errs, p.publish(p.topic("humidity"), payload))
	}
	if ev.State != vesync.Unknown {
		errs = append(errs, p.publish(p.topic("outlet"), ev.State.String()))
	}
	return errors.Join(errs...)
}

func (p *Publisher) announce() error {
	errs := []error{p.publish(p.availabilityTopic(), "online")}
	if p.cfg.Discovery {
		for topic, ad := range p.discovery() {
			payload, err := json.Marshal(ad)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			errs = append(errs, p.publish(topic, payload))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) publish(topic string, payload interface{}) error {
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) topic(name string) string {
	return strings.TrimSuffix(p.cfg.Prefix, "/") + "/" + name
}

func (p *Publisher) availabilityTopic() string {
	return p.topic("availability")
}
