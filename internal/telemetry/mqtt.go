// Package telemetry publishes dispatched events to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/overseer-project/overseer/internal/config"
	"github.com/overseer-project/overseer/internal/events"
	"github.com/overseer-project/overseer/internal/util"
)

const (
	publishTimeout = 5 * time.Second
	qos            = 1
)

// ErrDisabled is returned when MQTT telemetry is not enabled in the config.
var ErrDisabled = errors.New("mqtt telemetry disabled")

// publisher is the part of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler publishes every dispatched event as JSON to
// {prefix}/{server}/events.
type MQTTHandler struct {
	client   mqtt.Client
	pub      publisher
	prefix   string
	metadata map[string]any
	logger   zerolog.Logger
}

// NewMQTTHandler creates the handler and its client. The broker is not
// contacted until Start.
func NewMQTTHandler(cfg config.MQTTConfig, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		prefix:   strings.Trim(cfg.TopicPrefix, "/"),
		metadata: sysInfo.Metadata(version),
		logger:   log.With().Str("component", "telemetry").Logger(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("overseer-%s", sysInfo.Hostname))
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)
	opts.SetBinaryWill(h.statusTopic(), h.statusPayload("offline"), qos, true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
		client.Publish(h.statusTopic(), qos, true, h.statusPayload("online"))
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

// Name implements events.Handler.
func (h *MQTTHandler) Name() string { return "telemetry" }

// Start connects to the broker and keeps the session open until ctx is
// cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	<-ctx.Done()

	h.client.Publish(h.statusTopic(), qos, true, h.statusPayload("offline")).WaitTimeout(time.Second)
	h.client.Disconnect(1000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// OnEvent implements events.Handler. Events are dropped while the broker is
// unreachable.
func (h *MQTTHandler) OnEvent(ctx context.Context, e *events.GameEvent) error {
	if !h.pub.IsConnected() {
		return nil
	}

	server := e.ServerID()
	if server == "" {
		server = "system"
	}
	topic := fmt.Sprintf("%s/%s/events", h.prefix, server)

	data, err := json.Marshal(h.buildMessage(e.Record()))
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	token := h.pub.Publish(topic, qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload any) map[string]any {
	msg := make(map[string]any, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) statusTopic() string {
	return h.prefix + "/status"
}

func (h *MQTTHandler) statusPayload(state string) []byte {
	data, _ := json.Marshal(h.buildMessage(map[string]string{"state": state}))
	return data
}
