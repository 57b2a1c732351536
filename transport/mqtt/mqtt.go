// Package mqtt provides an MQTT-bridged radio transport.
//
// Datagrams are published as base64-encoded strings carrying the 6-byte
// source address followed by the frame. Unicast frames go to
// "{prefix}/{netID}/{destHex}" and broadcasts to "{prefix}/{netID}/broadcast".
// Every endpoint subscribes to its own address topic plus the broadcast
// topic, which mirrors how the radio medium delivers frames.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/bghosh412/aquanet-go/core"
	"github.com/bghosh412/aquanet-go/core/codec"
	"github.com/bghosh412/aquanet-go/transport"
)

// Compile-time interface check.
var _ transport.Radio = (*Radio)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "aquanet"

	// broadcastTopic is the topic leaf for broadcast frames.
	broadcastTopic = "broadcast"

	// addrPrefixSize is the source address prefix on every payload.
	addrPrefixSize = 6
)

// Config holds the configuration for an MQTT radio bridge.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "aquanet").
	TopicPrefix string
	// NetworkID identifies this control network (e.g., "tank-1"). The bridge
	// subscribes to "{TopicPrefix}/{NetworkID}/{local address}" and the
	// broadcast topic.
	NetworkID string
	// LocalAddr is this endpoint's radio address.
	LocalAddr core.NodeAddr
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Radio implements transport.Radio over MQTT.
type Radio struct {
	cfg          Config
	client       paho.Client
	log          *slog.Logger
	mu           sync.RWMutex
	connected    bool
	frameHandler transport.FrameHandler
	stateHandler transport.StateHandler
}

// New creates a new MQTT radio bridge with the given configuration.
func New(cfg Config) *Radio {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Radio{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker and begins listening for frames.
func (r *Radio) Start(ctx context.Context) error {
	if r.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if r.cfg.NetworkID == "" {
		return errors.New("network ID is required")
	}

	clientID := r.cfg.ClientID
	if clientID == "" {
		clientID = "aquanet-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(r.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(r.onConnected).
		SetConnectionLostHandler(r.onConnectionLost).
		SetReconnectingHandler(r.onReconnecting)

	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username)
	}
	if r.cfg.Password != "" {
		opts.SetPassword(r.cfg.Password)
	}
	if r.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	r.client = paho.NewClient(opts)

	token := r.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (r *Radio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		r.client.Disconnect(1000)
		r.connected = false
	}
	return nil
}

// IsConnected returns true if the bridge is connected to the broker.
func (r *Radio) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected && r.client != nil && r.client.IsConnected()
}

// LocalAddr returns this endpoint's radio address.
func (r *Radio) LocalAddr() core.NodeAddr {
	return r.cfg.LocalAddr
}

// SetFrameHandler sets the callback for incoming frames.
func (r *Radio) SetFrameHandler(fn transport.FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frameHandler = fn
}

// SetStateHandler sets the callback for radio state changes.
func (r *Radio) SetStateHandler(fn transport.StateHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateHandler = fn
}

// SendFrame publishes a frame to the destination's topic.
func (r *Radio) SendFrame(dest core.NodeAddr, frame []byte) error {
	if len(frame) > codec.MaxFrameSize {
		return fmt.Errorf("frame %d bytes exceeds radio limit %d", len(frame), codec.MaxFrameSize)
	}
	if !r.IsConnected() {
		return errors.New("not connected")
	}

	data := make([]byte, addrPrefixSize+len(frame))
	copy(data[0:addrPrefixSize], r.cfg.LocalAddr.Bytes())
	copy(data[addrPrefixSize:], frame)
	payload := base64.StdEncoding.EncodeToString(data)

	token := r.client.Publish(r.topicFor(dest), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to MQTT")
	}
	return token.Error()
}

func (r *Radio) topicFor(dest core.NodeAddr) string {
	leaf := broadcastTopic
	if !dest.IsBroadcast() {
		leaf = hex.EncodeToString(dest.Bytes())
	}
	return r.cfg.TopicPrefix + "/" + r.cfg.NetworkID + "/" + leaf
}

func (r *Radio) subscribe() {
	for _, topic := range []string{r.topicFor(r.cfg.LocalAddr), r.topicFor(core.Broadcast)} {
		r.client.Subscribe(topic, 0, r.handleMessage)
		r.log.Debug("subscribed to topic", "topic", topic)
	}
}

func (r *Radio) handleMessage(_ paho.Client, message paho.Message) {
	r.mu.RLock()
	handler := r.frameHandler
	r.mu.RUnlock()

	if handler == nil {
		return
	}

	rawData, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		r.log.Debug("failed to decode base64 payload", "error", err)
		return
	}
	if len(rawData) < addrPrefixSize {
		r.log.Debug("payload too short for address prefix", "len", len(rawData))
		return
	}

	var src core.NodeAddr
	copy(src[:], rawData[0:addrPrefixSize])

	// A broadcast we published comes back through the broker.
	if src == r.cfg.LocalAddr {
		return
	}

	handler(src, rawData[addrPrefixSize:])
}

func (r *Radio) onConnected(_ paho.Client) {
	r.mu.Lock()
	r.connected = true
	handler := r.stateHandler
	r.mu.Unlock()

	r.subscribe()
	r.log.Info("connected to MQTT broker", "broker", r.cfg.Broker)

	if handler != nil {
		handler(r, transport.EventConnected)
	}
}

func (r *Radio) onConnectionLost(_ paho.Client, err error) {
	r.mu.Lock()
	r.connected = false
	handler := r.stateHandler
	r.mu.Unlock()

	r.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(r, transport.EventDisconnected)
	}
}

func (r *Radio) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	r.mu.RLock()
	handler := r.stateHandler
	r.mu.RUnlock()

	r.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(r, transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
