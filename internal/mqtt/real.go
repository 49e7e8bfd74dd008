package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/dcf77-emitter/internal/emitter"
)

// bufferCapacity bounds the number of messages parked while the broker is
// unreachable. At one event per minute plus heartbeats this covers several
// hours of outage.
const bufferCapacity = 512

// Options configures the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// RealPublisher publishes to an actual MQTT broker. While the broker is
// unreachable messages are parked in a fixed ring buffer and replayed in
// order once the connection returns.
type RealPublisher struct {
	client paho.Client
	topics Topics
	log    zerolog.Logger

	mu     sync.Mutex
	buffer *ringBuffer

	commands chan Command
}

// NewRealPublisher creates a publisher connected to the given broker. The
// last will announces an unclean disconnect on the system topic. If the
// broker is unreachable the publisher still starts; messages buffer until
// the client's automatic reconnect succeeds.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	topics := TopicsFor(opts.TopicPrefix)
	p := &RealPublisher{
		topics:   topics,
		log:      opts.Log,
		buffer:   newRingBuffer(bufferCapacity),
		commands: make(chan Command, 16),
	}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "SHUTDOWN",
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "dcf77-emitter"
	}

	copts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(topics.System, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)
	if opts.Username != "" {
		copts.SetUsername(opts.Username)
		copts.SetPassword(opts.Password)
	}

	p.client = paho.NewClient(copts)

	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// Connect retry keeps running in the background; messages buffer
		// until it succeeds.
		p.log.Warn().Str("broker", opts.Broker).Msg("broker not reachable yet, buffering until connected")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// PublishEvent sends an emitter event to the MQTT broker.
func (p *RealPublisher) PublishEvent(event emitter.Event) error {
	payload, err := FormatEventPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(p.topics.Events, 0, false, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) - lifecycle events should survive a flaky link
	return p.publish(p.topics.System, 1, event.Retained, payload)
}

// PublishSwitchState publishes the retained transmitter switch state.
func (p *RealPublisher) PublishSwitchState(on bool) error {
	return p.publish(p.topics.SwitchState, 1, true, []byte(FormatSwitchState(on)))
}

// Commands returns the inbound switch command channel.
func (p *RealPublisher) Commands() <-chan Command {
	return p.commands
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		p.park(topic, qos, retained, payload)
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if err := tokenErr(token, 5*time.Second); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// tokenErr resolves a paho token, reporting a wait that timed out as an
// error instead of silently dropping it.
func tokenErr(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return token.Error()
}

func (p *RealPublisher) park(topic string, qos byte, retained bool, payload []byte) {
	p.mu.Lock()
	dropped := p.buffer.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
	n := p.buffer.len()
	p.mu.Unlock()

	if dropped {
		p.log.Warn().Int("capacity", bufferCapacity).Msg("offline buffer full, dropping oldest message")
	}
	p.log.Debug().Str("topic", topic).Int("buffered", n).Msg("broker offline, message buffered")
}

func (p *RealPublisher) onConnect(client paho.Client) {
	p.log.Info().Msg("mqtt connected")

	token := client.Subscribe(p.topics.SwitchSet, 1, p.onCommand)
	if err := tokenErr(token, 5*time.Second); err != nil {
		p.log.Error().Err(err).Str("topic", p.topics.SwitchSet).Msg("subscribe failed")
	}

	p.mu.Lock()
	msgs := p.buffer.drainAll()
	p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}

	p.log.Info().Int("count", len(msgs)).Msg("replaying buffered messages")
	for _, m := range msgs {
		token := client.Publish(m.topic, m.qos, m.retained, m.payload)
		if err := tokenErr(token, 5*time.Second); err != nil {
			p.log.Warn().Err(err).Str("topic", m.topic).Msg("replay failed, message dropped")
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.log.Warn().Err(err).Msg("mqtt connection lost, buffering")
}

func (p *RealPublisher) onCommand(_ paho.Client, msg paho.Message) {
	cmd, ok := ParseCommand(msg.Payload())
	if !ok {
		p.log.Warn().Str("payload", string(msg.Payload())).Msg("ignoring malformed switch command")
		return
	}
	// Never block the paho callback goroutine.
	select {
	case p.commands <- cmd:
	default:
		p.log.Warn().Msg("command channel full, dropping command")
	}
}
