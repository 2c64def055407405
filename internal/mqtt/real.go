package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/flow-sensor/internal/telemetry"
)

// DefaultBufferSize is how many messages are held while the broker is away.
// At one reading per second this covers ten minutes of outage.
const DefaultBufferSize = 600

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	Topics     Topics
	BufferSize int
	Logger     *zap.Logger

	// OnEvict, if set, is called for every queued message dropped because
	// the outbox was full.
	OnEvict func(n int)
}

// DefaultPublishTimeout bounds the wait for one broker acknowledgement.
const DefaultPublishTimeout = 5 * time.Second

// closeFlushTimeout bounds how long Close keeps sending what is queued.
const closeFlushTimeout = 2 * time.Second

// RealPublisher publishes to an actual MQTT broker.
//
// Publish calls only enqueue. One sender goroutine owns the broker side: it
// sends the outbox head, removes it once acknowledged, and stops at the
// first failure until the next connect or publish wakes it. Messages leave
// in the order they were published and callers never wait on the network.
type RealPublisher struct {
	client  paho.Client
	topics  Topics
	log     *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	queue *outbox

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var errNotConnected = errors.New("not connected")

// NewRealPublisher creates a publisher for the given broker. It does not
// wait for the first connection: paho keeps retrying in the background and
// messages are queued until it succeeds.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt: empty broker address")
	}
	if opts.ClientID == "" {
		opts.ClientID = "flow-sensor"
	}
	p := newPublisher(opts)

	// The will is sent by the broker whenever the connection drops, so it
	// carries no timestamp of its own.
	will, err := FormatSystemPayload(SystemEvent{Event: "OFFLINE", Reason: "LWT"})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(opts.Topics.System, will, 1, true).
		SetOnConnectHandler(func(paho.Client) {
			p.log.Info("connected", zap.String("broker", opts.Broker))
			p.kick()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("connection lost", zap.Error(err))
		})

	p.start(paho.NewClient(co))
	p.client.Connect() // completes asynchronously with SetConnectRetry

	return p, nil
}

// newPublisher applies option defaults. The publisher is inert until start.
func newPublisher(opts Options) *RealPublisher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RealPublisher{
		topics:  opts.Topics,
		log:     opts.Logger,
		timeout: DefaultPublishTimeout,
		queue:   newOutbox(opts.BufferSize, opts.OnEvict, opts.Logger),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *RealPublisher) start(client paho.Client) {
	p.client = client
	go p.run()
}

// PublishTelemetry queues a reading for QoS 0 delivery.
func (p *RealPublisher) PublishTelemetry(r telemetry.Record) error {
	payload, err := FormatPayload(r)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	p.enqueue(message{topic: p.topics.Telemetry, payload: payload})
	return nil
}

// PublishSystem queues a lifecycle event. Lifecycle events go at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	p.enqueue(message{topic: p.topics.System, payload: payload, qos: 1, retained: event.Retained})
	return nil
}

// IsConnected reports whether the client currently has a live connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close sends what it can of the queue within a short bound, then
// disconnects. It is safe to call more than once.
func (p *RealPublisher) Close() error {
	p.once.Do(func() {
		close(p.stop)
		<-p.done

		p.mu.Lock()
		n := p.queue.len()
		p.mu.Unlock()
		if n > 0 {
			p.log.Warn("dropping queued messages on close", zap.Int("count", n))
		}
		p.client.Disconnect(1000) // 1 second quiesce
	})
	return nil
}

func (p *RealPublisher) enqueue(msg message) {
	p.mu.Lock()
	p.queue.put(msg)
	p.mu.Unlock()
	p.kick()
}

// kick wakes the sender without blocking.
func (p *RealPublisher) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *RealPublisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.flush(time.Time{})
		case <-p.stop:
			p.flush(time.Now().Add(closeFlushTimeout))
			return
		}
	}
}

// flush sends queued messages oldest first until the queue is empty, the
// broker is unreachable or deadline passes. A zero deadline means none.
// A message that could not be delivered stays at the head.
func (p *RealPublisher) flush(deadline time.Time) {
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}
		if !p.client.IsConnectionOpen() {
			return // the connect handler wakes us again
		}

		p.mu.Lock()
		msg, id, ok := p.queue.head()
		p.mu.Unlock()
		if !ok {
			return
		}

		err := p.publish(msg)
		switch {
		case errors.Is(err, errNotConnected):
			return
		case errors.Is(err, errPublishTimeout):
			p.log.Warn("publish not acknowledged, will retry", zap.String("topic", msg.topic))
			return
		case err != nil:
			// The broker rejected this message; retrying cannot help.
			p.log.Warn("publish failed, message dropped", zap.Error(err))
		}

		p.mu.Lock()
		p.queue.drop(id)
		p.mu.Unlock()
	}
}

var errPublishTimeout = errors.New("publish timeout")

func (p *RealPublisher) publish(msg message) error {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: %w", msg.topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		if errors.Is(err, paho.ErrNotConnected) {
			return errNotConnected
		}
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	return nil
}
