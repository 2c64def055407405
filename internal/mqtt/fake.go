package mqtt

import (
	"sync"

	"github.com/sweeney/flow-sensor/internal/telemetry"
)

// Sent is one message as it would have gone out on the wire.
type Sent struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// FakePublisher records what would be published, routed to the same topics
// and QoS as RealPublisher. Failed publishes are not recorded.
type FakePublisher struct {
	mu     sync.Mutex
	topics Topics

	Records        []telemetry.Record
	Payloads       [][]byte
	SystemEvents   []SystemEvent
	SystemPayloads [][]byte
	Sent           []Sent // every successful publish, in order

	PublishError       error // returned by PublishTelemetry when set
	PublishSystemError error // returned by PublishSystem when set

	Closed    bool
	Connected bool // reported by IsConnected
}

// NewFakePublisher creates a FakePublisher using the topics of the default
// device.
func NewFakePublisher() *FakePublisher {
	return NewFakePublisherFor(TopicsFor(telemetry.DefaultDevice))
}

// NewFakePublisherFor creates a FakePublisher that records against topics.
func NewFakePublisherFor(topics Topics) *FakePublisher {
	return &FakePublisher{topics: topics}
}

func (f *FakePublisher) PublishTelemetry(r telemetry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatPayload(r)
	if err != nil {
		return err
	}
	f.Records = append(f.Records, r)
	f.Payloads = append(f.Payloads, payload)
	f.Sent = append(f.Sent, Sent{Topic: f.topics.Telemetry, Payload: payload})
	return nil
}

func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	f.Sent = append(f.Sent, Sent{Topic: f.topics.System, Payload: payload, QoS: 1, Retained: event.Retained})
	return nil
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset returns the fake to its freshly constructed state.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Records, f.Payloads, f.Sent = nil, nil, nil
	f.SystemEvents, f.SystemPayloads = nil, nil
	f.PublishError, f.PublishSystemError = nil, nil
	f.Closed, f.Connected = false, false
}
