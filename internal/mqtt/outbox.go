package mqtt

import "go.uber.org/zap"

// message is a serialized publish waiting in the outbox.
type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox is the bounded FIFO between callers and the broker. When full, the
// oldest message is evicted so the newest readings survive an outage.
// Every message gets a sequence number so the sender can remove the head it
// published even if an eviction moved the head meanwhile.
// The caller synchronizes access.
type outbox struct {
	slots    []message
	first    int    // index of the oldest queued message
	firstSeq uint64 // sequence number of slots[first]
	n        int

	evicted int // since the queue was last empty
	onEvict func(int)
	log     *zap.Logger
}

func newOutbox(capacity int, onEvict func(int), logger *zap.Logger) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &outbox{
		slots:   make([]message, capacity),
		onEvict: onEvict,
		log:     logger,
	}
}

func (o *outbox) put(msg message) {
	size := len(o.slots)
	if o.n < size {
		o.slots[(o.first+o.n)%size] = msg
		o.n++
		return
	}

	if o.evicted == 0 {
		o.log.Warn("outbox full, evicting oldest", zap.Int("capacity", size))
	}
	o.evicted++
	if o.onEvict != nil {
		o.onEvict(1)
	}
	o.slots[o.first] = msg
	o.first = (o.first + 1) % size
	o.firstSeq++
}

// head returns the oldest message and its sequence number.
func (o *outbox) head() (message, uint64, bool) {
	if o.n == 0 {
		return message{}, 0, false
	}
	return o.slots[o.first], o.firstSeq, true
}

// drop removes the head if it is still message seq. It reports whether
// anything was removed.
func (o *outbox) drop(seq uint64) bool {
	if o.n == 0 || seq != o.firstSeq {
		return false
	}
	o.slots[o.first] = message{}
	o.first = (o.first + 1) % len(o.slots)
	o.firstSeq++
	o.n--
	if o.n == 0 && o.evicted > 0 {
		o.log.Warn("messages lost during outage", zap.Int("evicted", o.evicted))
		o.evicted = 0
	}
	return true
}

func (o *outbox) len() int { return o.n }
