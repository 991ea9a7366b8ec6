package node

import (
	"encoding/json"
	"time"

	"lanmesh/oid"

	log "github.com/sirupsen/logrus"
)

type EventKind string

const (
	EventDiscovered     EventKind = "discovered"
	EventDiscoveryError EventKind = "discovery_error"
	EventDialAttempt    EventKind = "dial_attempt"
	EventDialSuccess    EventKind = "dial_success"
	EventDialFailure    EventKind = "dial_failure"
	EventProbe          EventKind = "probe"
	EventStateChange    EventKind = "state_change"
)

// Event is one entry of the node's activity stream.
type Event struct {
	Time    time.Time     `json:"time"`
	Kind    EventKind     `json:"kind"`
	Peer    oid.Oid       `json:"peer"`
	Address string        `json:"addr,omitempty"`
	From    string        `json:"from,omitempty"`
	State   string        `json:"state,omitempty"`
	Outcome string        `json:"outcome,omitempty"`
	RTT     time.Duration `json:"rtt,omitempty"`
	Attempt string        `json:"attempt,omitempty"`
	Err     string        `json:"err,omitempty"`
}

// EventSink receives every event. Emit is called from the event loop and must not block.
type EventSink interface {
	Emit(Event)
}

// TopicPublisher is satisfied by zpub.Publisher.
type TopicPublisher interface {
	Publish(topic string, payload []byte) error
}

type publisherSink struct {
	pub TopicPublisher
}

// PublisherSink forwards events as JSON, using the event kind as the topic.
func PublisherSink(pub TopicPublisher) EventSink {
	return &publisherSink{pub: pub}
}

func (s *publisherSink) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("PublisherSink: failed to encode %s event: %v", ev.Kind, err)
		return
	}
	if err := s.pub.Publish(string(ev.Kind), data); err != nil {
		log.Debugf("PublisherSink: failed to publish %s event: %v", ev.Kind, err)
	}
}

func (ev Event) fields() log.Fields {
	f := log.Fields{"event": ev.Kind}
	if !ev.Peer.IsZero() {
		f["peer"] = ev.Peer.String()
	}
	if ev.Address != "" {
		f["addr"] = ev.Address
	}
	if ev.From != "" {
		f["from"] = ev.From
	}
	if ev.State != "" {
		f["state"] = ev.State
	}
	if ev.Outcome != "" {
		f["outcome"] = ev.Outcome
	}
	if ev.RTT != 0 {
		f["rtt"] = ev.RTT.String()
	}
	if ev.Attempt != "" {
		f["attempt"] = ev.Attempt
	}
	if ev.Err != "" {
		f["err"] = ev.Err
	}
	return f
}

func (n *Node) emit(ev Event) {
	ev.Time = n.clock.Now()

	entry := log.WithFields(ev.fields())
	switch {
	case ev.Kind == EventDialFailure || ev.Kind == EventDiscoveryError:
		entry.Warn(string(ev.Kind))
	case ev.Kind == EventProbe && ev.Outcome == "success":
		entry.Debug(string(ev.Kind))
	default:
		entry.Info(string(ev.Kind))
	}

	for _, sink := range n.sinks {
		sink.Emit(ev)
	}

	n.subMu.Lock()
	defer n.subMu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscribers lose events rather than stall the loop
		}
	}
}

// Subscribe returns a channel receiving all subsequent events and a function to stop the subscription.
func (n *Node) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	n.subMu.Lock()
	n.subs[ch] = struct{}{}
	n.subMu.Unlock()

	return ch, func() {
		n.subMu.Lock()
		defer n.subMu.Unlock()
		delete(n.subs, ch)
	}
}
