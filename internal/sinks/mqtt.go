package sinks

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hacoordinator/pkg/coordinator"
)

const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

// Publisher is the subset of the MQTT client the state publisher needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

type message struct {
	topic   string
	payload []byte
}

// StatePayload is the JSON published on <prefix>/<name>/state.
type StatePayload struct {
	Coordinator         string     `json:"coordinator"`
	Available           bool       `json:"available"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	Data                any        `json:"data,omitempty"`
}

// StatePublisher mirrors coordinators to retained MQTT topics. Listeners
// only enqueue; a single worker talks to the broker so a slow broker never
// holds up a refresh cycle. When the queue is full messages are dropped.
type StatePublisher struct {
	pub    Publisher
	prefix string
	qos    byte
	logger *zap.Logger

	queue   chan message
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	dropped atomic.Int64
}

// NewStatePublisher creates a publisher; call Start to run its worker.
func NewStatePublisher(pub Publisher, prefix string, qos byte, queueSize int, logger *zap.Logger) *StatePublisher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &StatePublisher{
		pub:    pub,
		prefix: prefix,
		qos:    qos,
		logger: logger.Named("mqtt_publisher"),
		queue:  make(chan message, queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// AvailabilityTopic returns <prefix>/<name>/availability.
func (p *StatePublisher) AvailabilityTopic(name string) string {
	return fmt.Sprintf("%s/%s/availability", p.prefix, name)
}

// StateTopic returns <prefix>/<name>/state.
func (p *StatePublisher) StateTopic(name string) string {
	return fmt.Sprintf("%s/%s/state", p.prefix, name)
}

// Start runs the worker.
func (p *StatePublisher) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run()
}

// Attach publishes h's current state and then every update of it.
func (p *StatePublisher) Attach(h coordinator.Handle) coordinator.Subscription {
	p.enqueueState(h)
	return h.AddListener(func() { p.enqueueState(h) })
}

// Dropped is the number of messages discarded because the queue was full.
func (p *StatePublisher) Dropped() int64 {
	return p.dropped.Load()
}

func (p *StatePublisher) enqueueState(h coordinator.Handle) {
	st := h.Status()
	availability := AvailabilityOffline
	if st.FirstRefreshDone && st.LastUpdateSuccess {
		availability = AvailabilityOnline
	}

	payload := StatePayload{
		Coordinator:         st.Name,
		Available:           availability == AvailabilityOnline,
		ConsecutiveFailures: st.ConsecutiveFailures,
		LastError:           st.LastError,
	}
	if !st.LastUpdateSuccessTime.IsZero() {
		t := st.LastUpdateSuccessTime.UTC()
		payload.LastSuccess = &t
	}
	if v, ok := h.Value(); ok {
		payload.Data = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to encode state; publishing without data",
			zap.String("coordinator", st.Name), zap.Error(err))
		payload.Data = nil
		if data, err = json.Marshal(payload); err != nil {
			return
		}
	}

	p.enqueue(message{topic: p.AvailabilityTopic(st.Name), payload: []byte(availability)})
	p.enqueue(message{topic: p.StateTopic(st.Name), payload: data})
}

func (p *StatePublisher) enqueue(m message) {
	select {
	case p.queue <- m:
	default:
		if p.dropped.Add(1) == 1 {
			p.logger.Warn("MQTT publish queue full; dropping messages", zap.String("topic", m.topic))
		}
	}
}

func (p *StatePublisher) run() {
	defer close(p.done)
	for {
		select {
		case m := <-p.queue:
			p.publish(m)
		case <-p.stop:
			for {
				select {
				case m := <-p.queue:
					p.publish(m)
				default:
					return
				}
			}
		}
	}
}

func (p *StatePublisher) publish(m message) {
	if err := p.pub.Publish(m.topic, m.payload, p.qos, true); err != nil {
		p.logger.Debug("Failed to publish state", zap.String("topic", m.topic), zap.Error(err))
	}
}

// Stop publishes what is already queued and ends the worker.
func (p *StatePublisher) Stop() {
	p.once.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
		}
	})
}
