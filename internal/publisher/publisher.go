// Package publisher fans normalized events out to subscribing clients,
// isolating slow or dead consumers from the rest of the subscriber set.
package publisher

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexusfeed/nexusfeed/internal/domain"
)

// Client is anything that can receive a fanned-out event. Implementations
// (a websocket connection, a test probe) must not block indefinitely;
// Send failures are treated as dead-client signals.
type Client interface {
	Send(event domain.Event) error
	ID() string
}

func normInstrument(instrument string) string {
	return strings.ReplaceAll(instrument, "-", "/")
}

// Publisher is an in-process event bus: clients register, subscribe to
// instruments, and a single dispatcher goroutine fans queued events out.
type Publisher struct {
	log   zerolog.Logger
	queue chan domain.Event

	mu         sync.RWMutex
	clients    map[string]Client
	subs       map[string]map[string]Client // instrument -> clientID -> Client
	clientSubs map[string]map[string]struct{} // clientID -> instrument set

	stop chan struct{}
	done chan struct{}
}

// DefaultQueueSize matches the bounded event queue capacity.
const DefaultQueueSize = 1000

// New creates a Publisher with the given queue capacity.
func New(queueSize int, log zerolog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Publisher{
		log:        log,
		queue:      make(chan domain.Event, queueSize),
		clients:    make(map[string]Client),
		subs:       make(map[string]map[string]Client),
		clientSubs: make(map[string]map[string]struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (p *Publisher) Start() {
	go p.run()
}

// Stop halts the dispatcher. Events already queued are dropped.
func (p *Publisher) Stop() {
	close(p.stop)
	<-p.done
}

// Register adds a client with no subscriptions.
func (p *Publisher) Register(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c.ID()] = c
	p.clientSubs[c.ID()] = make(map[string]struct{})
}

// Unregister removes a client and tears down every subscription it held.
func (p *Publisher) Unregister(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unregisterLocked(c.ID())
}

func (p *Publisher) unregisterLocked(clientID string) {
	delete(p.clients, clientID)
	instruments := p.clientSubs[clientID]
	delete(p.clientSubs, clientID)
	for instrument := range instruments {
		if set, ok := p.subs[instrument]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(p.subs, instrument)
			}
		}
	}
}

// Subscribe adds instrument to a client's subscription set.
func (p *Publisher) Subscribe(c Client, instrument string) {
	instrument = normInstrument(instrument)

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.subs[instrument]
	if !ok {
		set = make(map[string]Client)
		p.subs[instrument] = set
	}
	set[c.ID()] = c

	if _, ok := p.clientSubs[c.ID()]; !ok {
		p.clientSubs[c.ID()] = make(map[string]struct{})
	}
	p.clientSubs[c.ID()][instrument] = struct{}{}
}

// Unsubscribe removes instrument from a client's subscription set.
func (p *Publisher) Unsubscribe(c Client, instrument string) {
	instrument = normInstrument(instrument)

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, ok := p.subs[instrument]; ok {
		delete(set, c.ID())
		if len(set) == 0 {
			delete(p.subs, instrument)
		}
	}
	if subs, ok := p.clientSubs[c.ID()]; ok {
		delete(subs, instrument)
	}
}

// Publish enqueues event for dispatch. If the queue is full this blocks,
// applying back-pressure on the producer rather than dropping the event.
func (p *Publisher) Publish(event domain.Event) {
	event.Symbol = normInstrument(event.Symbol)
	select {
	case p.queue <- event:
	default:
		p.queue <- event
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case evt := <-p.queue:
			p.dispatch(evt)
		}
	}
}

func (p *Publisher) dispatch(evt domain.Event) {
	p.mu.RLock()
	set := p.subs[evt.Symbol]
	targets := make([]Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	p.mu.RUnlock()

	var dead []string
	for _, c := range targets {
		if err := c.Send(evt); err != nil {
			p.log.Debug().Str("client", c.ID()).Err(err).Msg("dispatch failed, evicting client")
			dead = append(dead, c.ID())
		}
	}

	if len(dead) == 0 {
		return
	}
	p.mu.Lock()
	for _, id := range dead {
		p.unregisterLocked(id)
	}
	p.mu.Unlock()
}
