package bus

import (
	"context"
	"errors"
	"sync"
)

// Broker is an in-process fanout hub. Each Join returns a connection that
// behaves like an independent peer on the topic: publishes go to every other
// connection on the same topic, never back to the publisher. Multiple
// coordinator instances in one process (tests, the sim command) get isolated
// cross-talk-free groups by using distinct topics or distinct brokers.
type Broker struct {
	mu     sync.RWMutex
	topics map[string][]*Conn
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string][]*Conn)}
}

// Join attaches a new connection to topic.
func (b *Broker) Join(topic string) *Conn {
	c := &Conn{
		broker:  b,
		topic:   topic,
		mailbox: make(chan Message, 64),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], c)
	b.mu.Unlock()
	return c
}

func (b *Broker) broadcast(from *Conn, m Message) {
	b.mu.RLock()
	conns := b.topics[from.topic]
	b.mu.RUnlock()
	for _, c := range conns {
		if c == from {
			continue
		}
		// Best-effort: a subscriber with a full mailbox loses the
		// message rather than blocking the publisher.
		select {
		case c.mailbox <- m:
		case <-c.done:
		default:
		}
	}
}

func (b *Broker) leave(conn *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.topics[conn.topic]
	for i, c := range conns {
		if c == conn {
			b.topics[conn.topic] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

// Conn is one peer's attachment to a Broker topic. It implements Bus.
type Conn struct {
	broker  *Broker
	topic   string
	mailbox chan Message
	done    chan struct{}

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

func (c *Conn) Publish(_ context.Context, m Message) error {
	select {
	case <-c.done:
		return errors.New("bus: connection closed")
	default:
	}
	c.broker.broadcast(c, m)
	return nil
}

func (c *Conn) Subscribe(h func(Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("bus: connection closed")
	}
	if c.subscribed {
		return nil, errors.New("bus: already subscribed")
	}
	c.subscribed = true

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case m := <-c.mailbox:
				h(m)
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			c.mu.Lock()
			c.subscribed = false
			c.mu.Unlock()
		})
	}
	return cancel, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	c.broker.leave(c)
	return nil
}
