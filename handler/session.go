package handler

import (
	"sync"

	engerrors "github.com/maxpert/msgengine/errors"
)

// Producer is a session sending to a handler
type Producer struct {
	id        uint64
	handler   *Handler
	closeOnce sync.Once
	closed    chan struct{}
}

// ID returns the producer's id within its handler
func (p *Producer) ID() uint64 { return p.id }

// Done is closed once the producer is closed
func (p *Producer) Done() <-chan struct{} { return p.closed }

// Close detaches the producer. It is safe to call more than once.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.handler.mu.Lock()
		delete(p.handler.producers, p.id)
		p.handler.mu.Unlock()
		close(p.closed)
	})
}

// Consumer is a session receiving from a handler
type Consumer struct {
	id         uint64
	handler    *Handler
	nonDurable bool
	closeOnce  sync.Once
	closed     chan struct{}
}

// ID returns the consumer's id within its handler
func (c *Consumer) ID() uint64 { return c.id }

// NonDurable reports a non-durable topic subscriber
func (c *Consumer) NonDurable() bool { return c.nonDurable }

// Done is closed once the consumer is closed
func (c *Consumer) Done() <-chan struct{} { return c.closed }

// Close detaches the consumer. It is safe to call more than once.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.handler.mu.Lock()
		delete(c.handler.consumers, c.id)
		if c.nonDurable {
			c.handler.nonDurableSubscribers--
		}
		c.handler.mu.Unlock()
		close(c.closed)
	})
}

// AttachProducer registers a new producer. Once the handler is marked
// to-be-deleted no producer may attach.
func (h *Handler) AttachProducer() (*Producer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.toBeDeleted || h.state == StateDeleted {
		return nil, engerrors.NewDestinationNotFound(h.name, h.bus, "handler.attach_producer")
	}
	if h.state.Quarantined() {
		return nil, engerrors.NewDestinationCorrupt(h.name, h.bus, "handler.attach_producer")
	}
	h.nextSessionID++
	p := &Producer{id: h.nextSessionID, handler: h, closed: make(chan struct{})}
	h.producers[p.id] = p
	return p, nil
}

// AttachConsumer registers a new consumer. The consumer list is frozen once
// the handler is marked to-be-deleted. nonDurable counts the consumer as a
// non-durable subscriber of a topic space.
func (h *Handler) AttachConsumer(nonDurable bool) (*Consumer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.toBeDeleted || h.state == StateDeleted {
		return nil, engerrors.NewDestinationNotFound(h.name, h.bus, "handler.attach_consumer")
	}
	if h.state.Quarantined() {
		return nil, engerrors.NewDestinationCorrupt(h.name, h.bus, "handler.attach_consumer")
	}
	h.nextSessionID++
	c := &Consumer{
		id:         h.nextSessionID,
		handler:    h,
		nonDurable: nonDurable && h.kind.IsPubSub(),
		closed:     make(chan struct{}),
	}
	if c.nonDurable {
		h.nonDurableSubscribers++
	}
	h.consumers[c.id] = c
	return c, nil
}

// CloseProducers closes every attached producer and returns how many were
// closed. Producers are closed outside the field lock.
func (h *Handler) CloseProducers() int {
	h.mu.Lock()
	producers := make([]*Producer, 0, len(h.producers))
	for _, p := range h.producers {
		producers = append(producers, p)
	}
	h.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	return len(producers)
}

// CloseConsumers closes every attached consumer and returns how many were
// closed.
func (h *Handler) CloseConsumers() int {
	h.mu.Lock()
	consumers := make([]*Consumer, 0, len(h.consumers))
	for _, c := range h.consumers {
		consumers = append(consumers, c)
	}
	h.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	return len(consumers)
}

// ProducerCount returns the number of attached producers
func (h *Handler) ProducerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.producers)
}

// ConsumerCount returns the number of attached consumers
func (h *Handler) ConsumerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.consumers)
}

// NonDurableSubscribers returns the number of attached non-durable
// subscribers
func (h *Handler) NonDurableSubscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nonDurableSubscribers
}
