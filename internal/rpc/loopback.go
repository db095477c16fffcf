package rpc

import (
	"fmt"
	"sync"
)

// LoopbackNet connects endpoints living in one process. Sends are handed
// to the destination's single delivery goroutine, which serializes
// handler entry; completion callbacks run after the handler returns, so
// backpressure and reply timing behave like a real transport.
type LoopbackNet struct {
	mu  sync.Mutex
	eps map[string]*loopEndpoint
}

// DefaultLoopback is the process-wide loopback network. The sm://
// protocol family resolves here.
var DefaultLoopback = NewLoopbackNet()

// NewLoopbackNet creates an empty loopback network.
func NewLoopbackNet() *LoopbackNet {
	return &LoopbackNet{eps: make(map[string]*loopEndpoint)}
}

// inboundDepth bounds each endpoint's inbound queue. Senders block once
// the destination is this far behind.
const inboundDepth = 256

type loopMsg struct {
	from string
	body []byte
	done func(reply []byte, err error)
}

type loopEndpoint struct {
	net     *LoopbackNet
	uri     string
	handler Handler
	inbound chan loopMsg
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Listen registers an endpoint under uri. The uri must be unused on this
// network.
func (n *LoopbackNet) Listen(uri string, h Handler) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.eps[uri]; ok {
		return nil, fmt.Errorf("rpc: loopback uri %q in use", uri)
	}
	ep := &loopEndpoint{
		net:     n,
		uri:     uri,
		handler: h,
		inbound: make(chan loopMsg, inboundDepth),
		stop:    make(chan struct{}),
	}
	ep.wg.Add(1)
	go ep.deliverLoop()
	n.eps[uri] = ep
	return ep, nil
}

func (n *LoopbackNet) lookup(uri string) *loopEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eps[uri]
}

func (n *LoopbackNet) remove(uri string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.eps, uri)
}

func (e *loopEndpoint) deliverLoop() {
	defer e.wg.Done()
	for {
		select {
		case m := <-e.inbound:
			e.deliver(m)
		case <-e.stop:
			// Finish what is already queued, then fail stragglers fast.
			for {
				select {
				case m := <-e.inbound:
					e.deliver(m)
				default:
					return
				}
			}
		}
	}
}

func (e *loopEndpoint) deliver(m loopMsg) {
	reply, err := e.handler(m.from, m.body)
	if m.done != nil {
		m.done(reply, err)
	}
}

func (e *loopEndpoint) URI() string { return e.uri }

func (e *loopEndpoint) Send(dst string, body []byte, done func([]byte, error)) error {
	dep := e.net.lookup(dst)
	if dep == nil {
		return fmt.Errorf("rpc: no endpoint at %q", dst)
	}

	// Copy so callers may reuse their buffers, the same contract a wire
	// transport gives.
	cp := make([]byte, len(body))
	copy(cp, body)
	m := loopMsg{from: e.uri, body: cp, done: done}

	select {
	case dep.inbound <- m:
		return nil
	case <-dep.stop:
		return ErrShutdown
	default:
	}

	// Queue full: block in a goroutine so Send keeps its async contract
	// while the destination's queue exerts backpressure through done.
	go func() {
		select {
		case dep.inbound <- m:
		case <-dep.stop:
			if done != nil {
				done(nil, ErrShutdown)
			}
		}
	}()
	return nil
}

func (e *loopEndpoint) Close() error {
	e.once.Do(func() {
		e.net.remove(e.uri)
		close(e.stop)
	})
	e.wg.Wait()
	return nil
}
