package devsim

import (
	"io"
	"sync"

	"github.com/peterje/mctl/internal/transport"
)

// Pipe is an in-memory transport.Transport connected to a Device. Output is
// queued without bound and delivered from one goroutine, in order.
type Pipe struct {
	dev  *Device
	kind transport.Kind

	// Split, when positive, re-chunks device output into pieces of at most
	// Split bytes before delivery.
	Split int

	mu     sync.Mutex
	queue  [][]byte
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewPipe connects a transport of the given kind to dev. Network pipes also
// implement transport.BinarySender and answer GET_VER with version 3.0.
func NewPipe(dev *Device, kind transport.Kind) transport.Transport {
	p := &Pipe{
		dev:  dev,
		kind: kind,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	dev.attach(p.push)
	if kind == transport.Network {
		return &netPipe{Pipe: p}
	}
	return p
}

// NewLoginPipe is a network pipe whose device asks for password on start.
func NewLoginPipe(dev *Device, password string) transport.Transport {
	t := NewPipe(dev, transport.Network).(*netPipe)
	t.password = &password
	return t
}

func (p *Pipe) Kind() transport.Kind { return p.kind }

func (p *Pipe) Start(h transport.Handler) {
	go p.loop(h)
}

func (p *Pipe) Send(b []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	p.dev.Input(b)
	return nil
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

func (p *Pipe) push(b []byte) {
	p.mu.Lock()
	if p.Split > 0 {
		for len(b) > p.Split {
			p.queue = append(p.queue, b[:p.Split])
			b = b[p.Split:]
		}
	}
	p.queue = append(p.queue, b)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// loop delivers everything queued before a close, the way a socket hands
// over buffered data before reporting EOF.
func (p *Pipe) loop(h transport.Handler) {
	defer h.HandleClose()
	for {
		p.mu.Lock()
		batch, closed := p.queue, p.closed
		p.queue = nil
		p.mu.Unlock()

		for _, b := range batch {
			h.HandleData(b)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-p.wake:
		case <-p.done:
		}
	}
}

type netPipe struct {
	*Pipe
	password *string
}

func (n *netPipe) Start(h transport.Handler) {
	n.Pipe.Start(h)
	if n.password != nil {
		n.dev.requirePassword(*n.password, func() { n.Close() })
	}
}

func (n *netPipe) SendBinary(b []byte) error {
	if reply := versionReply(b, 3, 0); reply != nil {
		n.push(reply)
	}
	return nil
}
