package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrNotBound is returned by Send when Bind was never called.
var ErrNotBound = errors.New("cannot send before binding")

// StatisticsTopic is the topic statistics snapshots are published under.
const StatisticsTopic = "statisticsWriter"

const publisherWriteTimeout = time.Second

// encMode is CBOR core deterministic encoding: the same snapshot always
// produces the same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transport: CBOR encoder initialization failed: " + err.Error())
	}
}

// Publisher fans messages out to every subscriber connected to its listen
// address. Slow or broken subscribers are dropped.
type Publisher struct {
	address string
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	subs     map[net.Conn]struct{}
}

// NewPublisher returns a Publisher that will listen on address once bound.
func NewPublisher(address string, log *slog.Logger) *Publisher {
	return &Publisher{
		address: HostPort(address),
		log:     log,
		subs:    make(map[net.Conn]struct{}),
	}
}

// Bind starts listening for subscribers.
func (p *Publisher) Bind() error {
	ln, err := net.Listen("tcp", p.address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", p.address, err)
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.log.Info("statistics publisher bound", slog.String("address", ln.Addr().String()))
	go p.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (p *Publisher) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *Publisher) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.listener == nil {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		p.subs[conn] = struct{}{}
		p.mu.Unlock()
		p.log.Debug("statistics subscriber connected", slog.String("remote", conn.RemoteAddr().String()))
	}
}

// Send publishes msg, CBOR encoded, under topic to all current subscribers.
func (p *Publisher) Send(topic string, msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return ErrNotBound
	}

	body, err := encMode.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	for conn := range p.subs {
		_ = conn.SetWriteDeadline(time.Now().Add(publisherWriteTimeout))
		if err := writeParts(conn, []byte(topic), body); err != nil {
			p.log.Warn("dropping statistics subscriber",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			_ = conn.Close()
			delete(p.subs, conn)
		}
	}
	return nil
}

func (p *Publisher) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close stops listening and disconnects all subscribers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.listener != nil {
		err = p.listener.Close()
		p.listener = nil
	}
	for conn := range p.subs {
		_ = conn.Close()
		delete(p.subs, conn)
	}
	return err
}

// DecodeMessage reads one published message from r: its topic and CBOR body
// decoded into v.
func DecodeMessage(r io.Reader, v any) (string, error) {
	topic, err := readPart(r, nil)
	if err != nil {
		return "", err
	}
	body, err := readPart(r, nil)
	if err != nil {
		return "", err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return "", fmt.Errorf("decode %s message: %w", topic, err)
	}
	return string(topic), nil
}
