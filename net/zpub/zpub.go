// Package zpub publishes topic-tagged messages on a ZeroMQ PUB socket.
// Subscribers receive two-frame messages: topic, then payload.
package zpub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-zeromq/zmq4"

	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("zpub: publisher is closed")

type Publisher struct {
	mu     sync.Mutex
	sock   zmq4.Socket
	cancel context.CancelFunc
	closed bool
}

// Listen binds a PUB socket on endpoint, e.g. tcp://127.0.0.1:5556.
func Listen(endpoint string) (*Publisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		sock.Close()
		return nil, fmt.Errorf("zpub: listen on %s: %w", endpoint, err)
	}
	log.Infof("zpub: publishing on %s", endpoint)
	return &Publisher{sock: sock, cancel: cancel}, nil
}

// Addr returns the bound address, useful when the endpoint asked for port 0.
func (p *Publisher) Addr() net.Addr {
	return p.sock.Addr()
}

// Publish sends payload to every subscriber of topic. Slow subscribers may drop messages.
func (p *Publisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.sock.Send(zmq4.NewMsgFrom([]byte(topic), payload))
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.sock.Close()
	p.cancel()
	return err
}
