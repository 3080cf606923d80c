package master

import (
	"log/slog"
	"sync"

	"github.com/elonfeng/creatorhub/internal/clock"
	"github.com/elonfeng/creatorhub/pkg/protocol"
)

// peer owns the write side of one websocket connection. Frames are queued
// on a bounded channel and written by a single goroutine, which also sends
// the keepalive pings.
type peer struct {
	conn   *protocol.Conn
	clock  clock.Clock
	logger *slog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPeer(conn *protocol.Conn, clk clock.Clock, logger *slog.Logger, buffer int) *peer {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &peer{
		conn:   conn,
		clock:  clk,
		logger: logger,
		out:    make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// send encodes p and queues it.
func (p *peer) send(msg protocol.Payload) bool {
	data, err := protocol.Encode(msg, p.clock.Now())
	if err != nil {
		p.logger.Error("encode message", "kind", msg.Kind(), "error", err)
		return false
	}
	return p.enqueue(data)
}

// enqueue never blocks. A peer whose queue is full cannot keep up and is
// disconnected.
func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- data:
		return true
	case <-p.done:
		return false
	default:
		p.logger.Warn("send queue full, dropping connection", "remote", p.conn.RemoteAddr())
		p.close()
		return false
	}
}

func (p *peer) writeLoop() {
	ticker := p.clock.NewTicker(protocol.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case data := <-p.out:
			if err := p.conn.WriteRaw(data); err != nil {
				p.logger.Debug("write failed", "error", err)
				p.close()
				return
			}
		case <-ticker.C():
			if err := p.conn.Ping(); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
