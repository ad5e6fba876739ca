// Package timing drives the spec §4.5 clock-synchronization exchange over a
// dedicated UDP socket: a periodic ping to an upstream peer, an immediate
// pong reply to anyone who pings us, and pong observations folded into a
// pkg/clock.Sync.
//
// Grounded on internal/broker.listenWorld's read-deadline polling loop,
// retargeted to the 8/16-byte timing packets in internal/wire instead of the
// broker's audio-frame envelope.
package timing

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/qarbaudio/qarb/internal/wire"
	"github.com/qarbaudio/qarb/pkg/clock"
)

// BaseInterval and JitterSpread are the §6 "Timing ping interval: 200ms ±
// 5ms".
const (
	BaseInterval = 200 * time.Millisecond
	JitterSpread = 5 * time.Millisecond
)

// Session drives one upstream peer's ping/pong exchange and answers pings
// from anyone who reaches this socket.
type Session struct {
	conn     *net.UDPConn
	upstream *net.UDPAddr
	clk      *clock.Sync
	logger   *zap.Logger
}

// NewSession binds listenAddr for the timing exchange. upstream may be nil
// if this node only answers pings and never initiates them.
func NewSession(listenAddr string, upstream *net.UDPAddr, clk *clock.Sync, logger *zap.Logger) (*Session, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, upstream: upstream, clk: clk, logger: logger}, nil
}

// LocalAddr reports the bound timing-socket address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the timing socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run drives both the ping loop and the listen loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	go s.listen(ctx)
	s.pingLoop(ctx)
}

func (s *Session) pingLoop(ctx context.Context) {
	if s.upstream == nil {
		return
	}
	for {
		spread := int64(2 * JitterSpread)
		jitter := time.Duration(0)
		if spread > 0 {
			jitter = time.Duration(rand.Int63n(spread)) - JitterSpread
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(BaseInterval + jitter):
			body := wire.EncodeTimingPing(time.Now().UnixNano())
			if _, err := s.conn.WriteToUDP(body, s.upstream); err != nil && s.logger != nil {
				s.logger.Warn("timing ping send failed", zap.Error(err))
			}
		}
	}
}

func (s *Session) listen(ctx context.Context) {
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if s.logger != nil {
				s.logger.Warn("timing socket read error", zap.Error(err))
			}
			continue
		}
		s.handle(buf[:n], addr)
	}
}

func (s *Session) handle(b []byte, addr *net.UDPAddr) {
	switch len(b) {
	case 8:
		tTx, err := wire.DecodeTimingPing(b)
		if err != nil {
			return
		}
		reply := wire.EncodeTimingPong(tTx, time.Now().UnixNano())
		if _, err := s.conn.WriteToUDP(reply, addr); err != nil && s.logger != nil {
			s.logger.Warn("timing pong send failed", zap.Error(err))
		}
	case 16:
		tTxEcho, tRemote, err := wire.DecodeTimingPong(b)
		if err != nil {
			return
		}
		s.clk.Observe(tTxEcho, tRemote, time.Now().UnixNano())
	}
}
