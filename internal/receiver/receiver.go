// Package receiver composes the multicast-variant wire codec (spec §6), the
// packet/FEC/jitter-buffer engine (pkg/jitter), and host-clock
// synchronization (pkg/clock) into a runnable playout path — the multicast
// counterpart to internal/broker's unicast routing, for deployments that
// multicast audio to their peers instead of addressing each one directly.
//
// Grounded on internal/broker.listenWorld's UDP read-deadline polling loop,
// retargeted from the broker's unicast world socket to a joined multicast
// group and from internal/wire.AudioFrame to internal/wire.MulticastDatagram.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/qarbaudio/qarb/internal/config"
	"github.com/qarbaudio/qarb/internal/wire"
	"github.com/qarbaudio/qarb/pkg/clock"
	"github.com/qarbaudio/qarb/pkg/codec"
	"github.com/qarbaudio/qarb/pkg/jitter"
)

// Receiver decodes a multicast audio stream into per-channel, clock-scheduled
// PCM via one jitter.PacketBuffer per channel.
type Receiver struct {
	logger  *zap.Logger
	conn    *net.UDPConn
	clk     *clock.Sync
	buffers []*jitter.PacketBuffer
}

// New joins groupAddr (e.g. "239.0.0.1:7780") and prepares one packet buffer
// per channel, with its playout window and retransmit throttle taken from
// cfg's jitter tunables.
func New(groupAddr string, channels int, cfg config.JitterConfig, clk *clock.Sync, logger *zap.Logger) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", groupAddr)
	if err != nil {
		return nil, fmt.Errorf("receiver: resolve group addr: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("receiver: join multicast group: %w", err)
	}

	buffTime := time.Duration(cfg.BuffTimeMs) * time.Millisecond
	retransmitThrottle := time.Duration(cfg.RetransmitThrottleMs) * time.Millisecond

	buffers := make([]*jitter.PacketBuffer, channels)
	for i := range buffers {
		dec, err := codec.NewDecoder(1)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("receiver: channel %d decoder: %w", i, err)
		}
		buffers[i] = jitter.NewPacketBufferWithConfig(dec, buffTime, retransmitThrottle)
	}

	return &Receiver{logger: logger, conn: conn, clk: clk, buffers: buffers}, nil
}

// LocalAddr reports the bound multicast socket address.
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Run reads multicast datagrams until ctx is cancelled, queuing each
// included channel's payload into its packet buffer.
func (r *Receiver) Run(ctx context.Context) {
	buf := make([]byte, wire.MaxPayloadBytes+64)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return
		}
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if r.logger != nil {
				r.logger.Warn("multicast read error", zap.Error(err))
			}
			continue
		}

		dg, err := wire.DecodeMulticastDatagram(append([]byte(nil), buf[:n]...))
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("malformed multicast datagram", zap.Error(err))
			}
			continue
		}
		for i, ch := range dg.Channels {
			idx := int(dg.ChannelOffset) + i
			if idx < 0 || idx >= len(r.buffers) {
				continue
			}
			r.buffers[idx].Queue(dg.PresentationTimestampNs, ch.Payload)
		}
	}
}

// Pull returns the next due PCM frame for channel idx at the clock-adjusted
// host time, or ok=false if nothing is due (an underrun).
func (r *Receiver) Pull(idx int) ([]float32, bool) {
	if idx < 0 || idx >= len(r.buffers) {
		return nil, false
	}
	p, ok := r.buffers[idx].Next(r.clk.HostTimeNs())
	if !ok {
		return nil, false
	}
	return p.PCM, true
}

// ChannelCount reports how many per-channel packet buffers this receiver owns.
func (r *Receiver) ChannelCount() int {
	return len(r.buffers)
}

// Close releases the multicast socket.
func (r *Receiver) Close() error {
	return r.conn.Close()
}
