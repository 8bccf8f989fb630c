package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ropnet/internal/observability"
	"github.com/danmuck/ropnet/internal/rop/packet"
	"github.com/danmuck/ropnet/internal/transceiver"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPeriod = 10 * time.Millisecond
	maxUDPPayload = 65507
)

var (
	ErrUnprotected = errors.New("link: transceiver must run with protection enabled")
	ErrClosed      = errors.New("link: closed")
)

// Config binds a link to a local UDP address.
type Config struct {
	Listen string
	Period time.Duration
}

// Stats counts datagrams seen by the link.
type Stats struct {
	Received    uint64 `json:"received"`
	Sent        uint64 `json:"sent"`
	Rejected    uint64 `json:"rejected"`
	ReadErrors  uint64 `json:"read_errors"`
	WriteErrors uint64 `json:"write_errors"`
	Skipped     uint64 `json:"skipped"`
}

// Link drives one transceiver over a UDP socket: inbound datagrams are
// received as they arrive and one frame is sent to the remote every period.
type Link struct {
	cfg    Config
	tr     *transceiver.Transceiver
	conn   *net.UDPConn
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool

	received    atomic.Uint64
	sent        atomic.Uint64
	rejected    atomic.Uint64
	readErrors  atomic.Uint64
	writeErrors atomic.Uint64
	skipped     atomic.Uint64
}

// Listen opens the local socket and attaches tr to it.
func Listen(cfg Config, tr *transceiver.Transceiver) (*Link, error) {
	if err := checkTransceiver(tr); err != nil {
		return nil, err
	}
	laddr, err := net.ResolveUDPAddr("udp4", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("link: resolve %s: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("link: listen %s: %w", cfg.Listen, err)
	}
	return Attach(conn, cfg, tr)
}

// Attach drives tr over an already bound socket. The transceiver is shared
// between the read and send loops, so it must serialize its own entry points.
func Attach(conn *net.UDPConn, cfg Config, tr *transceiver.Transceiver) (*Link, error) {
	if conn == nil {
		return nil, fmt.Errorf("link: conn is nil")
	}
	if err := checkTransceiver(tr); err != nil {
		return nil, err
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	l := &Link{
		cfg:    cfg,
		tr:     tr,
		conn:   conn,
		logger: log.With().Str("component", "link").Str("channel", tr.Channel()).Logger(),
	}
	l.logger.Info().
		Str("local", l.LocalAddr().String()).
		Str("remote", tr.Remote().String()).
		Dur("period", cfg.Period).
		Msg("link listening")
	return l, nil
}

// LocalAddr returns the bound socket address.
func (l *Link) LocalAddr() netip.AddrPort {
	if ua, ok := l.conn.LocalAddr().(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	return netip.AddrPort{}
}

// Run blocks until ctx is cancelled or the link is closed. Socket and protocol
// errors are logged and counted; the loops keep going.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.mu.Unlock()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		l.readLoop(ctx)
	}()

	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			err := l.Close()
			<-readDone
			l.logger.Info().Msg("link stopped")
			return err
		case <-readDone:
			l.logger.Info().Msg("link closed")
			return nil
		case <-ticker.C:
			l.sendOnce()
		}
	}
}

// Close shuts the socket. It is safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) Stats() Stats {
	return Stats{
		Received:    l.received.Load(),
		Sent:        l.sent.Load(),
		Rejected:    l.rejected.Load(),
		ReadErrors:  l.readErrors.Load(),
		WriteErrors: l.writeErrors.Load(),
		Skipped:     l.skipped.Load(),
	}
}

func (l *Link) readLoop(ctx context.Context) {
	buf := make([]byte, maxUDPPayload)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.readErrors.Add(1)
			observability.RecordLinkError(l.tr.Channel(), "read")
			l.logger.Warn().Err(err).Msg("udp read failed")
			continue
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		res, err := l.tr.Receive(packet.FromBytes(from, buf[:n]))
		if err != nil {
			l.rejected.Add(1)
			continue
		}
		l.received.Add(1)
		l.logger.Trace().
			Str("remote", from.String()).
			Int("ops", res.Received).
			Int("applied", res.Applied).
			Msg("frame received")
	}
}

func (l *Link) sendOnce() {
	// Prepare drains the one-shot pools, so nothing is prepared after Close.
	if l.isClosed() {
		return
	}
	_, err := l.tr.Flush(func(remote netip.AddrPort, data []byte) error {
		_, werr := l.conn.WriteToUDPAddrPort(data, remote)
		return werr
	})
	switch {
	case err == nil:
		l.sent.Add(1)
	case errors.Is(err, net.ErrClosed):
		l.writeErrors.Add(1)
		l.logger.Debug().Err(err).Msg("frame dropped, socket closed")
	case isWriteError(err):
		l.writeErrors.Add(1)
		observability.RecordLinkError(l.tr.Channel(), "write")
		l.logger.Warn().Err(err).Msg("udp write failed")
	default:
		// prepare failed, the pools are untouched and retried next period
		l.skipped.Add(1)
		l.logger.Debug().Err(err).Msg("frame not prepared")
	}
}

func checkTransceiver(tr *transceiver.Transceiver) error {
	if tr == nil {
		return fmt.Errorf("link: transceiver is nil")
	}
	if !tr.Protected() {
		return ErrUnprotected
	}
	return nil
}

func isWriteError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
