package transceiver

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/danmuck/ropnet/internal/nv"
	"github.com/danmuck/ropnet/internal/receiver"
	"github.com/danmuck/ropnet/internal/rop"
	"github.com/danmuck/ropnet/internal/rop/packet"
	"github.com/danmuck/ropnet/internal/transmitter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRemote is the board address used when a config leaves Remote unset.
var DefaultRemote = netip.MustParseAddrPort("10.0.1.200:12345")

var ErrInvalidSizes = errors.New("transceiver: invalid sizes")

// Protection selects whether the transceiver serializes its own entry points.
type Protection uint8

const (
	ProtectionNone Protection = iota
	ProtectionEnabled
)

func (p Protection) String() string {
	if p == ProtectionEnabled {
		return "enabled"
	}
	return "none"
}

// Config wires one transceiver. Zero values fall back to defaults.
type Config struct {
	Channel         string
	Sizes           transmitter.Sizes
	Remote          netip.AddrPort
	Set             nv.Set
	Proxy           *nv.Proxy
	Protection      Protection
	MaxRemotes      int
	OnSequenceError func(receiver.SequenceError)
	OnInvalidFrame  func(receiver.InvalidFrameError)
	Clock           func() uint64
}

func (c Config) withDefaults() Config {
	c.Sizes = c.Sizes.WithDefaults()
	if !c.Remote.IsValid() {
		c.Remote = DefaultRemote
	}
	c.Remote = netip.AddrPortFrom(c.Remote.Addr().Unmap(), c.Remote.Port())
	if c.Channel == "" {
		c.Channel = c.Remote.String()
	}
	if c.Set == nil {
		c.Set = nv.NewTable()
	}
	if c.Proxy == nil {
		c.Proxy = nv.NewProxy()
	}
	if c.Clock == nil {
		c.Clock = receiver.WallClock
	}
	if c.MaxRemotes == 0 {
		c.MaxRemotes = receiver.DefaultMaxRemotes
	}
	return c
}

// ValidateSizes checks that every pool fits into one outgoing packet.
func ValidateSizes(s transmitter.Sizes) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSizes, err)
	}
	for name, size := range map[string]int{
		"regulars":    s.RegularsCapacity,
		"occasionals": s.OccasionalsCapacity,
		"replies":     s.RepliesCapacity,
	} {
		if size > s.PacketCapacity {
			return fmt.Errorf("%w: %s capacity %d exceeds packet capacity %d", ErrInvalidSizes, name, size, s.PacketCapacity)
		}
	}
	if s.ROPCapacity > s.PacketCapacity {
		return fmt.Errorf("%w: rop capacity %d exceeds packet capacity %d", ErrInvalidSizes, s.ROPCapacity, s.PacketCapacity)
	}
	return nil
}

// Status is a point-in-time view of a transceiver for diagnostics.
type Status struct {
	Channel      string             `json:"channel"`
	Remote       string             `json:"remote"`
	Protection   string             `json:"protection"`
	Sequence     uint64             `json:"sequence"`
	Counts       transmitter.Counts `json:"counts"`
	Regulars     []RegularStatus    `json:"regulars"`
	ReplyDrops   uint64             `json:"reply_drops"`
	LastTxError  string             `json:"last_tx_error,omitempty"`
	ProxyEntries int                `json:"proxy_entries"`
}

type RegularStatus struct {
	Opcode   string `json:"opcode"`
	Endpoint uint16 `json:"endpoint"`
	ID       uint32 `json:"id"`
	PlusTime bool   `json:"plus_time,omitempty"`
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// Transceiver pairs one receiver and one transmitter on a single channel.
type Transceiver struct {
	cfg    Config
	mu     sync.Locker
	logger zerolog.Logger

	rx *receiver.Receiver
	tx *transmitter.Transmitter

	replyDrops uint64
}

func New(cfg Config) (*Transceiver, error) {
	cfg = cfg.withDefaults()
	if err := ValidateSizes(cfg.Sizes); err != nil {
		return nil, err
	}

	rx, err := receiver.New(receiver.Config{
		Channel:         cfg.Channel,
		ReplyCapacity:   cfg.Sizes.RepliesCapacity,
		ROPCapacity:     cfg.Sizes.ROPCapacity,
		MaxRemotes:      cfg.MaxRemotes,
		Set:             cfg.Set,
		Proxy:           cfg.Proxy,
		Clock:           cfg.Clock,
		OnSequenceError: cfg.OnSequenceError,
		OnInvalidFrame:  cfg.OnInvalidFrame,
	})
	if err != nil {
		return nil, err
	}
	tx, err := transmitter.New(transmitter.Config{
		Channel: cfg.Channel,
		Sizes:   cfg.Sizes,
		Remote:  cfg.Remote,
		Set:     cfg.Set,
		Clock:   cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	t := &Transceiver{
		cfg:    cfg,
		mu:     nopLocker{},
		logger: log.With().Str("component", "transceiver").Str("channel", cfg.Channel).Logger(),
		rx:     rx,
		tx:     tx,
	}
	if cfg.Protection == ProtectionEnabled {
		t.mu = &sync.Mutex{}
	}
	t.logger.Debug().
		Str("remote", cfg.Remote.String()).
		Str("protection", cfg.Protection.String()).
		Int("packet_capacity", cfg.Sizes.PacketCapacity).
		Msg("transceiver ready")
	return t, nil
}

// Receive applies an inbound packet and queues any replies it produced for the
// next outgoing frame. A reply pool overflow drops those replies and is not
// reported as an error.
func (t *Transceiver) Receive(pkt *packet.Packet) (receiver.Result, error) {
	if t == nil {
		return receiver.Result{}, rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.rx.Process(pkt)
	if err != nil || !res.HasReply {
		return res, err
	}
	reply, ok := t.rx.Reply()
	if !ok {
		return res, nil
	}
	if err := t.tx.LoadReplyFrame(reply); err != nil {
		t.replyDrops++
		t.logger.Warn().Err(err).Int("replies", reply.Count()).Msg("reply pool full, replies dropped")
	}
	return res, nil
}

// Prepare builds the next outgoing frame and returns its operation count.
func (t *Transceiver) Prepare() (int, error) {
	if t == nil {
		return 0, rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.Prepare()
}

// Outpacket returns the prepared packet. It is reused by the next Prepare;
// concurrent callers should use Flush instead.
func (t *Transceiver) Outpacket() (*packet.Packet, error) {
	if t == nil {
		return nil, rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.Outpacket()
}

// Flush prepares a frame and hands it to send without releasing the lock in
// between. A failed send loses that frame: the occasionals and replies it
// carried are not requeued and its sequence number is spent. The unsent packet
// stays readable through Outpacket until the next Prepare.
func (t *Transceiver) Flush(send func(remote netip.AddrPort, data []byte) error) (int, error) {
	if t == nil || send == nil {
		return 0, rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.tx.Prepare()
	if err != nil {
		return 0, err
	}
	pkt, err := t.tx.Outpacket()
	if err != nil {
		return 0, err
	}
	if err := send(pkt.Remote, pkt.Data()); err != nil {
		return n, err
	}
	t.tx.MarkSent()
	return n, nil
}

func (t *Transceiver) MarkSent() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tx.MarkSent()
}

func (t *Transceiver) Counts() transmitter.Counts {
	if t == nil {
		return transmitter.Counts{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.Counts()
}

func (t *Transceiver) LoadRegular(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.LoadRegular(d)
}

func (t *Transceiver) UnloadRegular(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.UnloadRegular(d)
}

func (t *Transceiver) UnloadEndpoint(ep uint16) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.UnloadEndpoint(ep)
}

func (t *Transceiver) ClearRegulars() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tx.ClearRegulars()
}

func (t *Transceiver) LoadOccasional(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.LoadOccasional(d)
}

func (t *Transceiver) LoadReply(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.LoadReply(d)
}

// LoadReplyInProxy answers on behalf of a board whose variable this node
// proxies: it queues a say carrying data, reusing the signature cached for
// addr, and records data as the proxied value.
func (t *Transceiver) LoadReplyInProxy(addr rop.Address, data []byte) error {
	if t == nil || len(data) == 0 {
		return rop.ErrNullInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	d := rop.Descriptor{Opcode: rop.OpSay, Addr: addr, Data: data}
	if e, ok := t.cfg.Proxy.Get(addr); ok && e.HasSign {
		d.HasSign = true
		d.Sign = e.Sign
	}
	if err := t.tx.LoadReply(d); err != nil {
		return err
	}
	t.cfg.Proxy.Store(rop.Operation{Opcode: rop.OpSay, Addr: addr, Data: data, HasSign: d.HasSign, Sign: d.Sign})
	return nil
}

// RegularsWithEndpoint counts the regular operations addressed to ep.
func (t *Transceiver) RegularsWithEndpoint(ep uint16) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx.RegularsWithEndpoint(ep)
}

func (t *Transceiver) SequenceError() (receiver.SequenceError, bool) {
	if t == nil {
		return receiver.SequenceError{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rx.SequenceError()
}

func (t *Transceiver) InvalidFrameError() (receiver.InvalidFrameError, bool) {
	if t == nil {
		return receiver.InvalidFrameError{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rx.InvalidFrameError()
}

// Status snapshots counters and the regular set. A nil transceiver reports a
// zero Status.
func (t *Transceiver) Status() Status {
	if t == nil {
		return Status{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	regs := t.tx.Regulars()
	st := Status{
		Channel:      t.cfg.Channel,
		Remote:       t.cfg.Remote.String(),
		Protection:   t.cfg.Protection.String(),
		Sequence:     t.tx.Sequence(),
		Counts:       t.tx.Counts(),
		Regulars:     make([]RegularStatus, 0, len(regs)),
		ReplyDrops:   t.replyDrops,
		ProxyEntries: t.cfg.Proxy.Len(),
	}
	for _, d := range regs {
		st.Regulars = append(st.Regulars, RegularStatus{
			Opcode:   d.Opcode.String(),
			Endpoint: d.Addr.Endpoint,
			ID:       d.Addr.ID,
			PlusTime: d.PlusTime,
		})
	}
	if last, ok := t.tx.LastError(); ok {
		st.LastTxError = last.Err.Error()
	}
	return st
}

// Receiver and Transmitter expose the halves for callers that manage locking
// themselves.
func (t *Transceiver) Receiver() *receiver.Receiver          { return t.rx }
func (t *Transceiver) Transmitter() *transmitter.Transmitter { return t.tx }

func (t *Transceiver) Protected() bool        { return t.cfg.Protection == ProtectionEnabled }
func (t *Transceiver) Set() nv.Set            { return t.cfg.Set }
func (t *Transceiver) Proxy() *nv.Proxy       { return t.cfg.Proxy }
func (t *Transceiver) Remote() netip.AddrPort { return t.cfg.Remote }
func (t *Transceiver) Channel() string        { return t.cfg.Channel }
func (t *Transceiver) Sizes() transmitter.Sizes {
	return t.cfg.Sizes
}
