package transmitter

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/danmuck/ropnet/internal/nv"
	"github.com/danmuck/ropnet/internal/observability"
	"github.com/danmuck/ropnet/internal/rop"
	"github.com/danmuck/ropnet/internal/rop/frame"
	"github.com/danmuck/ropnet/internal/rop/packet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPacketCapacity      = 1024
	DefaultROPCapacity         = 256
	DefaultRegularsCapacity    = 768
	DefaultOccasionalsCapacity = 128
	DefaultRepliesCapacity     = 128
	DefaultMaxRegularROPs      = 32
)

var (
	ErrNotPrepared = errors.New("transmitter: outpacket not prepared")
	ErrNotLoaded   = errors.New("transmitter: regular operation not loaded")
	ErrNoData      = errors.New("transmitter: operation needs data")
)

// Sizes bounds every pool and buffer. They are fixed for the lifetime of the
// transmitter.
type Sizes struct {
	PacketCapacity      int
	ROPCapacity         int
	RegularsCapacity    int
	OccasionalsCapacity int
	RepliesCapacity     int
	MaxRegularROPs      int
}

func DefaultSizes() Sizes {
	return Sizes{
		PacketCapacity:      DefaultPacketCapacity,
		ROPCapacity:         DefaultROPCapacity,
		RegularsCapacity:    DefaultRegularsCapacity,
		OccasionalsCapacity: DefaultOccasionalsCapacity,
		RepliesCapacity:     DefaultRepliesCapacity,
		MaxRegularROPs:      DefaultMaxRegularROPs,
	}
}

// WithDefaults fills zero fields from DefaultSizes.
func (s Sizes) WithDefaults() Sizes {
	d := DefaultSizes()
	if s.PacketCapacity == 0 {
		s.PacketCapacity = d.PacketCapacity
	}
	if s.ROPCapacity == 0 {
		s.ROPCapacity = d.ROPCapacity
	}
	if s.RegularsCapacity == 0 {
		s.RegularsCapacity = d.RegularsCapacity
	}
	if s.OccasionalsCapacity == 0 {
		s.OccasionalsCapacity = d.OccasionalsCapacity
	}
	if s.RepliesCapacity == 0 {
		s.RepliesCapacity = d.RepliesCapacity
	}
	if s.MaxRegularROPs == 0 {
		s.MaxRegularROPs = d.MaxRegularROPs
	}
	return s
}

func (s Sizes) Validate() error {
	frames := map[string]int{
		"packet":      s.PacketCapacity,
		"regulars":    s.RegularsCapacity,
		"occasionals": s.OccasionalsCapacity,
		"replies":     s.RepliesCapacity,
	}
	for name, size := range frames {
		if size < frame.Overhead {
			return fmt.Errorf("transmitter: %s capacity %d below frame overhead %d", name, size, frame.Overhead)
		}
	}
	if s.ROPCapacity < rop.HeaderSize {
		return fmt.Errorf("transmitter: rop capacity %d below operation header %d", s.ROPCapacity, rop.HeaderSize)
	}
	if s.MaxRegularROPs < 0 {
		return fmt.Errorf("transmitter: negative max regular rops %d", s.MaxRegularROPs)
	}
	return nil
}

// Config wires one transmitter.
type Config struct {
	Channel string
	Sizes   Sizes
	Remote  netip.AddrPort
	Set     nv.Set
	Clock   func() uint64
}

// Counts reports the pending operations per pool.
type Counts struct {
	Replies     int `json:"replies"`
	Occasionals int `json:"occasionals"`
	Regulars    int `json:"regulars"`
}

// TxError is the snapshot of the last transmit-side failure.
type TxError struct {
	Op  string
	Err error
	At  time.Time
}

type regular struct {
	desc rop.Descriptor
	size int
}

// Transmitter owns the three outgoing pools and the outgoing packet. It is not
// safe for concurrent use on its own.
type Transmitter struct {
	cfg    Config
	logger zerolog.Logger

	regulars     []regular
	regularBytes int
	regularFrame *frame.Frame
	occasionals  *frame.Frame
	replies      *frame.Frame
	out          *frame.Frame
	outpacket    *packet.Packet
	sequence     uint64
	prepared     bool
	lastErr      TxError
	hasLastErr   bool
}

func New(cfg Config) (*Transmitter, error) {
	if cfg.Set == nil {
		return nil, fmt.Errorf("transmitter: %w: variable set", rop.ErrNullInput)
	}
	cfg.Sizes = cfg.Sizes.WithDefaults()
	if err := cfg.Sizes.Validate(); err != nil {
		return nil, err
	}
	if err := packet.CheckRemote(cfg.Remote); err != nil {
		return nil, fmt.Errorf("transmitter: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() uint64 { return uint64(time.Now().UnixMicro()) }
	}

	t := &Transmitter{
		cfg:       cfg,
		logger:    log.With().Str("component", "transmitter").Str("channel", cfg.Channel).Logger(),
		regulars:  make([]regular, 0, cfg.Sizes.MaxRegularROPs),
		outpacket: packet.New(cfg.Sizes.PacketCapacity),
	}
	var err error
	if t.regularFrame, err = frame.New(cfg.Sizes.RegularsCapacity); err != nil {
		return nil, err
	}
	if t.occasionals, err = frame.New(cfg.Sizes.OccasionalsCapacity); err != nil {
		return nil, err
	}
	if t.replies, err = frame.New(cfg.Sizes.RepliesCapacity); err != nil {
		return nil, err
	}
	if t.out, err = frame.New(cfg.Sizes.PacketCapacity); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadRegular adds a descriptor that is sent on every cycle until unloaded.
func (t *Transmitter) LoadRegular(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	op, err := t.build(d)
	if err != nil {
		return t.fail("load_regular", err)
	}
	if d.Data != nil {
		d.Data = append([]byte(nil), d.Data...)
	}
	for i, existing := range t.regulars {
		if !existing.desc.Matches(d) {
			continue
		}
		// reload replaces data, sign and timestamp flag in place
		delta := op.WireSize() - existing.size
		if t.regularBytes+delta > t.regularFrame.Capacity()-frame.Overhead {
			return t.fail("load_regular", fmt.Errorf("%w: regular frame bytes", rop.ErrCapacityExceeded))
		}
		t.regulars[i] = regular{desc: d, size: op.WireSize()}
		t.regularBytes += delta
		return nil
	}
	if len(t.regulars) >= t.cfg.Sizes.MaxRegularROPs {
		return t.fail("load_regular", fmt.Errorf("%w: %d regular operations", rop.ErrCapacityExceeded, len(t.regulars)))
	}
	if t.regularBytes+op.WireSize() > t.regularFrame.Capacity()-frame.Overhead {
		return t.fail("load_regular", fmt.Errorf("%w: regular frame bytes", rop.ErrCapacityExceeded))
	}
	t.regulars = append(t.regulars, regular{desc: d, size: op.WireSize()})
	t.regularBytes += op.WireSize()
	return nil
}

// UnloadRegular removes the descriptor with the same opcode and address.
func (t *Transmitter) UnloadRegular(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	for i, existing := range t.regulars {
		if !existing.desc.Matches(d) {
			continue
		}
		t.regularBytes -= existing.size
		t.regulars = append(t.regulars[:i], t.regulars[i+1:]...)
		return nil
	}
	return ErrNotLoaded
}

// UnloadEndpoint removes every regular descriptor addressed to ep and returns
// how many were removed.
func (t *Transmitter) UnloadEndpoint(ep uint16) int {
	kept := t.regulars[:0]
	removed := 0
	for _, r := range t.regulars {
		if r.desc.Addr.Endpoint == ep {
			t.regularBytes -= r.size
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.regulars = kept
	return removed
}

// RegularsWithEndpoint counts the regular descriptors addressed to ep.
func (t *Transmitter) RegularsWithEndpoint(ep uint16) int {
	n := 0
	for _, r := range t.regulars {
		if r.desc.Addr.Endpoint == ep {
			n++
		}
	}
	return n
}

func (t *Transmitter) ClearRegulars() {
	t.regulars = t.regulars[:0]
	t.regularBytes = 0
}

// Regulars returns a copy of the regular set in load order.
func (t *Transmitter) Regulars() []rop.Descriptor {
	out := make([]rop.Descriptor, len(t.regulars))
	for i, r := range t.regulars {
		out[i] = r.desc
	}
	return out
}

// LoadOccasional queues an operation for the next outgoing frame only.
func (t *Transmitter) LoadOccasional(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	return t.load("load_occasional", t.occasionals, d)
}

// LoadReply queues an answer for the next outgoing frame.
func (t *Transmitter) LoadReply(d rop.Descriptor) error {
	if t == nil {
		return rop.ErrNullInput
	}
	return t.load("load_reply", t.replies, d)
}

// LoadReplyFrame moves every operation of a receiver reply frame into the
// reply pool, all or nothing.
func (t *Transmitter) LoadReplyFrame(f *frame.Frame) error {
	if t == nil || f == nil {
		return rop.ErrNullInput
	}
	if err := t.replies.AppendFrame(f); err != nil {
		return t.fail("load_reply_frame", err)
	}
	return nil
}

func (t *Transmitter) Counts() Counts {
	return Counts{
		Replies:     t.replies.Count(),
		Occasionals: t.occasionals.Count(),
		Regulars:    len(t.regulars),
	}
}

// Sequence is the sequence number of the last prepared frame.
func (t *Transmitter) Sequence() uint64 {
	return t.sequence
}

// Prepare composes replies, occasionals and regulars into one frame and loads
// it into the outgoing packet. On failure nothing is emitted and every pool is
// left as it was.
func (t *Transmitter) Prepare() (int, error) {
	if t == nil {
		return 0, rop.ErrNullInput
	}
	t.prepared = false
	counts := t.Counts()

	if err := t.refreshRegulars(); err != nil {
		observability.RecordFramePrepared(t.cfg.Channel, false, 0, 0, 0, 0)
		return 0, t.fail("prepare", err)
	}

	t.out.Reset()
	for _, part := range []*frame.Frame{t.replies, t.occasionals, t.regularFrame} {
		if err := t.out.AppendFrame(part); err != nil {
			t.out.Reset()
			observability.RecordFramePrepared(t.cfg.Channel, false, 0, 0, 0, 0)
			return 0, t.fail("prepare", fmt.Errorf("%w: outgoing frame", err))
		}
	}
	t.out.SetSequence(t.sequence + 1)
	t.out.SetAge(t.cfg.Clock())
	if err := t.outpacket.LoadFrame(t.cfg.Remote, t.out); err != nil {
		t.out.Reset()
		observability.RecordFramePrepared(t.cfg.Channel, false, 0, 0, 0, 0)
		return 0, t.fail("prepare", err)
	}

	t.sequence++
	t.replies.Reset()
	t.occasionals.Reset()
	t.prepared = true
	n := t.out.Count()
	observability.RecordFramePrepared(t.cfg.Channel, true, counts.Replies, counts.Occasionals, t.regularFrame.Count(), t.out.Size())
	return n, nil
}

// Outpacket returns the packet built by the last successful Prepare.
func (t *Transmitter) Outpacket() (*packet.Packet, error) {
	if t == nil {
		return nil, rop.ErrNullInput
	}
	if !t.prepared {
		return nil, ErrNotPrepared
	}
	return t.outpacket, nil
}

// MarkSent invalidates the outpacket so it is not sent twice in one cycle.
func (t *Transmitter) MarkSent() {
	t.prepared = false
}

// LastError returns the most recent transmit-side failure.
func (t *Transmitter) LastError() (TxError, bool) {
	return t.lastErr, t.hasLastErr
}

func (t *Transmitter) refreshRegulars() error {
	t.regularFrame.Reset()
	for _, r := range t.regulars {
		op, err := t.build(r.desc)
		if err != nil {
			return fmt.Errorf("regular %s %s: %w", r.desc.Opcode, r.desc.Addr, err)
		}
		if err := t.regularFrame.Append(&op); err != nil {
			return fmt.Errorf("regular %s %s: %w", r.desc.Opcode, r.desc.Addr, err)
		}
	}
	return nil
}

func (t *Transmitter) load(name string, pool *frame.Frame, d rop.Descriptor) error {
	op, err := t.build(d)
	if err != nil {
		return t.fail(name, err)
	}
	if err := pool.Append(&op); err != nil {
		return t.fail(name, err)
	}
	return nil
}

// build turns a descriptor into a wire operation, reading the current value
// from the variable set when the descriptor carries no data.
func (t *Transmitter) build(d rop.Descriptor) (rop.Operation, error) {
	if !d.Opcode.Valid() {
		return rop.Operation{}, rop.ErrInvalidOpcode
	}
	op := rop.Operation{Opcode: d.Opcode, Addr: d.Addr, HasSign: d.HasSign, Sign: d.Sign}
	if d.PlusTime {
		op.HasTime = true
		op.Time = t.cfg.Clock()
	}

	data := d.Data
	if data == nil && d.Opcode.CarriesData() {
		loc, ok := t.cfg.Set.Lookup(d.Addr)
		if !ok {
			return rop.Operation{}, fmt.Errorf("%w: %s", rop.ErrUnknownVariable, d.Addr)
		}
		value, err := t.cfg.Set.Read(loc)
		if err != nil {
			return rop.Operation{}, err
		}
		data = value
	}
	if data != nil {
		if err := op.SetData(data); err != nil {
			return rop.Operation{}, err
		}
	} else if d.Opcode.CarriesData() {
		return rop.Operation{}, ErrNoData
	}
	if op.WireSize() > t.cfg.Sizes.ROPCapacity {
		return rop.Operation{}, fmt.Errorf("%w: operation %d bytes", rop.ErrCapacityExceeded, op.WireSize())
	}
	return op, nil
}

func (t *Transmitter) fail(op string, err error) error {
	t.lastErr = TxError{Op: op, Err: err, At: time.Now()}
	t.hasLastErr = true
	t.logger.Debug().Err(err).Str("op", op).Msg("transmit operation rejected")
	return err
}
