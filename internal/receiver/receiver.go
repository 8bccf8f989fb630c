package receiver

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
	DefaultReplyCapacity = 128
	DefaultROPCapacity   = 256
	DefaultMaxRemotes    = 16
)

// Config sizes and wires one receiver.
type Config struct {
	Channel         string
	ReplyCapacity   int
	ROPCapacity     int
	MaxRemotes      int
	Set             nv.Set
	Proxy           *nv.Proxy
	Clock           func() uint64
	OnSequenceError func(SequenceError)
	OnInvalidFrame  func(InvalidFrameError)
}

// Result summarizes one processed packet.
type Result struct {
	Received int
	Applied  int
	HasReply bool
	TxTime   uint64
}

// SequenceError is the diagnostic snapshot of the last sequence gap.
type SequenceError struct {
	Remote         netip.Addr
	Received       uint64
	Expected       uint64
	TxTimeCurrent  uint64
	TxTimePrevious uint64
}

func (e SequenceError) Error() string {
	return fmt.Sprintf("receiver: sequence gap from %s: received %d expected %d", e.Remote, e.Received, e.Expected)
}

// InvalidFrameError is the snapshot of the last rejected packet.
type InvalidFrameError struct {
	Remote netip.AddrPort
	Size   int
	Err    error
}

func (e InvalidFrameError) Error() string {
	return fmt.Sprintf("receiver: invalid frame from %s (%d bytes): %v", e.Remote, e.Size, e.Err)
}

func (e InvalidFrameError) Unwrap() error { return e.Err }

type tracker struct {
	last     uint64
	lastTime uint64
}

// Receiver validates inbound packets and applies their operations to a
// variable set. It is not safe for concurrent use on its own.
type Receiver struct {
	cfg      Config
	logger   zerolog.Logger
	reply    *frame.Frame
	trackers map[netip.Addr]*tracker

	seqErr      SequenceError
	hasSeqErr   bool
	frameErr    InvalidFrameError
	hasFrameErr bool
}

func New(cfg Config) (*Receiver, error) {
	if cfg.Set == nil {
		return nil, fmt.Errorf("receiver: %w: variable set", rop.ErrNullInput)
	}
	if cfg.ReplyCapacity == 0 {
		cfg.ReplyCapacity = DefaultReplyCapacity
	}
	if cfg.ROPCapacity == 0 {
		cfg.ROPCapacity = DefaultROPCapacity
	}
	if cfg.MaxRemotes == 0 {
		cfg.MaxRemotes = DefaultMaxRemotes
	}
	if cfg.Clock == nil {
		cfg.Clock = WallClock
	}
	reply, err := frame.New(cfg.ReplyCapacity)
	if err != nil {
		return nil, fmt.Errorf("receiver: reply frame: %w", err)
	}
	return &Receiver{
		cfg:      cfg,
		logger:   log.With().Str("component", "receiver").Str("channel", cfg.Channel).Logger(),
		reply:    reply,
		trackers: make(map[netip.Addr]*tracker, cfg.MaxRemotes),
	}, nil
}

// WallClock returns the current time in microseconds.
func WallClock() uint64 {
	return uint64(time.Now().UnixMicro())
}

// Process applies the frame carried by pkt. Operations are applied in wire
// order; a malformed frame is rejected before any of them runs.
func (r *Receiver) Process(pkt *packet.Packet) (Result, error) {
	if r == nil || pkt == nil {
		return Result{}, rop.ErrNullInput
	}
	r.reply.Reset()

	view, err := frame.Parse(pkt.Data())
	if err != nil {
		r.rejectFrame(pkt, err)
		return Result{}, err
	}

	res := Result{Received: int(view.Header.Count), TxTime: view.Header.Age}
	_ = view.Each(func(op rop.Operation) error {
		if r.apply(op) {
			res.Applied++
		}
		return nil
	})

	r.track(pkt.Remote.Addr().Unmap(), view.Header)

	if !r.reply.Empty() {
		r.reply.SetAge(r.cfg.Clock())
		res.HasReply = true
	}
	observability.RecordFrameReceived(r.cfg.Channel, "ok")
	return res, nil
}

// Reply returns the reply frame built by the last Process call, or false when
// that call produced no reply.
func (r *Receiver) Reply() (*frame.Frame, bool) {
	if r == nil || r.reply.Empty() {
		return nil, false
	}
	return r.reply, true
}

// SequenceError returns the most recent sequence gap, if any was seen.
func (r *Receiver) SequenceError() (SequenceError, bool) {
	return r.seqErr, r.hasSeqErr
}

// InvalidFrameError returns the most recent rejected frame, if any.
func (r *Receiver) InvalidFrameError() (InvalidFrameError, bool) {
	return r.frameErr, r.hasFrameErr
}

// LastSequence returns the last sequence number seen from remote.
func (r *Receiver) LastSequence(remote netip.Addr) (uint64, bool) {
	t, ok := r.trackers[remote.Unmap()]
	if !ok {
		return 0, false
	}
	return t.last, true
}

func (r *Receiver) rejectFrame(pkt *packet.Packet, err error) {
	r.frameErr = InvalidFrameError{Remote: pkt.Remote, Size: pkt.Size(), Err: err}
	r.hasFrameErr = true
	observability.RecordFrameReceived(r.cfg.Channel, "malformed")
	r.logger.Warn().Err(err).Str("remote", pkt.Remote.String()).Int("size", pkt.Size()).Msg("invalid frame")
	if r.cfg.OnInvalidFrame != nil {
		r.cfg.OnInvalidFrame(r.frameErr)
	}
}

func (r *Receiver) apply(op rop.Operation) bool {
	opcode := op.Opcode.String()
	if op.WireSize() > r.cfg.ROPCapacity {
		r.skip(op, "dropped", "operation exceeds rop capacity")
		return false
	}
	loc, ok := r.cfg.Set.Lookup(op.Addr)
	if !ok {
		r.skip(op, "skipped", rop.ErrUnknownVariable.Error())
		return false
	}

	var err error
	switch op.Opcode {
	case rop.OpSet:
		err = r.applySet(loc, op)
	case rop.OpAsk:
		err = r.applyAsk(loc, op)
	case rop.OpSay, rop.OpSig:
		err = r.applySay(loc, op)
	}
	if err != nil {
		outcome := "skipped"
		if errors.Is(err, rop.ErrCapacityExceeded) {
			outcome = "dropped"
		}
		r.skip(op, outcome, err.Error())
		return false
	}
	observability.RecordROPReceived(r.cfg.Channel, opcode, "applied")
	return true
}

func (r *Receiver) applySet(loc nv.Location, op rop.Operation) error {
	if !op.HasData {
		return errors.New("set without data")
	}
	if loc.Owner != nv.OwnerLocal {
		return errors.New("set on remotely owned variable")
	}
	return r.cfg.Set.Write(loc, op.Data)
}

func (r *Receiver) applyAsk(loc nv.Location, op rop.Operation) error {
	value, err := r.cfg.Set.Read(loc)
	if err != nil {
		return err
	}
	reply := rop.Operation{Opcode: rop.OpSay, Addr: op.Addr, HasSign: op.HasSign, Sign: op.Sign}
	if err := reply.SetData(value); err != nil {
		return err
	}
	if op.HasTime {
		reply.HasTime = true
		reply.Time = r.cfg.Clock()
	}
	if reply.WireSize() > r.cfg.ROPCapacity {
		return rop.ErrCapacityExceeded
	}
	return r.reply.Append(&reply)
}

func (r *Receiver) applySay(loc nv.Location, op rop.Operation) error {
	if !op.HasData {
		return errors.New("say without data")
	}
	if loc.Owner == nv.OwnerRemote {
		if r.cfg.Proxy != nil {
			r.cfg.Proxy.Store(op)
		}
		if refresher, ok := r.cfg.Set.(nv.Refresher); ok {
			return refresher.Refresh(loc, op.Data)
		}
	}
	return r.cfg.Set.Write(loc, op.Data)
}

func (r *Receiver) skip(op rop.Operation, outcome, reason string) {
	observability.RecordROPReceived(r.cfg.Channel, op.Opcode.String(), outcome)
	r.logger.Debug().
		Str("opcode", op.Opcode.String()).
		Str("addr", op.Addr.String()).
		Str("outcome", outcome).
		Msg(reason)
}

func (r *Receiver) track(remote netip.Addr, h frame.Header) {
	t, ok := r.trackers[remote]
	if !ok {
		if len(r.trackers) >= r.cfg.MaxRemotes {
			r.logger.Warn().Str("remote", remote.String()).Msg("sequence tracker table full")
			return
		}
		r.trackers[remote] = &tracker{last: h.Sequence, lastTime: h.Age}
		return
	}

	if h.Sequence != t.last+1 {
		r.seqErr = SequenceError{
			Remote:         remote,
			Received:       h.Sequence,
			Expected:       t.last + 1,
			TxTimeCurrent:  h.Age,
			TxTimePrevious: t.lastTime,
		}
		r.hasSeqErr = true
		observability.RecordSequenceError(r.cfg.Channel, remote.String())
		r.logger.Warn().
			Str("remote", remote.String()).
			Uint64("received", h.Sequence).
			Uint64("expected", t.last+1).
			Msg("sequence gap")
		if r.cfg.OnSequenceError != nil {
			r.cfg.OnSequenceError(r.seqErr)
		}
	}
	t.last = h.Sequence
	t.lastTime = h.Age
}
