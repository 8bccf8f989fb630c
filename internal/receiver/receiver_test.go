package receiver

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/danmuck/ropnet/internal/nv"
	"github.com/danmuck/ropnet/internal/rop"
	"github.com/danmuck/ropnet/internal/rop/frame"
	"github.com/danmuck/ropnet/internal/rop/packet"
	"github.com/danmuck/ropnet/internal/testutil/testlog"
)

var (
	board   = netip.MustParseAddrPort("10.0.1.1:12345")
	setpt   = rop.Address{Endpoint: 1, ID: 1}
	status  = rop.Address{Endpoint: 1, ID: 2}
	remote  = rop.Address{Endpoint: 2, ID: 1}
	missing = rop.Address{Endpoint: 9, ID: 9}
)

func newTable(t *testing.T) *nv.Table {
	t.Helper()
	tbl := nv.NewTable()
	defs := []nv.Variable{
		{Addr: setpt, Size: 4, Access: nv.AccessReadWrite},
		{Addr: status, Size: 4, Access: nv.AccessRead, Initial: []byte{0x11, 0x22, 0x33, 0x44}},
		{Addr: remote, Size: 2, Access: nv.AccessRead, Owner: nv.OwnerRemote},
	}
	for _, d := range defs {
		if err := tbl.Define(d); err != nil {
			t.Fatalf("define %s: %v", d.Addr, err)
		}
	}
	return tbl
}

func newReceiver(t *testing.T, cfg Config) *Receiver {
	t.Helper()
	if cfg.Set == nil {
		cfg.Set = newTable(t)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() uint64 { return 5000 }
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	return r
}

func buildPacket(t *testing.T, seq uint64, ops ...rop.Operation) *packet.Packet {
	t.Helper()
	f, err := frame.New(512)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	for i := range ops {
		if err := f.Append(&ops[i]); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	f.SetSequence(seq)
	f.SetAge(seq * 1000)
	return packet.FromBytes(board, f.Bytes())
}

func withData(op rop.Operation, data ...byte) rop.Operation {
	if err := op.SetData(data); err != nil {
		panic(err)
	}
	return op
}

func read(t *testing.T, set nv.Set, addr rop.Address) []byte {
	t.Helper()
	loc, ok := set.Lookup(addr)
	if !ok {
		t.Fatalf("missing %s", addr)
	}
	v, err := set.Read(loc)
	if err != nil {
		t.Fatalf("read %s: %v", addr, err)
	}
	return v
}

func TestProcessAppliesSetAndAnswersAsk(t *testing.T) {
	testlog.Start(t)
	tbl := newTable(t)
	r := newReceiver(t, Config{Set: tbl})

	pkt := buildPacket(t, 1,
		withData(rop.Operation{Opcode: rop.OpSet, Addr: setpt}, 1, 2, 3, 4),
		rop.Operation{Opcode: rop.OpAsk, Addr: status, HasSign: true, Sign: 99, HasTime: true},
	)
	res, err := r.Process(pkt)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Received != 2 || res.Applied != 2 || !res.HasReply || res.TxTime != 1000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := read(t, tbl, setpt); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("set not applied: % x", got)
	}

	reply, ok := r.Reply()
	if !ok {
		t.Fatalf("expected a reply frame")
	}
	ops, err := reply.Operations()
	if err != nil || len(ops) != 1 {
		t.Fatalf("reply operations: %+v err=%v", ops, err)
	}
	say := ops[0]
	if say.Opcode != rop.OpSay || say.Addr != status || !bytes.Equal(say.Data, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Fatalf("unexpected reply op: %+v", say)
	}
	if !say.HasSign || say.Sign != 99 || !say.HasTime || say.Time != 5000 {
		t.Fatalf("reply did not echo sign/time: %+v", say)
	}
}

func TestProcessSkipsUnknownVariable(t *testing.T) {
	testlog.Start(t)
	tbl := newTable(t)
	r := newReceiver(t, Config{Set: tbl})
	pkt := buildPacket(t, 1,
		withData(rop.Operation{Opcode: rop.OpSet, Addr: missing}, 7),
		withData(rop.Operation{Opcode: rop.OpSet, Addr: setpt}, 8, 8, 8, 8),
	)
	res, err := r.Process(pkt)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Received != 2 || res.Applied != 1 {
		t.Fatalf("expected one skip, got %+v", res)
	}
	if got := read(t, tbl, setpt); !bytes.Equal(got, []byte{8, 8, 8, 8}) {
		t.Fatalf("operation after unknown variable not applied: % x", got)
	}
}

func TestProcessEmptyFrame(t *testing.T) {
	testlog.Start(t)
	tbl := newTable(t)
	r := newReceiver(t, Config{Set: tbl})
	res, err := r.Process(buildPacket(t, 1))
	if err != nil {
		t.Fatalf("process empty: %v", err)
	}
	if res.Received != 0 || res.Applied != 0 || res.HasReply {
		t.Fatalf("unexpected result: %+v", res)
	}
	if reply, ok := r.Reply(); ok || reply != nil {
		t.Fatalf("empty frame produced a reply: %v", reply)
	}
	if got := read(t, tbl, setpt); !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("empty frame mutated state: % x", got)
	}
}

func TestProcessMalformedFrameLeavesStateUntouched(t *testing.T) {
	testlog.Start(t)
	tbl := newTable(t)
	var seen []InvalidFrameError
	r := newReceiver(t, Config{Set: tbl, OnInvalidFrame: func(e InvalidFrameError) { seen = append(seen, e) }})

	pkt := buildPacket(t, 1,
		withData(rop.Operation{Opcode: rop.OpSet, Addr: setpt}, 1, 1, 1, 1),
		withData(rop.Operation{Opcode: rop.OpSet, Addr: setpt}, 2, 2, 2, 2),
	)
	data := append([]byte(nil), pkt.Data()...)
	data[frame.HeaderLen+12+1] = 0x7f // second operation opcode
	bad := packet.FromBytes(board, data)

	if _, err := r.Process(bad); !errors.Is(err, rop.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if got := read(t, tbl, setpt); !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("malformed frame partially applied: % x", got)
	}
	if len(seen) != 1 || seen[0].Remote != board || !errors.Is(seen[0], rop.ErrInvalidOpcode) {
		t.Fatalf("unexpected invalid frame callbacks: %+v", seen)
	}
	if snap, ok := r.InvalidFrameError(); !ok || snap.Size != len(data) {
		t.Fatalf("unexpected invalid frame snapshot: %+v ok=%v", snap, ok)
	}
	if _, ok := r.LastSequence(board.Addr()); ok {
		t.Fatalf("malformed frame touched sequence tracker")
	}
}

func TestSequenceGapDetection(t *testing.T) {
	testlog.Start(t)
	var seen []SequenceError
	r := newReceiver(t, Config{OnSequenceError: func(e SequenceError) { seen = append(seen, e) }})
	for _, seq := range []uint64{1, 2, 4} {
		if _, err := r.Process(buildPacket(t, seq)); err != nil {
			t.Fatalf("process seq %d: %v", seq, err)
		}
	}
	snap, ok := r.SequenceError()
	if !ok {
		t.Fatalf("expected sequence error")
	}
	if snap.Expected != 3 || snap.Received != 4 || snap.Remote != board.Addr() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.TxTimeCurrent != 4000 || snap.TxTimePrevious != 2000 {
		t.Fatalf("unexpected tx times: %+v", snap)
	}
	if len(seen) != 1 {
		t.Fatalf("expected one callback, got %d", len(seen))
	}
}

func TestSequenceInOrderHasNoError(t *testing.T) {
	testlog.Start(t)
	r := newReceiver(t, Config{OnSequenceError: func(e SequenceError) { t.Fatalf("unexpected callback: %v", e) }})
	for _, seq := range []uint64{1, 2, 3} {
		if _, err := r.Process(buildPacket(t, seq)); err != nil {
			t.Fatalf("process seq %d: %v", seq, err)
		}
	}
	if _, ok := r.SequenceError(); ok {
		t.Fatalf("unexpected sequence error")
	}
	if last, ok := r.LastSequence(board.Addr()); !ok || last != 3 {
		t.Fatalf("last sequence=%d ok=%v", last, ok)
	}
}

func TestSequenceErrorLastWriteWins(t *testing.T) {
	testlog.Start(t)
	r := newReceiver(t, Config{})
	for _, seq := range []uint64{1, 5, 5} {
		_, _ = r.Process(buildPacket(t, seq))
	}
	snap, _ := r.SequenceError()
	if snap.Received != 5 || snap.Expected != 6 {
		t.Fatalf("expected latest gap to win: %+v", snap)
	}
}

func TestReplyOverflowFailsClosed(t *testing.T) {
	testlog.Start(t)
	r := newReceiver(t, Config{ReplyCapacity: frame.Overhead + 12})
	pkt := buildPacket(t, 1,
		rop.Operation{Opcode: rop.OpAsk, Addr: status},
		rop.Operation{Opcode: rop.OpAsk, Addr: status},
	)
	res, err := r.Process(pkt)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Applied != 1 || !res.HasReply {
		t.Fatalf("unexpected result: %+v", res)
	}
	reply, _ := r.Reply()
	if reply.Count() != 1 || reply.Size() > frame.Overhead+12 {
		t.Fatalf("reply exceeded capacity: count=%d size=%d", reply.Count(), reply.Size())
	}
}

func TestAskOnUnreadableProducesNoReply(t *testing.T) {
	testlog.Start(t)
	tbl := nv.NewTable()
	wo := rop.Address{Endpoint: 3, ID: 3}
	_ = tbl.Define(nv.Variable{Addr: wo, Size: 2, Access: nv.AccessWrite})
	r := newReceiver(t, Config{Set: tbl})
	res, err := r.Process(buildPacket(t, 1, rop.Operation{Opcode: rop.OpAsk, Addr: wo}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.HasReply || res.Applied != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSayOnRemoteVariableUpdatesProxy(t *testing.T) {
	testlog.Start(t)
	tbl := newTable(t)
	proxy := nv.NewProxy()
	r := newReceiver(t, Config{Set: tbl, Proxy: proxy})
	res, err := r.Process(buildPacket(t, 1, withData(rop.Operation{Opcode: rop.OpSay, Addr: remote}, 0xbe, 0xef)))
	if err != nil || res.Applied != 1 {
		t.Fatalf("process: res=%+v err=%v", res, err)
	}
	if got := read(t, tbl, remote); !bytes.Equal(got, []byte{0xbe, 0xef}) {
		t.Fatalf("remote variable not refreshed: % x", got)
	}
	e, ok := proxy.Get(remote)
	if !ok || !bytes.Equal(e.Value, []byte{0xbe, 0xef}) {
		t.Fatalf("proxy not updated: %+v ok=%v", e, ok)
	}
}

func TestSetRejectedOnReadOnlyVariable(t *testing.T) {
	testlog.Start(t)
	tbl := newTable(t)
	r := newReceiver(t, Config{Set: tbl})
	res, err := r.Process(buildPacket(t, 1, withData(rop.Operation{Opcode: rop.OpSet, Addr: status}, 0, 0, 0, 0)))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Applied != 0 {
		t.Fatalf("read-only variable accepted set: %+v", res)
	}
	if got := read(t, tbl, status); !bytes.Equal(got, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Fatalf("read-only variable modified: % x", got)
	}
}

func TestNullInputs(t *testing.T) {
	testlog.Start(t)
	var nilReceiver *Receiver
	if _, err := nilReceiver.Process(buildPacket(t, 1)); !errors.Is(err, rop.ErrNullInput) {
		t.Fatalf("expected ErrNullInput, got %v", err)
	}
	if _, ok := nilReceiver.Reply(); ok {
		t.Fatalf("nil receiver reported a reply")
	}
	r := newReceiver(t, Config{})
	if _, err := r.Process(nil); !errors.Is(err, rop.ErrNullInput) {
		t.Fatalf("expected ErrNullInput, got %v", err)
	}
	if _, err := New(Config{}); !errors.Is(err, rop.ErrNullInput) {
		t.Fatalf("expected ErrNullInput for missing set, got %v", err)
	}
}
