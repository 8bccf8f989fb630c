package transceiver

import (
	"bytes"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/danmuck/ropnet/internal/nv"
	"github.com/danmuck/ropnet/internal/receiver"
	"github.com/danmuck/ropnet/internal/rop"
	"github.com/danmuck/ropnet/internal/rop/frame"
	"github.com/danmuck/ropnet/internal/rop/packet"
	"github.com/danmuck/ropnet/internal/testutil/testlog"
	"github.com/danmuck/ropnet/internal/transmitter"
)

var (
	hostAddr  = netip.MustParseAddrPort("10.0.0.1:12345")
	boardAddr = netip.MustParseAddrPort("10.0.0.2:12345")
	shared    = rop.Address{Endpoint: 1, ID: 1}
)

func table(t *testing.T, owner nv.Owner) *nv.Table {
	t.Helper()
	tbl := nv.NewTable()
	if err := tbl.Define(nv.Variable{Addr: shared, Size: 4, Access: nv.AccessReadWrite, Owner: owner}); err != nil {
		t.Fatalf("define: %v", err)
	}
	return tbl
}

func askPacket(t *testing.T, from netip.AddrPort, seq uint64) *packet.Packet {
	t.Helper()
	f, _ := frame.New(128)
	op := rop.Operation{Opcode: rop.OpAsk, Addr: shared}
	if err := f.Append(&op); err != nil {
		t.Fatalf("append ask: %v", err)
	}
	f.SetSequence(seq)
	return packet.FromBytes(from, f.Bytes())
}

func TestDefaults(t *testing.T) {
	testlog.Start(t)
	tr, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if tr.Remote() != DefaultRemote || tr.Remote().String() != "10.0.1.200:12345" {
		t.Fatalf("unexpected default remote: %s", tr.Remote())
	}
	if tr.Sizes() != transmitter.DefaultSizes() {
		t.Fatalf("unexpected default sizes: %+v", tr.Sizes())
	}
	if tr.Set() == nil || tr.Proxy() == nil || tr.Receiver() == nil || tr.Transmitter() == nil {
		t.Fatalf("default collaborators missing")
	}
	if tr.Channel() != "10.0.1.200:12345" {
		t.Fatalf("unexpected default channel %q", tr.Channel())
	}
}

func TestInvalidSizes(t *testing.T) {
	testlog.Start(t)
	cases := map[string]transmitter.Sizes{
		"regulars over packet": {PacketCapacity: 256, RegularsCapacity: 512},
		"replies over packet":  {PacketCapacity: 100, RegularsCapacity: 64, OccasionalsCapacity: 64, RepliesCapacity: 128, ROPCapacity: 64},
		"tiny rop":             {ROPCapacity: 4},
	}
	for name, sizes := range cases {
		if _, err := New(Config{Sizes: sizes}); !errors.Is(err, ErrInvalidSizes) {
			t.Fatalf("%s: expected ErrInvalidSizes, got %v", name, err)
		}
	}
}

func TestRoundTripBetweenPeers(t *testing.T) {
	testlog.Start(t)
	host, err := New(Config{Remote: boardAddr, Set: table(t, nv.OwnerRemote), Clock: func() uint64 { return 10 }})
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	boardSet := table(t, nv.OwnerLocal)
	board, err := New(Config{Remote: hostAddr, Set: boardSet, Clock: func() uint64 { return 20 }})
	if err != nil {
		t.Fatalf("new board: %v", err)
	}

	if err := host.LoadOccasional(rop.Descriptor{Opcode: rop.OpSet, Addr: shared, Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("load set: %v", err)
	}
	if err := host.LoadOccasional(rop.Descriptor{Opcode: rop.OpAsk, Addr: shared, HasSign: true, Sign: 0xfeed}); err != nil {
		t.Fatalf("load ask: %v", err)
	}
	if n, err := host.Prepare(); err != nil || n != 2 {
		t.Fatalf("host prepare: n=%d err=%v", n, err)
	}
	out, err := host.Outpacket()
	if err != nil {
		t.Fatalf("host outpacket: %v", err)
	}
	if out.Remote != boardAddr {
		t.Fatalf("outpacket addressed to %s", out.Remote)
	}

	res, err := board.Receive(packet.FromBytes(hostAddr, out.Data()))
	if err != nil {
		t.Fatalf("board receive: %v", err)
	}
	if res.Received != 2 || res.Applied != 2 || !res.HasReply || res.TxTime != 10 {
		t.Fatalf("unexpected board result: %+v", res)
	}
	loc, _ := boardSet.Lookup(shared)
	if v, _ := boardSet.Read(loc); !bytes.Equal(v, []byte{1, 2, 3, 4}) {
		t.Fatalf("set not applied on board: % x", v)
	}
	if c := board.Counts(); c.Replies != 1 {
		t.Fatalf("reply not queued on board: %+v", c)
	}

	sent := 0
	n, err := board.Flush(func(remote netip.AddrPort, data []byte) error {
		if remote != hostAddr {
			t.Fatalf("board flushed to %s", remote)
		}
		sent++
		if _, err := host.Receive(packet.FromBytes(boardAddr, data)); err != nil {
			t.Fatalf("host receive: %v", err)
		}
		return nil
	})
	if err != nil || n != 1 || sent != 1 {
		t.Fatalf("board flush: n=%d sent=%d err=%v", n, sent, err)
	}

	entry, ok := host.Proxy().Get(shared)
	if !ok {
		t.Fatalf("host proxy not updated")
	}
	if !bytes.Equal(entry.Value, []byte{1, 2, 3, 4}) || !entry.HasSign || entry.Sign != 0xfeed {
		t.Fatalf("unexpected proxy entry: %+v", entry)
	}
	hostLoc, _ := host.Set().Lookup(shared)
	if v, _ := host.Set().Read(hostLoc); !bytes.Equal(v, []byte{1, 2, 3, 4}) {
		t.Fatalf("remote value not refreshed on host: % x", v)
	}
	if _, err := board.Outpacket(); !errors.Is(err, transmitter.ErrNotPrepared) {
		t.Fatalf("flush did not mark packet sent: %v", err)
	}
}

func TestFlushSendFailureLosesFrame(t *testing.T) {
	testlog.Start(t)
	tr, _ := New(Config{Remote: boardAddr, Set: table(t, nv.OwnerLocal)})
	if err := tr.LoadOccasional(rop.Descriptor{Opcode: rop.OpSig, Addr: shared}); err != nil {
		t.Fatalf("load occasional: %v", err)
	}
	boom := errors.New("send failed")
	if n, err := tr.Flush(func(netip.AddrPort, []byte) error { return boom }); !errors.Is(err, boom) || n != 1 {
		t.Fatalf("expected send error with 1 op, got n=%d err=%v", n, err)
	}
	if c := tr.Counts(); c.Occasionals != 0 {
		t.Fatalf("occasional should be drained by the failed flush: %+v", c)
	}

	pkt, err := tr.Outpacket()
	if err != nil {
		t.Fatalf("outpacket should stay readable after failed send: %v", err)
	}
	view, err := frame.Parse(pkt.Data())
	if err != nil || view.Header.Count != 1 {
		t.Fatalf("unexpected unsent frame: %+v err=%v", view.Header, err)
	}

	if _, err := tr.Flush(func(netip.AddrPort, []byte) error { return nil }); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if tr.Status().Sequence != 2 {
		t.Fatalf("each flush consumes a sequence number, got %d", tr.Status().Sequence)
	}
	tr.MarkSent()
	if _, err := tr.Outpacket(); !errors.Is(err, transmitter.ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared after MarkSent, got %v", err)
	}
}

func TestReplyOverflowIsCountedNotFatal(t *testing.T) {
	testlog.Start(t)
	sizes := transmitter.Sizes{RepliesCapacity: frame.Overhead + 12}
	tr, err := New(Config{Remote: hostAddr, Sizes: sizes, Set: table(t, nv.OwnerLocal)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := tr.Receive(askPacket(t, hostAddr, 1)); err != nil {
		t.Fatalf("receive 1: %v", err)
	}
	res, err := tr.Receive(askPacket(t, hostAddr, 2))
	if err != nil {
		t.Fatalf("receive 2 should not fail: %v", err)
	}
	if !res.HasReply {
		t.Fatalf("receiver should still have built a reply")
	}
	st := tr.Status()
	if st.ReplyDrops != 1 || st.Counts.Replies != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.LastTxError == "" {
		t.Fatalf("expected last tx error to be recorded")
	}
}

func TestErrorSnapshotsForwarded(t *testing.T) {
	testlog.Start(t)
	var seqCalls, frameCalls int
	tr, _ := New(Config{
		Remote:          hostAddr,
		Set:             table(t, nv.OwnerLocal),
		OnSequenceError: func(receiver.SequenceError) { seqCalls++ },
		OnInvalidFrame:  func(receiver.InvalidFrameError) { frameCalls++ },
	})
	for _, seq := range []uint64{1, 2, 4} {
		if _, err := tr.Receive(askPacket(t, hostAddr, seq)); err != nil {
			t.Fatalf("receive %d: %v", seq, err)
		}
	}
	se, ok := tr.SequenceError()
	if !ok || se.Expected != 3 || se.Received != 4 {
		t.Fatalf("unexpected sequence error: %+v ok=%v", se, ok)
	}
	if _, err := tr.Receive(packet.FromBytes(hostAddr, []byte{1, 2, 3})); !errors.Is(err, rop.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	fe, ok := tr.InvalidFrameError()
	if !ok || fe.Size != 3 {
		t.Fatalf("unexpected frame error: %+v ok=%v", fe, ok)
	}
	if seqCalls != 1 || frameCalls != 1 {
		t.Fatalf("callbacks fired seq=%d frame=%d, want 1 each", seqCalls, frameCalls)
	}
}

func TestProtectedConcurrentUse(t *testing.T) {
	testlog.Start(t)
	tr, err := New(Config{Remote: hostAddr, Set: table(t, nv.OwnerLocal), Protection: ProtectionEnabled})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := tr.LoadRegular(rop.Descriptor{Opcode: rop.OpSig, Addr: shared}); err != nil {
		t.Fatalf("load regular: %v", err)
	}

	const rounds = 50
	inbound := make([]*packet.Packet, rounds)
	for i := range inbound {
		inbound[i] = askPacket(t, hostAddr, uint64(i+1))
	}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, pkt := range inbound {
			_, _ = tr.Receive(pkt)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = tr.LoadOccasional(rop.Descriptor{Opcode: rop.OpSig, Addr: shared})
			_ = tr.Status()
		}
	}()
	prepared := 0
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if _, err := tr.Flush(func(netip.AddrPort, []byte) error { return nil }); err == nil {
				prepared++
			}
		}
	}()
	wg.Wait()

	if got := tr.Status().Sequence; got != uint64(prepared) {
		t.Fatalf("sequence %d does not match successful prepares %d", got, prepared)
	}
	if prepared == 0 {
		t.Fatalf("no frame was prepared")
	}
}

func TestRegistryOpen(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry()
	a, err := r.Open(Config{Remote: boardAddr})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	again, err := r.Open(Config{Remote: boardAddr, Sizes: transmitter.DefaultSizes()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again != a {
		t.Fatalf("reopen returned a different instance")
	}
	if _, err := r.Open(Config{Remote: boardAddr, Sizes: transmitter.Sizes{PacketCapacity: 512}}); !errors.Is(err, ErrChannelConflict) {
		t.Fatalf("expected ErrChannelConflict, got %v", err)
	}
	if _, err := r.Open(Config{Remote: boardAddr, Protection: ProtectionEnabled}); !errors.Is(err, ErrChannelConflict) {
		t.Fatalf("expected ErrChannelConflict for protection mismatch, got %v", err)
	}
	if _, err := r.Open(Config{Remote: boardAddr, MaxRemotes: 2}); !errors.Is(err, ErrChannelConflict) {
		t.Fatalf("expected ErrChannelConflict for max remotes mismatch, got %v", err)
	}
	if a.Protected() {
		t.Fatalf("conflicting reopen changed the open instance")
	}
	if _, err := r.Open(Config{Remote: hostAddr}); err != nil {
		t.Fatalf("open second channel: %v", err)
	}

	list := r.List()
	if len(list) != 2 || list[0].Remote() != hostAddr || list[1].Remote() != boardAddr {
		t.Fatalf("unexpected registry list")
	}
	if got, ok := r.Resolve(boardAddr.String()); !ok || got != a {
		t.Fatalf("resolve failed")
	}
	if !r.Close(boardAddr.String()) || r.Close(boardAddr.String()) {
		t.Fatalf("close should succeed once")
	}
	if _, ok := r.Resolve(boardAddr.String()); ok {
		t.Fatalf("closed channel still resolvable")
	}
}

func TestNilTransceiver(t *testing.T) {
	testlog.Start(t)
	var tr *Transceiver
	if _, err := tr.Receive(askPacket(t, hostAddr, 1)); !errors.Is(err, rop.ErrNullInput) {
		t.Fatalf("receive: expected ErrNullInput, got %v", err)
	}
	if err := tr.LoadReplyInProxy(shared, []byte{1}); !errors.Is(err, rop.ErrNullInput) {
		t.Fatalf("reply in proxy: expected ErrNullInput, got %v", err)
	}
	tr.MarkSent()
	tr.ClearRegulars()
	if c := tr.Counts(); c != (transmitter.Counts{}) {
		t.Fatalf("nil counts: %+v", c)
	}
	if n := tr.UnloadEndpoint(1); n != 0 {
		t.Fatalf("nil unload endpoint: %d", n)
	}
	if n := tr.RegularsWithEndpoint(1); n != 0 {
		t.Fatalf("nil regulars with endpoint: %d", n)
	}
	if _, ok := tr.SequenceError(); ok {
		t.Fatalf("nil sequence error reported")
	}
	if _, ok := tr.InvalidFrameError(); ok {
		t.Fatalf("nil invalid frame reported")
	}
	if st := tr.Status(); st.Channel != "" || st.Sequence != 0 || len(st.Regulars) != 0 {
		t.Fatalf("nil status: %+v", st)
	}
}

func TestLoadReplyInProxy(t *testing.T) {
	testlog.Start(t)
	tr, err := New(Config{Remote: hostAddr, Set: table(t, nv.OwnerRemote)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr.Proxy().Store(rop.Operation{Opcode: rop.OpSay, Addr: shared, Data: []byte{1, 2, 3, 4}, HasSign: true, Sign: 0xfeed})

	if err := tr.LoadReplyInProxy(shared, nil); !errors.Is(err, rop.ErrNullInput) {
		t.Fatalf("expected ErrNullInput for empty data, got %v", err)
	}
	if err := tr.LoadReplyInProxy(shared, []byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("load reply in proxy: %v", err)
	}
	if c := tr.Counts(); c.Replies != 1 {
		t.Fatalf("expected one queued reply: %+v", c)
	}

	var sent []byte
	if _, err := tr.Flush(func(_ netip.AddrPort, data []byte) error {
		sent = append([]byte(nil), data...)
		return nil
	}); err != nil {
		t.Fatalf("flush: %v", err)
	}
	view, err := frame.Parse(sent)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var ops []rop.Operation
	_ = view.Each(func(op rop.Operation) error {
		ops = append(ops, op)
		return nil
	})
	if len(ops) != 1 || ops[0].Opcode != rop.OpSay || !ops[0].HasSign || ops[0].Sign != 0xfeed || !bytes.Equal(ops[0].Data, []byte{5, 6, 7, 8}) {
		t.Fatalf("unexpected proxy reply: %+v", ops)
	}
	if e, ok := tr.Proxy().Get(shared); !ok || !bytes.Equal(e.Value, []byte{5, 6, 7, 8}) {
		t.Fatalf("proxy value not updated: %+v", e)
	}
}

func TestRegularsWithEndpoint(t *testing.T) {
	testlog.Start(t)
	tr, _ := New(Config{Remote: boardAddr, Set: table(t, nv.OwnerLocal), Protection: ProtectionEnabled})
	if err := tr.LoadRegular(rop.Descriptor{Opcode: rop.OpSig, Addr: shared}); err != nil {
		t.Fatalf("load regular: %v", err)
	}
	if err := tr.LoadRegular(rop.Descriptor{Opcode: rop.OpAsk, Addr: rop.Address{Endpoint: 4, ID: 1}}); err != nil {
		t.Fatalf("load ask regular: %v", err)
	}
	if n := tr.RegularsWithEndpoint(shared.Endpoint); n != 1 {
		t.Fatalf("endpoint %d: %d regulars", shared.Endpoint, n)
	}
	if n := tr.RegularsWithEndpoint(4); n != 1 {
		t.Fatalf("endpoint 4: %d regulars", n)
	}
	tr.UnloadEndpoint(4)
	if n := tr.RegularsWithEndpoint(4); n != 0 {
		t.Fatalf("endpoint 4 after unload: %d regulars", n)
	}
}
