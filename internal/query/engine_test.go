package query

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"
)

type engineFixture struct {
	engine  *Engine
	tr      *fakeTransport
	sink    *collector
	adapter *testAdapter
	table   *Table
}

func newFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()

	ad := &testAdapter{}
	table := NewTable()
	for _, p := range []*Protocol{
		{ID: "test", Name: "Test", DefaultPort: 1000, Adapter: ad},
		{ID: "testm", Name: "Test Master", DefaultPort: 2000, Flags: FlagMaster, MasterOf: "test", Adapter: ad},
		{ID: "testb", Name: "Test Broadcast", DefaultPort: 1000, Flags: FlagBroadcast, Adapter: ad},
		{ID: "tests", Name: "Test Stream", DefaultPort: 3000, Flags: FlagTCP, Adapter: ad},
		{ID: "test1", Name: "Test Single", DefaultPort: 1000, Flags: FlagSingleQuery, Adapter: ad},
	} {
		if err := table.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.ID, err)
		}
	}

	tr := newFakeTransport()
	sink := newCollector(tr)
	e, err := New(opts, table, tr, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &engineFixture{engine: e, tr: tr, sink: sink, adapter: ad, table: table}
}

func (f *engineFixture) add(t *testing.T, proto, ap string) *Target {
	t.Helper()
	p, err := f.table.Lookup(proto)
	if err != nil {
		t.Fatal(err)
	}
	target, err := f.engine.Add(p, addr(ap), "")
	if err != nil {
		t.Fatalf("Add(%s): %v", ap, err)
	}
	return target
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RunTimeout = 10 * time.Minute
	return opts
}

type remainingTap struct {
	remaining []int
}

func (r *remainingTap) Sent(t *Target, _ netip.AddrPort, _ []byte) {
	r.remaining = append(r.remaining, t.Remaining(PhaseStatus))
}

func (r *remainingTap) Received(*Target, netip.AddrPort, []byte) {}

func TestSilentTargetTimesOutAfterRetries(t *testing.T) {
	f := newFixture(t, testOptions())
	tap := &remainingTap{}
	f.engine.SetTap(tap)
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusTimeout {
		t.Fatalf("Expected status timeout, got %s", target.Status)
	}

	want := []time.Duration{0, 500 * time.Millisecond, 1000 * time.Millisecond, 1500 * time.Millisecond}
	if len(f.tr.sent) != len(want) {
		t.Fatalf("Expected %d sends, got %d", len(want), len(f.tr.sent))
	}
	for i, p := range f.tr.sent {
		if p.at != want[i] {
			t.Errorf("Send %d at %s, want %s", i, p.at, want[i])
		}
	}

	if got := f.sink.at[0]; got < 2*time.Second || got > 2*time.Second+DefaultMinPoll {
		t.Errorf("Finalized at %s, want about 2s", got)
	}

	for i := 1; i < len(tap.remaining); i++ {
		if tap.remaining[i] > tap.remaining[i-1] || tap.remaining[i] < 0 {
			t.Fatalf("Retry counter not monotonic: %v", tap.remaining)
		}
	}
	if target.RetriesUsed() != 3 {
		t.Errorf("Expected 3 retries used, got %d", target.RetriesUsed())
	}
}

func TestRunTimeoutFinalizesEveryTarget(t *testing.T) {
	opts := testOptions()
	opts.RunTimeout = 5 * time.Second
	opts.MaxSimultaneous = 20
	f := newFixture(t, opts)

	for i := 0; i < 1000; i++ {
		f.add(t, "test", fmt.Sprintf("10.%d.%d.1:1000", i/250, i%250))
	}

	stats := f.engine.Run(context.Background())

	if len(f.sink.targets) != 1000 {
		t.Fatalf("Expected 1000 finalized targets, got %d", len(f.sink.targets))
	}
	for target, n := range f.sink.seen {
		if n != 1 {
			t.Fatalf("Target %s emitted %d times", target, n)
		}
		if target.Status != StatusTimeout {
			t.Fatalf("Target %s status %s, want timeout", target, target.Status)
		}
	}
	if last := f.sink.at[len(f.sink.at)-1]; last > 5*time.Second+DefaultMinPoll {
		t.Errorf("Last target finalized at %s, after the run timeout", last)
	}
	if stats.Timeout != 1000 {
		t.Errorf("Expected 1000 timeouts in stats, got %d", stats.Timeout)
	}
	if len(f.tr.socks) != 0 {
		t.Errorf("Expected every socket closed, %d open", len(f.tr.socks))
	}
	if f.engine.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d", f.engine.Registry().Len())
	}
	if f.sink.flushed != 1 {
		t.Errorf("Expected one flush, got %d", f.sink.flushed)
	}
}

func TestConcurrencyCap(t *testing.T) {
	opts := testOptions()
	opts.MaxSimultaneous = 3
	f := newFixture(t, opts)
	for i := 1; i <= 10; i++ {
		f.add(t, "test", fmt.Sprintf("10.0.0.%d:1000", i))
	}

	f.engine.Run(context.Background())

	opensAtZero := 0
	for _, at := range f.tr.opened {
		if at == 0 {
			opensAtZero++
		}
	}
	if opensAtZero != 3 {
		t.Errorf("Expected 3 binds at start, got %d", opensAtZero)
	}
	if len(f.sink.targets) != 10 {
		t.Errorf("Expected 10 finalized targets, got %d", len(f.sink.targets))
	}
}

func TestReplyCompletesTarget(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: reply("Ualpha")}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp {
		t.Fatalf("Expected status up, got %s (%v)", target.Status, target.Err)
	}
	if target.Name != "alpha" {
		t.Errorf("Expected name alpha, got %q", target.Name)
	}
	if target.State() != StateDone {
		t.Errorf("Expected done state, got %d", target.State())
	}
	if len(f.tr.socks) != 0 {
		t.Error("Socket left open after completion")
	}
}

func TestEmptyDatagramIgnored(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: reply("", "Ualpha")}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp {
		t.Fatalf("Expected status up, got %s (%v)", target.Status, target.Err)
	}
	if _, in, _, _ := target.Traffic(); in != 1 {
		t.Errorf("Expected 1 packet in, got %d", in)
	}
}

func TestRefusedTargetIsDown(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{refused: true}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusDown {
		t.Fatalf("Expected status down, got %s", target.Status)
	}
	if !errors.Is(target.Err, ErrRefused) {
		t.Errorf("Expected refused error, got %v", target.Err)
	}
	if f.sink.at[0] != 0 {
		t.Errorf("Expected immediate finalization, got %s", f.sink.at[0])
	}
}

func TestProtocolErrorDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: reply("X")}
	f.tr.peers[addr("10.0.0.2:1000")] = &fakePeer{reply: reply("Ubeta")}
	bad := f.add(t, "test", "10.0.0.1:1000")
	good := f.add(t, "test", "10.0.0.2:1000")

	f.engine.Run(context.Background())

	if bad.Status != StatusError || !errors.Is(bad.Err, ErrMalformed) {
		t.Errorf("Expected protocol error, got %s (%v)", bad.Status, bad.Err)
	}
	if good.Status != StatusUp {
		t.Errorf("Expected second target up, got %s", good.Status)
	}
}

func TestFragmentsInReverseOrderCombineOnce(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: reply("F\x01\x01\x02world", "F\x01\x00\x02Chello")}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp {
		t.Fatalf("Expected status up, got %s (%v)", target.Status, target.Err)
	}
	if len(f.adapter.combined) != 1 {
		t.Fatalf("Expected one combined decode, got %d", len(f.adapter.combined))
	}
	if got := string(f.adapter.combined[0]); got != "Chelloworld" {
		t.Errorf("Combined buffer %q, want %q", got, "Chelloworld")
	}
	if f.adapter.segmentsAtCombine[0] != 2 {
		t.Errorf("Combined decode after %d segments, want 2", f.adapter.segmentsAtCombine[0])
	}
}

func TestDuplicateRepliesAreIdempotent(t *testing.T) {
	opts := testOptions()
	opts.WantPlayers = true
	f := newFixture(t, opts)
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: func(pkt []byte) []datagram {
		switch string(pkt) {
		case "status":
			return []datagram{{data: []byte("Ualpha")}, {data: []byte("Ualpha")}}
		case "players":
			return []datagram{{data: []byte("P\x03")}, {data: []byte("P\x03")}}
		}
		return nil
	}}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp {
		t.Fatalf("Expected status up, got %s (%v)", target.Status, target.Err)
	}
	if target.NumPlayers != 3 || len(target.Players) != 3 {
		t.Errorf("Expected 3 players, got %d/%d", target.NumPlayers, len(target.Players))
	}
	if len(f.tr.sent) != 2 {
		t.Errorf("Expected 2 requests (status, players), got %d", len(f.tr.sent))
	}
	if target.Remaining(PhaseStatus) != 3 || target.Remaining(PhasePlayers) != 3 {
		t.Errorf("Retry counters changed: status=%d players=%d",
			target.Remaining(PhaseStatus), target.Remaining(PhasePlayers))
	}
}

func TestChallengeResendKeepsRetryBudget(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: func(pkt []byte) []datagram {
		if string(pkt) == "status" {
			return []datagram{{data: []byte("Habcd")}}
		}
		if string(pkt) == "status:abcd" {
			return []datagram{{data: []byte("Uok")}}
		}
		return nil
	}}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp {
		t.Fatalf("Expected status up, got %s", target.Status)
	}
	if len(f.tr.sent) != 2 {
		t.Errorf("Expected 2 sends, got %d", len(f.tr.sent))
	}
	if target.Remaining(PhaseStatus) != 3 {
		t.Errorf("Expected untouched retry budget, got %d", target.Remaining(PhaseStatus))
	}
}

func TestMasterCascadeSkipsKnownServers(t *testing.T) {
	f := newFixture(t, testOptions())

	var servers []netip.AddrPort
	for i := 1; i <= 5; i++ {
		ap := addr(fmt.Sprintf("10.1.0.%d:1000", i))
		servers = append(servers, ap)
		f.tr.peers[ap] = &fakePeer{reply: reply("Uchild")}
	}
	f.tr.peers[addr("10.0.0.1:2000")] = &fakePeer{reply: func([]byte) []datagram {
		return []datagram{{data: masterList(servers...)}, {data: masterList(servers[:2]...)}, {data: []byte("E")}}
	}}

	master := f.add(t, "testm", "10.0.0.1:2000")
	f.add(t, "test", "10.1.0.1:1000")
	f.add(t, "test", "10.1.0.2:1000")

	stats := f.engine.Run(context.Background())

	if master.Status != StatusUp {
		t.Fatalf("Expected master up, got %s (%v)", master.Status, master.Err)
	}
	if len(master.Servers) != 5 {
		t.Errorf("Expected 5 unique servers, got %d", len(master.Servers))
	}
	if stats.Targets != 6 {
		t.Errorf("Expected 6 targets (master, 2 known, 3 new), got %d", stats.Targets)
	}
	for _, ap := range servers {
		child := f.sink.byAddr(ap)
		if child == nil {
			t.Fatalf("Server %s never queried", ap)
		}
		if f.sink.seen[child] != 1 || child.Status != StatusUp {
			t.Errorf("Server %s emitted %d times with status %s", ap, f.sink.seen[child], child.Status)
		}
	}
}

func TestMasterGateWaitsForAllMasters(t *testing.T) {
	f := newFixture(t, testOptions())
	child := addr("10.1.0.1:1000")
	f.tr.peers[child] = &fakePeer{reply: reply("Uchild")}
	f.tr.peers[addr("10.0.0.1:2000")] = &fakePeer{reply: func([]byte) []datagram {
		return []datagram{{data: masterList(child)}, {data: []byte("E")}}
	}}

	fast := f.add(t, "testm", "10.0.0.1:2000")
	slow := f.add(t, "testm", "10.0.0.2:2000")
	ordinary := f.add(t, "test", "10.2.0.1:1000")

	if f.engine.WaitingMasters() != 2 {
		t.Fatalf("Expected 2 waiting masters, got %d", f.engine.WaitingMasters())
	}

	f.engine.Run(context.Background())

	if fast.Status != StatusUp {
		t.Errorf("Expected fast master up, got %s", fast.Status)
	}
	if slow.Status != StatusNoServers {
		t.Errorf("Expected slow master without servers, got %s", slow.Status)
	}
	if f.engine.WaitingMasters() != 0 {
		t.Errorf("Expected gate at zero, got %d", f.engine.WaitingMasters())
	}

	// 500ms * 4 per master retry, 3 retries: exhausted at 8s.
	gate := 8 * time.Second
	for _, ap := range []netip.AddrPort{ordinary.Addr, child} {
		at, ok := f.tr.opened[ap]
		if !ok {
			t.Fatalf("Target %s never bound", ap)
		}
		if at < gate {
			t.Errorf("Target %s bound at %s, before all masters finished", ap, at)
		}
	}
}

func TestTransientOpenFailureIsRetried(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: reply("Uok")}
	calls := 0
	f.tr.openErr = func(OpenRequest) error {
		calls++
		if calls <= 2 {
			return fmt.Errorf("%w: too many open files", ErrTransient)
		}
		return nil
	}
	target := f.add(t, "test", "10.0.0.1:1000")

	stats := f.engine.Run(context.Background())

	if target.Status != StatusUp {
		t.Fatalf("Expected status up, got %s (%v)", target.Status, target.Err)
	}
	if stats.Transient != 2 {
		t.Errorf("Expected 2 transient failures, got %d", stats.Transient)
	}
}

func TestPermanentOpenFailureIsDown(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.openErr = func(OpenRequest) error { return errors.New("network unreachable") }
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusDown {
		t.Errorf("Expected status down, got %s", target.Status)
	}
}

func TestBroadcastRepliesMaterializeTargets(t *testing.T) {
	f := newFixture(t, testOptions())
	one, two := addr("10.0.0.5:1000"), addr("10.0.0.6:1000")
	quiet := addr("10.0.0.7:1000")
	f.tr.peers[one] = &fakePeer{reply: reply("Uone")}
	f.tr.peers[two] = &fakePeer{reply: reply("Utwo")}
	f.tr.peers[addr("10.0.0.255:1000")] = &fakePeer{reply: func([]byte) []datagram {
		return []datagram{
			{from: one, data: []byte("Uone")},
			{from: two, data: []byte("Utwo")},
			{from: quiet, data: []byte("Uquiet")},
		}
	}}
	p, _ := f.table.Lookup("testb")
	bcast, err := f.engine.AddBroadcast(p, addr("10.0.0.255:1000"), "")
	if err != nil {
		t.Fatal(err)
	}

	f.engine.Run(context.Background())

	if bcast.Status != StatusUp {
		t.Errorf("Expected broadcast target up, got %s (%v)", bcast.Status, bcast.Err)
	}
	if !f.tr.opens[0].Broadcast {
		t.Error("Expected broadcast socket for the broadcast target")
	}
	want := map[netip.AddrPort]string{one: "one", two: "two", quiet: "quiet"}
	for ap, name := range want {
		child := f.sink.byAddr(ap)
		if child == nil {
			t.Fatalf("Expected target for %s", ap)
		}
		if child.Status != StatusUp || child.Name != name {
			t.Errorf("Expected %s up as %q, got %s %q", ap, name, child.Status, child.Name)
		}
		if child.IsBroadcast() {
			t.Errorf("Materialized target %s still broadcasts", ap)
		}
		if child.Protocol != p {
			t.Errorf("Materialized target %s got a copied protocol", ap)
		}
	}
	if len(f.tr.opens) != 1 {
		t.Errorf("Expected only the broadcast socket, got %d opens", len(f.tr.opens))
	}
}

func TestBroadcastChallengeReplyQueuesDirectedQuery(t *testing.T) {
	f := newFixture(t, testOptions())
	host := addr("10.0.0.5:1000")
	f.tr.peers[host] = &fakePeer{reply: func(pkt []byte) []datagram {
		if string(pkt) == "status:ab" {
			return []datagram{{data: []byte("Uhost")}}
		}
		return nil
	}}
	f.tr.peers[addr("10.0.0.255:1000")] = &fakePeer{reply: func([]byte) []datagram {
		return []datagram{{from: host, data: []byte("Hab")}}
	}}
	p, _ := f.table.Lookup("testb")
	if _, err := f.engine.AddBroadcast(p, addr("10.0.0.255:1000"), ""); err != nil {
		t.Fatal(err)
	}

	f.engine.Run(context.Background())

	child := f.sink.byAddr(host)
	if child == nil || child.Status != StatusUp || child.Name != "host" {
		t.Fatalf("Expected directed query to complete the host, got %+v", child)
	}
	if len(f.tr.opens) != 2 || f.tr.opens[1].Broadcast {
		t.Errorf("Expected a second directed socket, got %+v", f.tr.opens)
	}
}

func TestBroadcastWithoutDecodedRepliesTimesOut(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.255:1000")] = &fakePeer{reply: func([]byte) []datagram {
		return []datagram{{from: addr("10.0.0.9:1000"), data: []byte("X")}}
	}}
	p, _ := f.table.Lookup("testb")
	bcast, err := f.engine.AddBroadcast(p, addr("10.0.0.255:1000"), "")
	if err != nil {
		t.Fatal(err)
	}

	f.engine.Run(context.Background())

	if bcast.Status != StatusTimeout {
		t.Errorf("Expected broadcast timeout, got %s", bcast.Status)
	}
	// The host is queued; later broadcast replies reach it once bound.
	child := f.sink.byAddr(addr("10.0.0.9:1000"))
	if child == nil || child.Status != StatusError || !errors.Is(child.Err, ErrMalformed) {
		t.Errorf("Expected queued host to fail decoding, got %+v", child)
	}
}

func TestAddBroadcastModeSelection(t *testing.T) {
	f := newFixture(t, testOptions())

	plain, _ := f.table.Lookup("test")
	if _, err := f.engine.AddBroadcast(plain, addr("10.0.0.255:1000"), ""); err == nil {
		t.Error("Expected error for protocol without broadcast support")
	}

	directed := f.add(t, "testb", "10.0.0.1:1000")
	if directed.IsBroadcast() {
		t.Error("Expected directed mode for a unicast address")
	}
	limited := f.add(t, "testb", "255.255.255.255:1000")
	if !limited.IsBroadcast() {
		t.Error("Expected broadcast mode for the limited broadcast address")
	}
	if f.add(t, "test", "255.255.255.255:1001").IsBroadcast() {
		t.Error("Expected directed mode for protocol without broadcast support")
	}
}

func TestBroadcastCapableDirectedTarget(t *testing.T) {
	tests := []struct {
		name   string
		peer   *fakePeer
		status Status
	}{
		{name: "refused", peer: &fakePeer{refused: true}, status: StatusDown},
		{name: "challenge only", peer: &fakePeer{delay: 100 * time.Millisecond, reply: reply("Hab")}, status: StatusTimeout},
		{name: "reply", peer: &fakePeer{reply: reply("Uok")}, status: StatusUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testOptions())
			f.tr.peers[addr("10.0.0.1:1000")] = tt.peer
			target := f.add(t, "testb", "10.0.0.1:1000")

			f.engine.Run(context.Background())

			if target.Status != tt.status {
				t.Errorf("Expected %s, got %s (%v)", tt.status, target.Status, target.Err)
			}
			if f.tr.opens[0].Broadcast {
				t.Error("Expected a directed socket")
			}
		})
	}
}

func TestRepeatedChallengeExhaustsBudget(t *testing.T) {
	opts := testOptions()
	f := newFixture(t, opts)
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{delay: 400 * time.Millisecond, reply: func(pkt []byte) []datagram {
		return []datagram{{data: []byte(fmt.Sprintf("H%d", len(pkt)))}}
	}}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusTimeout {
		t.Fatalf("Expected timeout, got %s (%v)", target.Status, target.Err)
	}
	// One interval per retry slot, each slot stretched by at most one
	// more interval through a challenge resend.
	limit := 2 * time.Duration(opts.Retries+1) * opts.Interval
	if got := f.sink.at[0]; got > limit {
		t.Errorf("Expected finalization within %s, got %s", limit, got)
	}
}

func TestPartialWhenPlayersTimeOut(t *testing.T) {
	opts := testOptions()
	opts.WantPlayers = true
	f := newFixture(t, opts)
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: func(pkt []byte) []datagram {
		if string(pkt) == "status" {
			return []datagram{{data: []byte("Ualpha")}}
		}
		return nil
	}}
	target := f.add(t, "test", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp || !target.Partial {
		t.Fatalf("Expected partial up, got %s partial=%v", target.Status, target.Partial)
	}
	if target.Name != "alpha" {
		t.Errorf("Expected name alpha, got %q", target.Name)
	}
	if target.Remaining(PhasePlayers) != 0 {
		t.Errorf("Expected players budget spent, got %d", target.Remaining(PhasePlayers))
	}
}

func TestMasterExhaustedCascadesCollectedServers(t *testing.T) {
	f := newFixture(t, testOptions())
	child := addr("10.1.0.1:1000")
	f.tr.peers[child] = &fakePeer{reply: reply("Uchild")}
	f.tr.peers[addr("10.0.0.1:2000")] = &fakePeer{reply: func([]byte) []datagram {
		return []datagram{{data: masterList(child)}}
	}}
	master := f.add(t, "testm", "10.0.0.1:2000")

	f.engine.Run(context.Background())

	if master.Status != StatusTimeout {
		t.Errorf("Expected master timeout, got %s (%v)", master.Status, master.Err)
	}
	got := f.sink.byAddr(child)
	if got == nil || got.Status != StatusUp {
		t.Fatalf("Expected collected server queried and up, got %+v", got)
	}
}

func TestSingleQueryStopsAfterStatus(t *testing.T) {
	opts := testOptions()
	opts.WantPlayers = true
	f := newFixture(t, opts)
	f.tr.peers[addr("10.0.0.1:1000")] = &fakePeer{reply: reply("Uone")}
	target := f.add(t, "test1", "10.0.0.1:1000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp || target.Partial {
		t.Fatalf("Expected complete up, got %s partial=%v", target.Status, target.Partial)
	}
	if len(f.tr.sent) != 1 || string(f.tr.sent[0].data) != "status" {
		t.Errorf("Expected only the status request, got %d sends", len(f.tr.sent))
	}
}

func TestMasterFinishDefersBinding(t *testing.T) {
	f := newFixture(t, testOptions())
	var servers []netip.AddrPort
	for i := 1; i <= 4; i++ {
		ap := addr(fmt.Sprintf("10.1.0.%d:1000", i))
		servers = append(servers, ap)
		f.tr.peers[ap] = &fakePeer{reply: reply("Uchild")}
	}
	for i, m := range []string{"10.0.0.1:2000", "10.0.0.2:2000", "10.0.0.3:2000"} {
		list := masterList(servers[i : i+2]...)
		f.tr.peers[addr(m)] = &fakePeer{reply: func([]byte) []datagram {
			return []datagram{{data: list}, {data: []byte("E")}}
		}}
		f.add(t, "testm", m)
	}
	ordinary := f.add(t, "test", "10.2.0.1:1000")
	f.tr.peers[ordinary.Addr] = &fakePeer{reply: reply("Uother")}

	stats := f.engine.Run(context.Background())

	if f.tr.early != 0 {
		t.Errorf("Expected binds only after a batch is drained, got %d early opens", f.tr.early)
	}
	if stats.Up != 8 {
		t.Errorf("Expected 8 targets up, got %d", stats.Up)
	}
	if f.tr.opens[3].Remote != ordinary.Addr {
		t.Errorf("Expected queued target bound first after the masters, got %s", f.tr.opens[3].Remote)
	}
}

type countingCache struct {
	reverse int
}

func (c *countingCache) LookupHost(string) (netip.Addr, bool) { return netip.Addr{}, false }

func (c *countingCache) LookupAddr(netip.Addr) (string, bool) {
	c.reverse++
	return "cached.example", true
}

func (c *countingCache) InsertHost(string, netip.Addr) error { return nil }

func TestCascadeSkipsReverseLookup(t *testing.T) {
	f := newFixture(t, testOptions())
	cache := &countingCache{}
	f.engine.SetHostCache(cache)

	var servers []netip.AddrPort
	for i := 1; i <= 3; i++ {
		ap := addr(fmt.Sprintf("10.1.0.%d:1000", i))
		servers = append(servers, ap)
		f.tr.peers[ap] = &fakePeer{reply: reply("Uchild")}
	}
	f.tr.peers[addr("10.0.0.1:2000")] = &fakePeer{reply: func([]byte) []datagram {
		return []datagram{{data: masterList(servers...)}, {data: []byte("E")}}
	}}
	master := f.add(t, "testm", "10.0.0.1:2000")

	f.engine.Run(context.Background())

	if cache.reverse != 1 {
		t.Errorf("Expected one reverse lookup for the master, got %d", cache.reverse)
	}
	if master.Label != "cached.example" {
		t.Errorf("Expected cached label on the master, got %q", master.Label)
	}
	for _, ap := range servers {
		if child := f.sink.byAddr(ap); child == nil || child.Label != ap.Addr().String() {
			t.Errorf("Expected numeric label for %s, got %+v", ap, child)
		}
	}
}

func TestStreamAccumulatesChunks(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:3000")] = &fakePeer{reply: reply("L\x05he", "llo")}
	target := f.add(t, "tests", "10.0.0.1:3000")

	f.engine.Run(context.Background())

	if target.Status != StatusUp {
		t.Fatalf("Expected status up, got %s (%v)", target.Status, target.Err)
	}
	if target.Name != "hello" {
		t.Errorf("Expected name hello, got %q", target.Name)
	}
}

func TestStreamClosedEarlyIsProtocolError(t *testing.T) {
	f := newFixture(t, testOptions())
	f.tr.peers[addr("10.0.0.1:3000")] = &fakePeer{reply: reply("L\x05he"), close: true}
	target := f.add(t, "tests", "10.0.0.1:3000")

	f.engine.Run(context.Background())

	if target.Status != StatusError {
		t.Errorf("Expected protocol error, got %s (%v)", target.Status, target.Err)
	}
}

func TestDuplicateAddIsRejected(t *testing.T) {
	f := newFixture(t, testOptions())
	p, _ := f.table.Lookup("test")
	if _, err := f.engine.Add(p, addr("10.0.0.1:1000"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Add(p, addr("10.0.0.1:1000"), ""); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
	if _, err := f.engine.Add(p, netip.MustParseAddrPort("[::ffff:10.0.0.1]:1000"), ""); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate for mapped address, got %v", err)
	}
	if f.engine.Registry().Len() != 1 {
		t.Errorf("Expected one registry entry, got %d", f.engine.Registry().Len())
	}
}

func TestCancelledContextFinalizesTargets(t *testing.T) {
	f := newFixture(t, testOptions())
	f.add(t, "test", "10.0.0.1:1000")
	f.add(t, "test", "10.0.0.2:1000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.engine.Run(ctx)

	if len(f.sink.targets) != 2 {
		t.Fatalf("Expected 2 finalized targets, got %d", len(f.sink.targets))
	}
	for _, target := range f.sink.targets {
		if target.Status != StatusTimeout {
			t.Errorf("Target %s status %s, want timeout", target, target.Status)
		}
	}
}

func TestAddHostLiteralAndNotFound(t *testing.T) {
	f := newFixture(t, testOptions())
	p, _ := f.table.Lookup("test")

	target, err := f.engine.AddHost(context.Background(), p, "10.0.0.9", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if target.Addr != addr("10.0.0.9:1000") {
		t.Errorf("Expected default port, got %s", target.Addr)
	}

	f.engine.SetHostCache(mapCache{"game.example": netip.MustParseAddr("10.0.0.7")})
	f.engine.lookup = func(context.Context, string, string) ([]netip.Addr, error) {
		return nil, errors.New("no such host")
	}

	target, err = f.engine.AddHost(context.Background(), p, "game.example", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if target.Addr != addr("10.0.0.7:1000") || target.Label != "game.example" {
		t.Errorf("Expected cached address labelled by host, got %s %q", target.Addr, target.Label)
	}

	target, err = f.engine.AddHost(context.Background(), p, "missing.invalid", 0, "")
	if !errors.Is(err, ErrHostNotFound) {
		t.Fatalf("Expected ErrHostNotFound, got %v", err)
	}
	if target.Status != StatusHostNotFound || f.sink.seen[target] != 1 {
		t.Errorf("Expected emitted host-not-found target, got %s", target.Status)
	}
}

type mapCache map[string]netip.Addr

func (m mapCache) LookupHost(name string) (netip.Addr, bool) {
	a, ok := m[name]
	return a, ok
}

func (m mapCache) LookupAddr(netip.Addr) (string, bool) { return "", false }

func (m mapCache) InsertHost(string, netip.Addr) error { return nil }

func TestValidateRejectsNonPositive(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"max simultaneous", func(o *Options) { o.MaxSimultaneous = 0 }},
		{"retries", func(o *Options) { o.Retries = -1 }},
		{"interval", func(o *Options) { o.Interval = 0 }},
		{"master multiplier", func(o *Options) { o.MasterMultiplier = 0 }},
		{"run timeout", func(o *Options) { o.RunTimeout = 0 }},
	}

	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("Defaults rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			if err := opts.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
