package harness

import (
	"context"
	"strconv"
	"testing"

	"github.com/docxology/kstreams-autopilot/internal/model"
)

func testHosts() []model.HostInfo {
	return []model.HostInfo{{Host: "host-a", Port: 8080}, {Host: "host-b", Port: 8080}}
}

func TestMetadataDeterministic(t *testing.T) {
	rt, err := New(t.TempDir(), testHosts(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	m1 := rt.Metadata("orders", []byte("customer-42"))
	m2 := rt.Metadata("orders", []byte("customer-42"))
	if !m1.Available || m1.ActiveHost != m2.ActiveHost {
		t.Fatalf("Metadata() not deterministic: %+v vs %+v", m1, m2)
	}
}

func TestMetadataUnavailable(t *testing.T) {
	rt, err := New(t.TempDir(), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	if m := rt.Metadata("orders", []byte("x")); m.Available {
		t.Fatalf("Metadata() on empty cluster = %+v, want Available=false", m)
	}
}

func TestProduceRoutesToOwner(t *testing.T) {
	hosts := testHosts()
	rt, err := New(t.TempDir(), hosts, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	sum := func(old, next string) string {
		a, _ := strconv.Atoi(old)
		b, _ := strconv.Atoi(next)
		return strconv.Itoa(a + b)
	}
	if err := rt.Produce("totals", "k1", "3", sum); err != nil {
		t.Fatal(err)
	}
	if err := rt.Produce("totals", "k1", "4", sum); err != nil {
		t.Fatal(err)
	}
	meta := rt.Metadata("totals", []byte("k1"))
	st, err := rt.LocalStoreFor(meta.ActiveHost)
	if err != nil {
		t.Fatal(err)
	}
	v, found, err := st.Get("totals", []byte("k1"))
	if err != nil || !found || string(v) != "7" {
		t.Fatalf("Get(totals,k1) = %q found=%v err=%v, want 7 true nil", v, found, err)
	}
}

func TestThreadAddRemove(t *testing.T) {
	rt, err := New(t.TempDir(), testHosts(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	if ok, err := rt.AddThread(context.Background()); err != nil || !ok {
		t.Fatalf("AddThread() = %v %v, want true nil", ok, err)
	}
	if n := len(rt.ThreadNames()); n != 2 {
		t.Fatalf("ThreadNames() len = %d, want 2", n)
	}
	if ok, err := rt.RemoveThread(context.Background()); err != nil || !ok {
		t.Fatalf("RemoveThread() = %v %v, want true nil", ok, err)
	}
	if n := len(rt.ThreadNames()); n != 1 {
		t.Fatalf("ThreadNames() len = %d, want 1", n)
	}
}

func TestSubscribePublish(t *testing.T) {
	rt, err := New(t.TempDir(), testHosts(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	ch, cancel := rt.Subscribe()
	defer cancel()
	rt.PublishState(StateRebalancing)
	select {
	case s := <-ch:
		if s != StateRebalancing {
			t.Fatalf("state = %v, want REBALANCING", s)
		}
	default:
		t.Fatal("no state delivered")
	}
}

func TestExcludeTopic(t *testing.T) {
	if !ExcludeTopic("^internal-.*", "internal-repartition") {
		t.Fatal("expected match")
	}
	if ExcludeTopic("^internal-.*", "orders") {
		t.Fatal("expected no match")
	}
	if ExcludeTopic("", "orders") {
		t.Fatal("empty pattern should never exclude")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	rt, err := New(t.TempDir(), testHosts(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()
	rt.SetPartitionOffsets("stream-thread-0", "orders", 0, PartitionOffsets{EndOffset: 100, CommittedOffset: 90})
	snap := rt.Snapshot()
	snap["stream-thread-0"]["orders"][0] = PartitionOffsets{EndOffset: 1, CommittedOffset: 1}
	live := rt.Snapshot()
	if live["stream-thread-0"]["orders"][0].EndOffset != 100 {
		t.Fatal("Snapshot() leaked a mutable reference into internal state")
	}
}
