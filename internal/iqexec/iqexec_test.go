package iqexec

import (
	"context"
	"errors"
	"testing"

	"github.com/docxology/kstreams-autopilot/internal/apperr"
	"github.com/docxology/kstreams-autopilot/internal/config"
	"github.com/docxology/kstreams-autopilot/internal/harness"
	"github.com/docxology/kstreams-autopilot/internal/hostmgr"
	"github.com/docxology/kstreams-autopilot/internal/localstore"
	"github.com/docxology/kstreams-autopilot/internal/model"
	"github.com/docxology/kstreams-autopilot/internal/serde"
)

func newSingleInstanceExecutor(t *testing.T) (*Executor, *harness.Runtime, model.HostInfo) {
	t.Helper()
	self := model.HostInfo{Host: "127.0.0.1", Port: 9000}
	rt, err := harness.New(t.TempDir(), []model.HostInfo{self}, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close() })

	props := config.New(map[string]string{config.KeySelfEndpoint: self.String()})
	sqliteHandle, err := rt.LocalStoreFor(self)
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := localstore.NewAdapter(props, sqliteHandle)
	if err != nil {
		t.Fatal(err)
	}

	hosts := hostmgr.New(self, rt, nil)
	registry := serde.NewDefaultRegistry()
	return New(registry, hosts, adapter), rt, self
}

func TestExecuteLocalHitDefaultSerde(t *testing.T) {
	exec, rt, _ := newSingleInstanceExecutor(t)
	concat := func(old, next string) string { return old + next }
	for _, v := range []string{"1", "2", "3"} {
		if err := rt.Produce("join-store", "j-1", v, concat); err != nil {
			t.Fatal(err)
		}
	}
	res, err := exec.Execute(context.Background(), Request{StoreName: "join-store", StringifiedKey: "j-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || string(res.Value) != "123" {
		t.Fatalf("Execute() = found=%v value=%q, want true 123", res.Found, res.Value)
	}
}

func TestExecuteUnknownSerde(t *testing.T) {
	exec, _, _ := newSingleInstanceExecutor(t)
	_, err := exec.Execute(context.Background(), Request{StoreName: "s", StringifiedKey: "k", SerdeClassName: "NoSuchSerde"})
	if !errors.Is(err, apperr.ErrUnknownSerde) {
		t.Fatalf("err = %v, want ErrUnknownSerde", err)
	}
}

func TestExecuteBadKeyConversion(t *testing.T) {
	exec, _, _ := newSingleInstanceExecutor(t)
	_, err := exec.Execute(context.Background(), Request{StoreName: "sum-store", StringifiedKey: "25L", SerdeClassName: "LongSerde"})
	if !errors.Is(err, apperr.ErrKeyConversion) {
		t.Fatalf("err = %v, want ErrKeyConversion", err)
	}
}

func TestExecuteMissOnLocalAbsentKey(t *testing.T) {
	exec, _, _ := newSingleInstanceExecutor(t)
	res, err := exec.Execute(context.Background(), Request{StoreName: "join-store", StringifiedKey: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Found {
		t.Fatalf("Execute() on absent key found=true, want false")
	}
}
