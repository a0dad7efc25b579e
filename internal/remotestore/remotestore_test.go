package remotestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/docxology/kstreams-autopilot/internal/model"
)

func startTestServer(t *testing.T, handler http.HandlerFunc) model.HostInfo {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return model.HostInfo{Host: host, Port: port}
}

func TestGetFound(t *testing.T) {
	host := startTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/key/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(GetResponse{Found: true, Value: []byte("v1")})
	})
	s := NewStub(host, Options{})
	if err := s.Configure(); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	v, found, err := s.Get(context.Background(), "store1", []byte("k1"))
	if err != nil || !found || string(v) != "v1" {
		t.Fatalf("Get() = %q %v %v, want v1 true nil", v, found, err)
	}
}

func TestGetNotFound(t *testing.T) {
	host := startTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	s := NewStub(host, Options{})
	_, found, err := s.Get(context.Background(), "store1", []byte("missing"))
	if err != nil || found {
		t.Fatalf("Get() = found=%v err=%v, want false nil", found, err)
	}
}

func TestConfigureRejectedAfterInitialize(t *testing.T) {
	s := NewStub(model.HostInfo{Host: "127.0.0.1", Port: 1}, Options{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Configure(); err == nil {
		t.Fatal("Configure() after Initialize() = nil error, want error")
	}
}

func TestConfigureAppliesToClient(t *testing.T) {
	s := NewStub(model.HostInfo{Host: "127.0.0.1", Port: 1}, Options{})
	var applied bool
	if err := s.Configure(func(c *http.Client) { applied = true }); err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("Configure() did not invoke the registered configurer")
	}
}

func TestPeerPathRoundTripsArbitraryBytes(t *testing.T) {
	keyBytes := []byte{0x00, 0xff, 0x10, '/', '?'}
	path := PeerPath("store1", keyBytes)
	if !strings.HasPrefix(path, "/internal/store/store1/key/") {
		t.Fatalf("PeerPath() = %q, want /internal/store/store1/key/... prefix", path)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(path, "/internal/store/store1/key/"))
	if err != nil || !bytes.Equal(decoded, keyBytes) {
		t.Fatalf("decoded key segment = %v err=%v, want %v", decoded, err, keyBytes)
	}
}
