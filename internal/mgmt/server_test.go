package mgmt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// inlineExec runs management closures synchronously, standing in for the
// event loop.
func inlineExec(fn func()) { fn() }

// startServer runs a server on a temporary unix socket and returns a
// connected client.
func startServer(t *testing.T, backend Backend) *Client {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "mgmt.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(discard(), inlineExec, backend)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c, err := Dial(sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServerReadAll(t *testing.T) {
	want := []MappingDTO{{
		EID:    "10.0.0.0/24",
		Active: true,
		Locators: []LocatorDTO{
			{Addr: "192.0.2.1", State: "Up", Priority: 1, Weight: 100},
		},
	}}
	c := startServer(t, Backend{
		MapCacheRead: func() []MappingDTO { return want },
	})

	doc, err := c.ReadAll(DeviceXTR, TargetMapCache)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var got []MappingDTO
	if err := yaml.Unmarshal(doc, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if len(got) != 1 || got[0].EID != "10.0.0.0/24" || len(got[0].Locators) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestServerCreateAndDelete(t *testing.T) {
	var created []LocatorDTO
	var deleted []DeleteDTO
	c := startServer(t, Backend{
		PetrCreate: func(l LocatorDTO) error { created = append(created, l); return nil },
		PetrDelete: func(d DeleteDTO) error { deleted = append(deleted, d); return nil },
	})

	if err := c.Create(DeviceXTR, TargetPetrs, LocatorDTO{Addr: "198.51.100.1", Priority: 1, Weight: 50}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.Delete(DeviceXTR, TargetPetrs, DeleteDTO{Addr: "198.51.100.1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(created) != 1 || created[0].Addr != "198.51.100.1" || created[0].Weight != 50 {
		t.Errorf("created = %+v", created)
	}
	if len(deleted) != 1 || deleted[0].Addr != "198.51.100.1" {
		t.Errorf("deleted = %+v", deleted)
	}
}

func TestServerParametersRead(t *testing.T) {
	c := startServer(t, Backend{
		ParametersRead: func() ParametersDTO {
			return ParametersDTO{
				Role:             "xtr",
				RegisterInterval: "1m0s",
				RegisterRetries:  3,
			}
		},
	})
	doc, err := c.ReadAll(DeviceXTR, TargetParameters)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var got ParametersDTO
	if err := yaml.Unmarshal(doc, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got.Role != "xtr" || got.RegisterInterval != "1m0s" || got.RegisterRetries != 3 {
		t.Errorf("got %+v", got)
	}
}

func TestServerReportsBackendError(t *testing.T) {
	c := startServer(t, Backend{
		MapCacheDelete: func(DeleteDTO) error { return errors.New("no such entry") },
	})
	err := c.Delete(DeviceXTR, TargetMapCache, DeleteDTO{EID: "10.0.0.0/24"})
	if !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("error = %v, want ErrRequestFailed", err)
	}
}

func TestServerUnsupportedOperation(t *testing.T) {
	c := startServer(t, Backend{})
	if _, err := c.ReadAll(DeviceXTR, TargetMapCache); !errors.Is(err, ErrRequestFailed) {
		t.Fatalf("error = %v, want ErrRequestFailed for a nil backend hook", err)
	}
}

func TestServerSequentialRequestsOnOneConnection(t *testing.T) {
	calls := 0
	c := startServer(t, Backend{
		MapCacheRead: func() []MappingDTO { calls++; return nil },
	})
	for i := 0; i < 3; i++ {
		if _, err := c.ReadAll(DeviceXTR, TargetMapCache); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if calls != 3 {
		t.Errorf("backend calls = %d, want 3", calls)
	}
}
