package mgmt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Payload DTOs — YAML documents carried in frames
// -------------------------------------------------------------------------

// LocatorDTO is one locator in a dump or create payload.
type LocatorDTO struct {
	Addr     string `yaml:"addr"`
	State    string `yaml:"state,omitempty"`
	Priority int    `yaml:"priority"`
	Weight   int    `yaml:"weight"`
}

// MappingDTO is one mapping in a dump payload.
type MappingDTO struct {
	EID      string       `yaml:"eid"`
	TTL      string       `yaml:"ttl,omitempty"`
	Action   string       `yaml:"action,omitempty"`
	Active   bool         `yaml:"active"`
	Locators []LocatorDTO `yaml:"locators,omitempty"`
}

// DeleteDTO names the state a delete operates on. Empty means "all".
type DeleteDTO struct {
	EID  string `yaml:"eid,omitempty"`
	Addr string `yaml:"addr,omitempty"`
}

// ErrorDTO carries the failure reason in error results.
type ErrorDTO struct {
	Error string `yaml:"error"`
}

// ParametersDTO is the runtime parameter dump: the role, the instance,
// and the control state machine intervals the daemon is running with.
type ParametersDTO struct {
	Role               string `yaml:"role"`
	InstanceID         uint32 `yaml:"instance_id"`
	RegisterInterval   string `yaml:"register_interval"`
	RegisterRetries    int    `yaml:"register_retries"`
	RetryInterval      string `yaml:"retry_interval"`
	RequestRetries     int    `yaml:"request_retries"`
	ProbeInterval      string `yaml:"probe_interval,omitempty"`
	ProbeRetries       int    `yaml:"probe_retries,omitempty"`
	ProbeRetryInterval string `yaml:"probe_retry_interval,omitempty"`
}

// -------------------------------------------------------------------------
// Backend — role capabilities behind the management surface
// -------------------------------------------------------------------------

// Backend exposes the state a role offers to the management API. Nil
// functions report "unsupported" for their operation, so each role wires
// only what it owns (the site database is MS-only, the PETR list is
// xTR-only, and so on).
type Backend struct {
	MapCacheRead   func() []MappingDTO
	MapCacheDelete func(DeleteDTO) error
	DatabaseRead   func() []MappingDTO
	PetrsRead      func() []LocatorDTO
	PetrCreate     func(LocatorDTO) error
	PetrDelete     func(DeleteDTO) error
	ParametersRead func() ParametersDTO
}

// ErrUnsupported indicates the running role does not implement the
// requested device/target/operation combination.
var ErrUnsupported = errors.New("operation not supported by this role")

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// ExecFunc hands fn to the event loop thread; it may return before fn has
// run (dispatch waits for fn itself). Provided by the runtime; it keeps
// every mutation single-threaded.
type ExecFunc func(fn func())

// Server serves management frames over a stream listener.
type Server struct {
	logger  *slog.Logger
	exec    ExecFunc
	backend Backend
}

// NewServer builds a management server around a backend.
func NewServer(logger *slog.Logger, exec ExecFunc, backend Backend) *Server {
	return &Server{
		logger:  logger.With(slog.String("component", "mgmt")),
		exec:    exec,
		backend: backend,
	}
}

// Serve accepts connections until ctx is cancelled. Each connection
// carries a sequence of request frames answered in order.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mgmt accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// serveConn answers one connection's requests.
func (s *Server) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		hdr, payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("mgmt read", slog.String("error", err.Error()))
			}
			return
		}
		if hdr.Type != TypeRequest {
			s.logger.Debug("mgmt frame is not a request, dropping")
			continue
		}

		res, reply := s.dispatch(hdr, payload)

		out := hdr
		out.Type = TypeResult
		if err := WriteFrame(conn, out, EncodeResult(res, reply)); err != nil {
			s.logger.Debug("mgmt write", slog.String("error", err.Error()))
			return
		}
	}
}

// dispatch runs one request on the event loop thread.
func (s *Server) dispatch(hdr Header, payload []byte) (Result, []byte) {
	var (
		res   = ResOK
		reply []byte
	)
	done := make(chan struct{})
	s.exec(func() {
		defer close(done)
		var err error
		reply, err = s.apply(hdr, payload)
		if err != nil {
			res = ResErr
			reply, _ = yaml.Marshal(ErrorDTO{Error: err.Error()})
		}
	})
	<-done
	return res, reply
}

// apply executes a request against the backend. Runs on the loop thread.
func (s *Server) apply(hdr Header, payload []byte) ([]byte, error) {
	switch {
	case hdr.Target == TargetMapCache && hdr.Operation == OpReadAll:
		if s.backend.MapCacheRead == nil {
			return nil, ErrUnsupported
		}
		return yaml.Marshal(s.backend.MapCacheRead())

	case hdr.Target == TargetMapCache && hdr.Operation == OpDelete:
		if s.backend.MapCacheDelete == nil {
			return nil, ErrUnsupported
		}
		var del DeleteDTO
		if err := yaml.Unmarshal(payload, &del); err != nil {
			return nil, fmt.Errorf("decode delete payload: %w", err)
		}
		return nil, s.backend.MapCacheDelete(del)

	case hdr.Target == TargetMapDB && hdr.Operation == OpReadAll:
		if s.backend.DatabaseRead == nil {
			return nil, ErrUnsupported
		}
		return yaml.Marshal(s.backend.DatabaseRead())

	case hdr.Target == TargetPetrs && hdr.Operation == OpReadAll:
		if s.backend.PetrsRead == nil {
			return nil, ErrUnsupported
		}
		return yaml.Marshal(s.backend.PetrsRead())

	case hdr.Target == TargetPetrs && hdr.Operation == OpCreate:
		if s.backend.PetrCreate == nil {
			return nil, ErrUnsupported
		}
		var loc LocatorDTO
		if err := yaml.Unmarshal(payload, &loc); err != nil {
			return nil, fmt.Errorf("decode petr payload: %w", err)
		}
		return nil, s.backend.PetrCreate(loc)

	case hdr.Target == TargetParameters && hdr.Operation == OpReadAll:
		if s.backend.ParametersRead == nil {
			return nil, ErrUnsupported
		}
		return yaml.Marshal(s.backend.ParametersRead())

	case hdr.Target == TargetPetrs && hdr.Operation == OpDelete:
		if s.backend.PetrDelete == nil {
			return nil, ErrUnsupported
		}
		var del DeleteDTO
		if err := yaml.Unmarshal(payload, &del); err != nil {
			return nil, fmt.Errorf("decode delete payload: %w", err)
		}
		return nil, s.backend.PetrDelete(del)

	default:
		return nil, fmt.Errorf("target %d operation %d: %w", hdr.Target, hdr.Operation, ErrUnsupported)
	}
}
