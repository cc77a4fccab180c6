package main

// Role composition: translate the loaded configuration into the runtime,
// the device role, and the management backend it exposes.

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/golispd/internal/config"
	"github.com/dantte-lp/golispd/internal/control"
	"github.com/dantte-lp/golispd/internal/fwd"
	"github.com/dantte-lp/golispd/internal/lisp"
	"github.com/dantte-lp/golispd/internal/localdb"
	"github.com/dantte-lp/golispd/internal/mapcache"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/mgmt"
)

// buildRuntime constructs the runtime and attaches the configured role.
// Returns the runtime, its teardown function, and the management backend.
func buildRuntime(
	cfg *config.Config,
	logger *slog.Logger,
	collector *lispmetrics.Collector,
) (*control.Runtime, func(), mgmt.Backend, error) {
	bind4, err := parseBind(cfg.Control.Bind4)
	if err != nil {
		return nil, nil, mgmt.Backend{}, fmt.Errorf("control.bind4: %w", err)
	}
	bind6, err := parseBind(cfg.Control.Bind6)
	if err != nil {
		return nil, nil, mgmt.Backend{}, fmt.Errorf("control.bind6: %w", err)
	}

	rt, err := control.NewRuntime(logger, collector, bind4, bind6, cfg.Control.Port)
	if err != nil {
		return nil, nil, mgmt.Backend{}, err
	}

	role, err := control.ParseRole(cfg.Role)
	if err != nil {
		rt.Close()
		return nil, nil, mgmt.Backend{}, err
	}

	var (
		backend  mgmt.Backend
		stopRole func()
	)
	switch role {
	case control.RoleXTR, control.RoleMN, control.RoleRTR:
		backend, stopRole, err = buildXTRFamily(cfg, logger, collector, rt, role)
	case control.RoleMSMR:
		backend, err = buildMSMR(cfg, logger, collector, rt)
		stopRole = func() {}
	}
	if err != nil {
		rt.Close()
		return nil, nil, mgmt.Backend{}, err
	}

	teardown := func() {
		stopRole()
		rt.Close()
	}
	return rt, teardown, backend, nil
}

// buildXTRFamily wires the xTR, MN, and RTR roles (they share the xTR
// machinery).
func buildXTRFamily(
	cfg *config.Config,
	logger *slog.Logger,
	collector *lispmetrics.Collector,
	rt *control.Runtime,
	role control.Role,
) (mgmt.Backend, func(), error) {
	db := localdb.New(logger)
	engine := fwd.NewEngine(logger, nil)
	cache := mapcache.New(logger, rt.Wheel(), engine, collector)

	xcfg := control.XTRConfig{
		InstanceID:       cfg.InstanceID,
		RegisterInterval: cfg.Timers.RegisterInterval,
		RegisterRetries:  cfg.Timers.RegisterRetries,
		RetryInterval:    cfg.Timers.RetryInterval,
		RequestRetries:   cfg.Timers.RequestRetries,
		Probing: control.ProbingConfig{
			Interval:      cfg.RLOCProbing.Interval,
			Retries:       cfg.RLOCProbing.Retries,
			RetryInterval: cfg.RLOCProbing.RetryInterval,
		},
		MobileNode:   role == control.RoleMN,
		NATTraversal: cfg.NATTraversal,
	}

	var x *control.XTR
	if role == control.RoleRTR {
		rlocs, err := rtrLocators(cfg)
		if err != nil {
			return mgmt.Backend{}, nil, err
		}
		r, err := control.NewRTR(logger, rt.Wheel(), collector, rt, db, cache, engine, xcfg, rlocs)
		if err != nil {
			return mgmt.Backend{}, nil, err
		}
		x = r.XTR
		rt.SetDevice(r)
	} else {
		x = control.NewXTR(logger, rt.Wheel(), collector, rt, db, cache, engine, xcfg)
		rt.SetDevice(x)
	}

	if err := populateDatabase(db, cfg); err != nil {
		return mgmt.Backend{}, nil, err
	}
	for _, e := range cfg.MapServers {
		addr, _ := netip.ParseAddr(e.Addr)
		x.AddMapServer(control.MapServer{
			Addr:       addr,
			KeyType:    lisp.KeyType(e.KeyType),
			Key:        e.Key,
			ProxyReply: e.ProxyReply,
		})
	}
	for _, r := range cfg.Resolvers {
		addr, _ := netip.ParseAddr(r)
		x.AddResolver(netip.AddrPortFrom(addr, lisp.ControlPort))
	}
	for _, p := range cfg.ProxyETRs {
		addr, err := lisp.ParseAddrText(p.Addr)
		if err != nil {
			return mgmt.Backend{}, nil, err
		}
		x.AddProxyETR(lisp.NewRemoteLocator(addr, uint8(p.Priority), uint8(p.Weight)))
	}

	x.Start()
	return xtrBackend(x, cfg), x.Stop, nil
}

// populateDatabase loads the configured EID-prefixes into the local
// database.
func populateDatabase(db *localdb.DB, cfg *config.Config) error {
	for _, e := range cfg.Database {
		eid, err := lisp.ParseAddrText(e.EIDPrefix)
		if err != nil {
			return err
		}
		iid := e.InstanceID
		if wrapped := eid.InstanceID(); wrapped != 0 {
			iid = wrapped
		}
		m := lisp.NewMapping(eid, iid)
		for _, r := range e.RLOCs {
			addr, err := lisp.ParseAddrText(r.Addr)
			if err != nil {
				return err
			}
			l := lisp.NewLocalLocator(addr, r.Iface, uint8(r.Priority), uint8(r.Weight))
			if err := m.Locators.Insert(l); err != nil {
				return fmt.Errorf("database %s: %w", e.EIDPrefix, err)
			}
		}
		if err := db.Add(m); err != nil {
			return err
		}
	}
	return nil
}

// rtrLocators builds the RTR's own locator list from the rtr_rlocs
// section; locators of the database section are not included.
func rtrLocators(cfg *config.Config) ([]*lisp.Locator, error) {
	var out []*lisp.Locator
	for _, s := range cfg.RTRRLOCs {
		addr, err := lisp.ParseAddrText(s)
		if err != nil {
			return nil, err
		}
		out = append(out, lisp.NewLocalLocator(addr, "", 1, 100))
	}
	return out, nil
}

// buildMSMR wires the Map-Server / Map-Resolver role.
func buildMSMR(
	cfg *config.Config,
	logger *slog.Logger,
	collector *lispmetrics.Collector,
	rt *control.Runtime,
) (mgmt.Backend, error) {
	s := control.NewMSMR(logger, rt.Wheel(), collector, rt)
	for _, e := range cfg.Sites {
		eid, err := lisp.ParseAddrText(e.EIDPrefix)
		if err != nil {
			return mgmt.Backend{}, err
		}
		iid := e.InstanceID
		if wrapped := eid.InstanceID(); wrapped != 0 {
			iid = wrapped
		}
		site := &control.Site{
			EID:                 eid,
			IID:                 iid,
			KeyType:             lisp.KeyType(e.KeyType),
			Key:                 e.Key,
			AcceptMoreSpecifics: e.AcceptMoreSpecifics,
			ProxyReply:          e.ProxyReply,
			MergeRegistrations:  e.MergeRegistrations,
		}
		if err := s.AddSite(site); err != nil {
			return mgmt.Backend{}, err
		}
	}
	for _, r := range cfg.RTRRLOCs {
		addr, err := lisp.ParseAddrText(r)
		if err != nil {
			return mgmt.Backend{}, err
		}
		s.AddRTR(addr)
	}
	rt.SetDevice(s)
	return msmrBackend(s, cfg), nil
}

// -------------------------------------------------------------------------
// Management backends
// -------------------------------------------------------------------------

// xtrBackend exposes the xTR state to the management API.
func xtrBackend(x *control.XTR, cfg *config.Config) mgmt.Backend {
	return mgmt.Backend{
		ParametersRead: func() mgmt.ParametersDTO { return parametersDTO(cfg) },
		MapCacheRead: func() []mgmt.MappingDTO {
			var out []mgmt.MappingDTO
			x.Cache().Entries(func(e *mapcache.Entry) {
				out = append(out, mappingDTO(e.Mapping, e.Active))
			})
			return out
		},
		MapCacheDelete: func(del mgmt.DeleteDTO) error {
			if del.EID == "" {
				x.Cache().Flush()
				return nil
			}
			eid, err := lisp.ParseAddrText(del.EID)
			if err != nil {
				return err
			}
			pfx, ok := eid.LeafPrefix()
			if !ok {
				return lisp.ErrMalformedAddress
			}
			return x.Cache().Remove(eid.InstanceID(), pfx)
		},
		DatabaseRead: func() []mgmt.MappingDTO {
			var out []mgmt.MappingDTO
			x.DB().All(func(m *lisp.Mapping) {
				out = append(out, mappingDTO(m, true))
			})
			return out
		},
		PetrsRead: func() []mgmt.LocatorDTO {
			var out []mgmt.LocatorDTO
			for _, l := range x.ProxyETRs().All() {
				out = append(out, locatorDTO(l))
			}
			return out
		},
		PetrCreate: func(loc mgmt.LocatorDTO) error {
			addr, err := lisp.ParseAddrText(loc.Addr)
			if err != nil {
				return err
			}
			x.AddProxyETR(lisp.NewRemoteLocator(addr, uint8(loc.Priority), uint8(loc.Weight)))
			return nil
		},
		PetrDelete: func(del mgmt.DeleteDTO) error {
			addr, err := lisp.ParseAddrText(del.Addr)
			if err != nil {
				return err
			}
			return x.ProxyETRs().Remove(addr)
		},
	}
}

// msmrBackend exposes the Map-Server state to the management API: the
// "database" target dumps the registered site mappings.
func msmrBackend(s *control.MSMR, cfg *config.Config) mgmt.Backend {
	return mgmt.Backend{
		ParametersRead: func() mgmt.ParametersDTO { return parametersDTO(cfg) },
		DatabaseRead: func() []mgmt.MappingDTO {
			var out []mgmt.MappingDTO
			s.Sites(func(site *control.Site) {
				site.Registrations(func(_ netip.Prefix, m *lisp.Mapping, _ netip.AddrPort) {
					out = append(out, mappingDTO(m, true))
				})
			})
			return out
		},
	}
}

// parametersDTO snapshots the running configuration for the YAML surface.
func parametersDTO(cfg *config.Config) mgmt.ParametersDTO {
	dto := mgmt.ParametersDTO{
		Role:             cfg.Role,
		InstanceID:       cfg.InstanceID,
		RegisterInterval: cfg.Timers.RegisterInterval.String(),
		RegisterRetries:  cfg.Timers.RegisterRetries,
		RetryInterval:    cfg.Timers.RetryInterval.String(),
		RequestRetries:   cfg.Timers.RequestRetries,
	}
	if cfg.RLOCProbing.Interval > 0 {
		dto.ProbeInterval = cfg.RLOCProbing.Interval.String()
		dto.ProbeRetries = cfg.RLOCProbing.Retries
		dto.ProbeRetryInterval = cfg.RLOCProbing.RetryInterval.String()
	}
	return dto
}

// mappingDTO converts a mapping for the YAML surface.
func mappingDTO(m *lisp.Mapping, active bool) mgmt.MappingDTO {
	dto := mgmt.MappingDTO{
		EID:    m.EID.String(),
		TTL:    m.TTL.Round(time.Second).String(),
		Action: m.Action.String(),
		Active: active,
	}
	for _, l := range m.Locators.All() {
		dto.Locators = append(dto.Locators, locatorDTO(l))
	}
	return dto
}

// locatorDTO converts a locator for the YAML surface.
func locatorDTO(l *lisp.Locator) mgmt.LocatorDTO {
	return mgmt.LocatorDTO{
		Addr:     l.Addr.String(),
		State:    l.State.String(),
		Priority: int(l.Priority),
		Weight:   int(l.Weight),
	}
}
