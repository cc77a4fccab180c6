// Package control implements the LISP control-plane state machines and
// device roles: Map-Register/Notify between xTR and Map-Server,
// Map-Request/Reply resolution, Solicit-Map-Request invalidation, and
// RLOC-probing, composed per device role (xTR, MS/MR, RTR, MN) behind a
// common dispatch surface.
//
// Everything in this package runs on the event loop; no state is shared
// across goroutines.
package control

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/golispd/internal/lisp"
	lispmetrics "github.com/dantte-lp/golispd/internal/metrics"
	"github.com/dantte-lp/golispd/internal/timerwheel"
)

// -------------------------------------------------------------------------
// Device roles — dispatch surface
// -------------------------------------------------------------------------

// Role names the device composition the daemon runs as.
type Role uint8

const (
	// RoleXTR is an ingress/egress tunnel router.
	RoleXTR Role = iota + 1

	// RoleMSMR is a Map-Server / Map-Resolver.
	RoleMSMR

	// RoleRTR is a re-encapsulating tunnel router (NAT traversal).
	RoleRTR

	// RoleMN is a mobile node: an xTR with a single host EID.
	RoleMN
)

// String returns the configuration name of the role.
func (r Role) String() string {
	switch r {
	case RoleXTR:
		return "xtr"
	case RoleMSMR:
		return "ms"
	case RoleRTR:
		return "rtr"
	case RoleMN:
		return "mn"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

// ParseRole maps a configuration role string.
func ParseRole(s string) (Role, error) {
	switch s {
	case "xtr":
		return RoleXTR, nil
	case "ms", "mr", "msmr":
		return RoleMSMR, nil
	case "rtr":
		return RoleRTR, nil
	case "mn":
		return RoleMN, nil
	default:
		return 0, fmt.Errorf("unknown device role %q", s)
	}
}

// IfaceEvent is an interface change delivered by the platform collaborator.
type IfaceEvent struct {
	// Iface is the interface name.
	Iface string

	// Addr is the interface's new address; invalid if unchanged.
	Addr netip.Addr

	// Up is the new operational status.
	Up bool
}

// Device is a role's dispatch table. The runtime parses inbound messages
// and routes them here; raw buffers accompany the authenticated message
// types so handlers can verify the HMAC over the wire bytes.
type Device interface {
	HandleMapRequest(req *lisp.MapRequest, src netip.AddrPort)
	HandleMapReply(rep *lisp.MapReply, src netip.AddrPort)
	HandleMapRegister(reg *lisp.MapRegister, raw []byte, src netip.AddrPort)
	HandleMapNotify(not *lisp.MapNotify, raw []byte, src netip.AddrPort)
	HandleInfoRequest(info *lisp.InfoMsg, raw []byte, src netip.AddrPort)
	HandleInfoReply(info *lisp.InfoMsg, src netip.AddrPort)
	OnIfaceChange(ev IfaceEvent)
}

// baseDevice supplies the shared dependencies and default drop handlers.
// Roles embed it and override the messages they own, so adding a message
// type does not touch every role.
type baseDevice struct {
	logger  *slog.Logger
	wheel   *timerwheel.Wheel
	metrics *lispmetrics.Collector
	sender  Sender
	nonces  *lisp.NonceTable
}

// drop logs an unexpected message at debug level.
func (d *baseDevice) drop(what string, src netip.AddrPort) {
	d.logger.Debug("dropping unexpected message",
		slog.String("msg", what),
		slog.String("src", src.String()),
	)
	if d.metrics != nil {
		d.metrics.MessagesDropped.WithLabelValues(src.Addr().String()).Inc()
	}
}

func (d *baseDevice) HandleMapRequest(_ *lisp.MapRequest, src netip.AddrPort) {
	d.drop("map-request", src)
}

func (d *baseDevice) HandleMapReply(_ *lisp.MapReply, src netip.AddrPort) {
	d.drop("map-reply", src)
}

func (d *baseDevice) HandleMapRegister(_ *lisp.MapRegister, _ []byte, src netip.AddrPort) {
	d.drop("map-register", src)
}

func (d *baseDevice) HandleMapNotify(_ *lisp.MapNotify, _ []byte, src netip.AddrPort) {
	d.drop("map-notify", src)
}

func (d *baseDevice) HandleInfoRequest(_ *lisp.InfoMsg, _ []byte, src netip.AddrPort) {
	d.drop("info-request", src)
}

func (d *baseDevice) HandleInfoReply(_ *lisp.InfoMsg, src netip.AddrPort) {
	d.drop("info-reply", src)
}

func (d *baseDevice) OnIfaceChange(IfaceEvent) {}

// send transmits a message buffer and counts it.
func (d *baseDevice) send(msgType lisp.MsgType, dst netip.AddrPort, buf []byte) {
	if err := d.sender.Send(dst, buf); err != nil {
		d.logger.Warn("send failed",
			slog.String("msg", msgType.String()),
			slog.String("dst", dst.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if d.metrics != nil {
		d.metrics.MessagesSent.WithLabelValues(msgType.String(), dst.Addr().String()).Inc()
	}
}

// replyDestination picks where a Map-Reply goes: the first ITR-RLOC of
// the source's family at the request's source port, falling back to the
// packet source.
func replyDestination(req *lisp.MapRequest, src netip.AddrPort) netip.AddrPort {
	for _, rloc := range req.ITRRLOCs {
		ip, ok := rloc.LeafIP()
		if !ok || ip.IsUnspecified() {
			continue
		}
		if ip.Is4() == src.Addr().Is4() {
			return netip.AddrPortFrom(ip, src.Port())
		}
	}
	return src
}

// -------------------------------------------------------------------------
// Dispatch
// -------------------------------------------------------------------------

// malformedLogWindow rate-limits malformed-packet logging per source.
const malformedLogWindow = time.Minute

// Dispatcher parses inbound control messages and routes them to a device.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *lispmetrics.Collector
	device  Device

	// lastMalformed tracks the last malformed log per source address,
	// keeping the log to once per source and minute.
	lastMalformed map[netip.Addr]time.Time
}

// NewDispatcher builds a dispatcher for a device.
func NewDispatcher(logger *slog.Logger, metrics *lispmetrics.Collector, device Device) *Dispatcher {
	return &Dispatcher{
		logger:        logger.With(slog.String("component", "control.dispatch")),
		metrics:       metrics,
		device:        device,
		lastMalformed: make(map[netip.Addr]time.Time),
	}
}

// Dispatch routes one received packet. Errors never propagate: malformed
// packets are dropped with a rate-limited log and a counter bump.
func (d *Dispatcher) Dispatch(buf []byte, src netip.AddrPort) {
	typ, err := lisp.PeekType(buf)
	if err != nil {
		d.malformed(src, err)
		return
	}

	if d.metrics != nil {
		d.metrics.MessagesReceived.WithLabelValues(typ.String(), src.Addr().String()).Inc()
	}

	switch typ {
	case lisp.MsgMapRequest:
		req, err := lisp.UnmarshalMapRequest(buf)
		if err != nil {
			d.malformed(src, err)
			return
		}
		d.device.HandleMapRequest(req, src)

	case lisp.MsgMapReply:
		rep, err := lisp.UnmarshalMapReply(buf)
		if err != nil {
			d.malformed(src, err)
			return
		}
		d.device.HandleMapReply(rep, src)

	case lisp.MsgMapRegister:
		reg, err := lisp.UnmarshalMapRegister(buf)
		if err != nil {
			d.malformed(src, err)
			return
		}
		d.device.HandleMapRegister(reg, buf, src)

	case lisp.MsgMapNotify:
		not, err := lisp.UnmarshalMapNotify(buf)
		if err != nil {
			d.malformed(src, err)
			return
		}
		d.device.HandleMapNotify(not, buf, src)

	case lisp.MsgEncapControl:
		payload, innerSrc, _, err := lisp.UnmarshalECM(buf)
		if err != nil {
			d.malformed(src, err)
			return
		}
		// Replies address the inner source port at the outer address:
		// the encapsulation may have crossed a NAT.
		reply := netip.AddrPortFrom(src.Addr(), innerSrc.Port())
		d.Dispatch(payload, reply)

	case lisp.MsgInfo:
		info, err := lisp.UnmarshalInfo(buf)
		if err != nil {
			d.malformed(src, err)
			return
		}
		if info.Reply {
			d.device.HandleInfoReply(info, src)
		} else {
			d.device.HandleInfoRequest(info, buf, src)
		}

	default:
		d.malformed(src, fmt.Errorf("message type %d: %w", typ, lisp.ErrMalformedMessage))
	}
}

// malformed drops a packet, logging at most once per source and minute.
func (d *Dispatcher) malformed(src netip.AddrPort, err error) {
	if d.metrics != nil {
		d.metrics.MessagesDropped.WithLabelValues(src.Addr().String()).Inc()
	}
	now := time.Now()
	if last, ok := d.lastMalformed[src.Addr()]; ok && now.Sub(last) < malformedLogWindow {
		return
	}
	d.lastMalformed[src.Addr()] = now
	d.logger.Warn("malformed control message",
		slog.String("src", src.String()),
		slog.String("error", err.Error()),
	)
}
