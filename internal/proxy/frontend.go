package proxy

import (
	"log/slog"
	"net"
	"time"

	"mcpebalancer/internal/events"
	"mcpebalancer/internal/fleet"
	"mcpebalancer/internal/proxyproto"
	"mcpebalancer/internal/raknet"
	"mcpebalancer/internal/session"
)

const maxDatagramSize = 2048

// Frontend owns the single UDP socket clients connect to and implements the
// forwarding loop spec §4.6 describes: Unconnected Ping is answered
// directly from the MOTD cache; everything else is routed through the
// session table to a backend and forwarded as opaque bytes, never parsed as
// RakNet beyond that first-byte/magic peek. Grounded on Summpot-prism's
// UDPForwarder.HandlePacket/upstreamReadLoop shape, generalized from a
// single static upstream to per-client backend selection.
type Frontend struct {
	Controller    *Controller
	Sessions      *session.Table
	Log           *slog.Logger
	Bus           *events.Bus
	ProxyProtocol bool

	// ProxyBind is the local address new upstream sockets are bound to
	// before being dialed to a backend (spec §4.5(ii)). Empty means let the
	// kernel pick both address and port.
	ProxyBind string

	conn *net.UDPConn
}

// Listen opens the frontend's UDP socket at bind.
func (f *Frontend) Listen(bind string) error {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

// Addr returns the frontend's bound local address.
func (f *Frontend) Addr() net.Addr {
	if f.conn == nil {
		return nil
	}
	return f.conn.LocalAddr()
}

// Close closes the frontend's listening socket.
func (f *Frontend) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

// Serve blocks, reading datagrams from the frontend socket until it's
// closed. One goroutine per datagram is not spawned; the read loop itself
// handles ping replies and session forwarding inline, since both paths are
// non-blocking (a cached MOTD read, or a single non-blocking upstream
// write).
func (f *Frontend) Serve() error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		f.handleDatagram(append([]byte(nil), buf[:n]...), addr)
	}
}

func (f *Frontend) handleDatagram(data []byte, from *net.UDPAddr) {
	if raknet.IsUnconnectedPing(data) {
		f.replyPing(data, from)
		return
	}
	f.forwardToBackend(data, from)
}

func (f *Frontend) replyPing(data []byte, from *net.UDPAddr) {
	ping, err := raknet.DecodePing(data)
	if err != nil {
		f.dropped("decode_ping_failed")
		return
	}

	snap := f.Controller.MOTD.Load()
	pong := raknet.Pong{
		Timestamp:  ping.Timestamp,
		ServerGUID: snap.MOTD.ServerGUID,
		MOTD:       snap.MOTD,
	}
	_, _ = f.conn.WriteToUDP(raknet.EncodePong(pong), from)
}

func (f *Frontend) forwardToBackend(data []byte, from *net.UDPAddr) {
	existing, ok := f.Sessions.Get(from.String())
	if ok {
		f.sendToUpstream(existing, data)
		return
	}

	backend, err := f.Controller.Select()
	if err != nil {
		f.dropped("no_backend_available")
		return
	}

	s, created, err := f.Sessions.GetOrCreate(from, backend, func() (*net.UDPConn, error) {
		local, err := f.resolveProxyBindAddr()
		if err != nil {
			return nil, err
		}
		return net.DialUDP("udp", local, backend.Addr)
	})
	if err != nil {
		f.dropped("upstream_socket_failed")
		return
	}
	if created {
		if f.Bus != nil {
			f.Bus.Publish(events.Event{
				Kind: events.SessionOpened,
				At:   time.Now(),
				Data: events.SessionData{ClientAddr: from.String(), BackendID: backend.ID},
			})
		}
		if f.ProxyProtocol {
			f.primeProxyProtocol(s, backend, from)
		}
		go f.pumpUpstream(s)
	}

	f.sendToUpstream(s, data)
}

// resolveProxyBindAddr resolves ProxyBind into a local address for
// DialUDP's laddr, with the port zeroed so the kernel assigns a fresh
// ephemeral port per session rather than every session fighting over one
// fixed port. An empty ProxyBind leaves address selection to the kernel too.
func (f *Frontend) resolveProxyBindAddr() (*net.UDPAddr, error) {
	if f.ProxyBind == "" {
		return nil, nil
	}
	addr, err := net.ResolveUDPAddr("udp", f.ProxyBind)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: addr.IP, Port: 0}, nil
}

func (f *Frontend) primeProxyProtocol(s *session.Session, backend *fleet.Backend, from *net.UDPAddr) {
	hdr, err := proxyproto.BuildHeaderV2(from, backend.Addr)
	if err != nil {
		f.Log.Warn("proxy protocol header build failed", "client", from, "backend", backend.ID, "error", err)
		return
	}
	if _, err := s.Upstream.Write(hdr); err != nil {
		f.Log.Warn("proxy protocol priming datagram failed", "client", from, "backend", backend.ID, "error", err)
	}
}

// sendToUpstream writes to the session's connected upstream socket. Write,
// not WriteToUDP: the socket was dialed to the backend address, so the
// kernel already knows where this goes and will filter any reply that
// doesn't come from there.
func (f *Frontend) sendToUpstream(s *session.Session, data []byte) {
	n, err := s.Upstream.Write(data)
	if err != nil {
		f.dropped("upstream_write_failed")
		return
	}
	s.AddBytesIn(n)
	s.Touch()
}

// pumpUpstream reads backend responses for one session and relays them back
// to the client. One goroutine per session, grounded on Summpot-prism's
// upstreamReadLoop; exits on the first read or client-write error, which
// includes the upstream socket being closed by Sessions.Remove / the reaper.
// It does not remove the session itself: after an upstream error the
// session stays in the table until the reaper removes it as idle. Read, not
// ReadFromUDP: the socket is connected, so only datagrams from the dialed
// backend ever arrive here.
func (f *Frontend) pumpUpstream(s *session.Session) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := s.Upstream.Read(buf)
		if err != nil {
			return
		}
		if _, err := f.conn.WriteToUDP(buf[:n], s.ClientAddr); err != nil {
			return
		}
		s.AddBytesOut(n)
		s.Touch()
	}
}

func (f *Frontend) dropped(reason string) {
	if f.Controller != nil && f.Controller.Metrics != nil {
		f.Controller.Metrics.DropDatagram(reason)
	}
}
