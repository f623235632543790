// Package transport implements the datagram collaborator named in §6: a
// UDP socket that understands BACnet/IPv4's distinct local-broadcast
// destination kind, generalized from the teacher's internal/pkg/transport
// UDP/TCP session transport to UDP+broadcast framing.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kuiwang02/bacnet/pkg/bacnet/bacerr"
	"github.com/kuiwang02/bacnet/pkg/bacnet/pdu"
)

// Transport is the collaborator interface of §6 "Transport (datagram
// socket)": send a datagram to a peer (or the broadcast destination),
// and asynchronously deliver inbound datagrams to a receiver callback.
type Transport interface {
	Send(ctx context.Context, data []byte, dest pdu.Address) error
	SetReceiver(func(data []byte, src pdu.Address))
	Close() error
}

// Config configures a UDPTransport.
type Config struct {
	// ListenAddr is the local UDP address to bind, e.g. ":47808".
	ListenAddr string
	// BroadcastAddr is the OS broadcast destination local-broadcast
	// addresses are mapped to, e.g. the subnet's directed broadcast on
	// port 47808.
	BroadcastAddr *net.UDPAddr
	// MaxSendAttempts bounds the retry loop around a transient send
	// failure. Defaults to 3.
	MaxSendAttempts int
}

// UDPTransport is the default Transport: a single UDP socket with
// SO_BROADCAST enabled, read loop delivering to a receiver callback.
type UDPTransport struct {
	conn          *net.UDPConn
	broadcastAddr *net.UDPAddr
	maxAttempts   int
	receiver      func(data []byte, src pdu.Address)
	done          chan struct{}
}

// New binds a UDP socket per cfg and starts its read loop.
func New(cfg Config) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp4", cfg.ListenAddr)
	if err != nil {
		return nil, bacerr.NewConfigurationError("invalid listen address: " + err.Error())
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, bacerr.NewConfigurationError("bind UDP socket: " + err.Error())
	}
	maxAttempts := cfg.MaxSendAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	t := &UDPTransport{
		conn:          conn,
		broadcastAddr: cfg.BroadcastAddr,
		maxAttempts:   maxAttempts,
		done:          make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		if t.receiver == nil {
			continue
		}
		var host [4]byte
		copy(host[:], addr.IP.To4())
		src := pdu.IPv4StationOf(host, uint16(addr.Port))
		data := append([]byte(nil), buf[:n]...)
		t.receiver(data, src)
	}
}

// SetReceiver installs the inbound-datagram callback.
func (t *UDPTransport) SetReceiver(fn func(data []byte, src pdu.Address)) {
	t.receiver = fn
}

// Send writes data to dest, resolving LocalBroadcast to the configured
// broadcast address. Retries a transient net.Error via a capped backoff,
// mirroring the teacher's use of cenkalti/backoff around its session
// transport's dial/send path.
func (t *UDPTransport) Send(ctx context.Context, data []byte, dest pdu.Address) error {
	udpAddr, err := t.resolve(dest)
	if err != nil {
		return bacerr.NewCommunicationError(err)
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), uint64(t.maxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	operation := func() error {
		_, err := t.conn.WriteToUDP(data, udpAddr)
		if err == nil {
			return nil
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(operation, bo); err != nil {
		return bacerr.NewCommunicationError(err)
	}
	return nil
}

func (t *UDPTransport) resolve(dest pdu.Address) (*net.UDPAddr, error) {
	if dest.IsBroadcast() {
		if t.broadcastAddr == nil {
			return nil, fmt.Errorf("no broadcast address configured")
		}
		return t.broadcastAddr, nil
	}
	addr, ok := dest.UDPAddr()
	if !ok {
		return nil, fmt.Errorf("address %v is not an IPv4 station", dest)
	}
	return &addr, nil
}

// Close stops the read loop and closes the socket.
func (t *UDPTransport) Close() error {
	close(t.done)
	return t.conn.Close()
}
