package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ReadBufferSize comfortably exceeds envelope.MaxSize so an oversize
// world-state still arrives whole on a LAN.
const ReadBufferSize = 8192

var ErrPollTimeout = errors.New("poll timeout")

// Packet is one received datagram.
type Packet struct {
	Data []byte
	Addr *net.UDPAddr
}

// ListenSession binds the unicast session socket. It deliberately does not
// set address reuse, so a second host on the same port fails to start.
func ListenSession(ctx context.Context, addr string) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen session %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// ListenDiscovery binds the broadcast-receiving socket with address reuse so
// several browsers on one machine can watch the same port.
func ListenDiscovery(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen discovery %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// Dial opens an unconnected socket for a client or advertiser. Go enables
// SO_BROADCAST on datagram sockets, so the same socket can reach
// 255.255.255.255.
func Dial(ctx context.Context) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open socket: %w", err)
	}
	return pc.(*net.UDPConn), nil
}

// Read waits up to poll for one datagram. It returns ErrPollTimeout when
// nothing arrived, so loops can check for cancellation between reads.
func Read(conn *net.UDPConn, buf []byte, poll time.Duration) (Packet, error) {
	if err := conn.SetReadDeadline(time.Now().Add(poll)); err != nil {
		return Packet{}, err
	}
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Packet{}, ErrPollTimeout
		}
		return Packet{}, err
	}
	data := make([]byte, n)
	copy(data, buf[:n])
	return Packet{Data: data, Addr: addr}, nil
}

// Closed reports whether err means the socket was closed under the reader.
func Closed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Broadcast is the limited-broadcast address on port.
func Broadcast(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
}

// Resolve parses host:port into a UDP address.
func Resolve(hostport string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", hostport, err)
	}
	return addr, nil
}
