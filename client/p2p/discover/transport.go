// Copyright 2025 R5 Labs
// This file is part of the R5 Core library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package discover

import (
	"net"
	"time"
)

// ReadPacket is a raw packet handed to Config.Unhandled when this engine
// receives a packet too short to be a discv5 packet (e.g. another
// subprotocol sharing the same socket). Longer packets that fail to decrypt
// are treated as discv5 traffic and answered with WHOAREYOU.
type ReadPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// UDPConn is the externally supplied socket. The engine never opens or
// configures sockets itself; it only reads and writes packets handed to
// it through this interface, which net.UDPConn satisfies directly.
type UDPConn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	SetReadDeadline(t time.Time) error
}
