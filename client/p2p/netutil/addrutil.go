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

package netutil

import "net"

// CheckRelayIP reports whether an IP address, as advertised by a remote node
// reached at sender, may be accepted as a candidate endpoint for that node.
//
// The rules are: a loopback address is only acceptable from a sender that is
// itself on loopback; a site-local (RFC 1918 / link-local) address is only
// acceptable from a sender on the same kind of network; the unspecified
// address and multicast addresses are never acceptable.
func CheckRelayIP(sender, addr net.IP) error {
	if len(addr) == 0 {
		return errInvalid
	}
	if addr.IsMulticast() {
		return errMulticast
	}
	if addr.IsUnspecified() {
		return errUnspecified
	}
	if addr.IsLoopback() && !sender.IsLoopback() {
		return errLoopback
	}
	if isSpecialNetwork(addr) && !isSpecialNetwork(sender) {
		return errSpecialNetwork
	}
	return nil
}

func isSpecialNetwork(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

type relayError string

func (e relayError) Error() string { return string(e) }

const (
	errInvalid        relayError = "invalid IP"
	errMulticast      relayError = "multicast address"
	errUnspecified    relayError = "unspecified address"
	errLoopback       relayError = "loopback address from non-loopback sender"
	errSpecialNetwork relayError = "private/link-local address from outside network"
)
