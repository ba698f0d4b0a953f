// Package address parses IPv4 and IPv6 literals into a single 128-bit form and
// compares address prefixes.
package address

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

var (
	ErrInvalidAddress  = errors.New("address: not a valid IPv4 or IPv6 address")
	ErrInvalidArgument = errors.New("address: prefix length out of range")
)

const (
	// MaxPrefixLength is the number of bits in an Addr.
	MaxPrefixLength = 128

	// IPv4MappedOffset is the number of fixed bits the ::ffff:0:0/96 mapping
	// prepends to an IPv4 address.
	IPv4MappedOffset = MaxPrefixLength - 32

	ipv4MappedPrefix = "::ffff:"
)

// Addr is an IPv6 address in network byte order. IPv4 addresses are stored as
// IPv4-mapped IPv6 addresses.
type Addr [16]byte

// Parse accepts an IPv6 literal or a dotted-quad IPv4 literal.
func Parse(text string) (Addr, error) {
	if strings.ContainsRune(text, '%') {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}

	if ip, err := netip.ParseAddr(text); err == nil && ip.Is6() {
		return Addr(ip.As16()), nil
	}

	// Not an IPv6 literal, retry as the IPv4-mapped form.
	ip, err := netip.ParseAddr(ipv4MappedPrefix + text)
	if err != nil || !ip.Is6() {
		return Addr{}, fmt.Errorf("%w: %q", ErrInvalidAddress, text)
	}
	return Addr(ip.As16()), nil
}

// MustParse is like Parse but panics on invalid input.
func MustParse(text string) Addr {
	a, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return a
}

// SameNetwork reports whether the first prefixLength bits of a and b are equal.
func SameNetwork(a, b Addr, prefixLength int) (bool, error) {
	if prefixLength < 0 || prefixLength > MaxPrefixLength {
		return false, fmt.Errorf("%w: %d", ErrInvalidArgument, prefixLength)
	}

	i := 0
	for ; i < prefixLength/8; i++ {
		if a[i] != b[i] {
			return false, nil
		}
	}

	rem := prefixLength % 8
	if rem == 0 {
		return true, nil
	}

	mask := byte(0xff << (8 - rem))
	return a[i]&mask == b[i]&mask, nil
}

// IsIPv4Mapped reports whether a lies in ::ffff:0:0/96.
func (a Addr) IsIPv4Mapped() bool {
	return netip.AddrFrom16(a).Is4In6()
}

func (a Addr) String() string {
	return netip.AddrFrom16(a).String()
}

// IP returns a as a 16 byte net.IP.
func (a Addr) IP() net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, a[:])
	return ip
}

// FromIP converts a net.IP of either length. It reports false for anything
// that is not an IP address.
func FromIP(ip net.IP) (Addr, bool) {
	ip16 := ip.To16()
	if ip16 == nil {
		return Addr{}, false
	}
	return Addr(ip16), true
}
