// Package endpoint 提供 IPv4/IPv6 地址+端口的值类型。
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalid     = errors.New("endpoint: invalid address")
	ErrNoAddresses = errors.New("endpoint: host resolved to no addresses")
)

type Family int

const (
	FamilyV4 Family = unix.AF_INET
	FamilyV6 Family = unix.AF_INET6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	}
	return "unknown"
}

// Endpoint 不可变，按值拷贝使用。零值表示无效地址。
type Endpoint struct {
	ap netip.AddrPort
}

func New(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{ap: netip.AddrPortFrom(addr.Unmap(), port)}
}

// Any 返回监听所有地址的端点（0.0.0.0 或 [::]）。
func Any(port uint16, v6 bool) Endpoint {
	if v6 {
		return New(netip.IPv6Unspecified(), port)
	}
	return New(netip.IPv4Unspecified(), port)
}

// Loopback 返回 127.0.0.1 或 [::1] 端点。
func Loopback(port uint16, v6 bool) Endpoint {
	if v6 {
		return New(netip.IPv6Loopback(), port)
	}
	return New(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}

// Parse 解析 "1.2.3.4:80"、"[::1]:80" 以及 ":80"（等价于 0.0.0.0:80）。
// 不做 DNS 解析，主机名请用 Resolve。
func Parse(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: bad port %q", ErrInvalid, port)
	}
	if host == "" {
		return Any(uint16(p), false), nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if addr.Zone() != "" {
		return Endpoint{}, fmt.Errorf("%w: zoned address %q", ErrInvalid, host)
	}
	return New(addr, uint16(p)), nil
}

func MustParse(s string) Endpoint {
	ep, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ep
}

// Resolve 解析 host:port，可能阻塞在 DNS 上，不能在 loop 线程中调用。
// 优先返回 IPv4 地址。
func Resolve(ctx context.Context, hostport string) (Endpoint, error) {
	if ep, err := Parse(hostport); err == nil {
		return ep, nil
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return Endpoint{}, err
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return Endpoint{}, err
	}
	if len(addrs) == 0 {
		return Endpoint{}, ErrNoAddresses
	}
	pick := addrs[0]
	for _, a := range addrs {
		if a.Unmap().Is4() {
			pick = a
			break
		}
	}
	return New(pick, uint16(p)), nil
}

func (e Endpoint) IsValid() bool    { return e.ap.IsValid() }
func (e Endpoint) Addr() netip.Addr { return e.ap.Addr() }
func (e Endpoint) Port() uint16     { return e.ap.Port() }
func (e Endpoint) IsV4() bool       { return e.ap.Addr().Is4() }
func (e Endpoint) IsV6() bool       { return e.ap.Addr().Is6() }

func (e Endpoint) AddrPort() netip.AddrPort { return e.ap }

func (e Endpoint) Family() Family {
	if e.IsV6() {
		return FamilyV6
	}
	return FamilyV4
}

// String 返回 "ip:port"；IPv6 带方括号。
func (e Endpoint) String() string {
	if !e.IsValid() {
		return "<invalid>"
	}
	return e.ap.String()
}

// IP 返回不含端口的地址字符串。
func (e Endpoint) IP() string { return e.ap.Addr().String() }

// Sockaddr 转为 unix.Sockaddr，供 bind/connect 使用。
func (e Endpoint) Sockaddr() unix.Sockaddr {
	if e.IsV6() {
		sa := &unix.SockaddrInet6{Port: int(e.Port())}
		sa.Addr = e.ap.Addr().As16()
		return sa
	}
	sa := &unix.SockaddrInet4{Port: int(e.Port())}
	sa.Addr = e.ap.Addr().As4()
	return sa
}

// FromSockaddr 从 accept/getsockname 的结果构造端点；非 IP 族返回零值。
func FromSockaddr(sa unix.Sockaddr) Endpoint {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return New(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return New(netip.AddrFrom16(v.Addr), uint16(v.Port))
	}
	return Endpoint{}
}

// TCPAddr 转为标准库地址，便于与 net 包互操作。
func (e Endpoint) TCPAddr() *net.TCPAddr { return net.TCPAddrFromAddrPort(e.ap) }
