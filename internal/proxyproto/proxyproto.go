// Package proxyproto builds PROXY protocol v2 headers (HAProxy's binary
// preamble for preserving original client addresses across an L4 proxy).
// Adapted from Summpot-prism's internal/proxy/proxyproto.go, which only
// builds the STREAM/TCP variant; this proxy is UDP end to end, so the
// address-family byte here is always the DGRAM variant (0x12/0x22) rather
// than STREAM (0x11/0x21). Hand-rolled rather than imported: every
// PROXY-protocol library found across the retrieved examples (itzg-mc-router
// et al.) is built around net.Conn/stream framing and assumes the header is
// read back off a TCP connection, which doesn't fit a single best-effort
// datagram primed ahead of session traffic.
package proxyproto

import (
	"encoding/binary"
	"errors"
	"net"
)

// sig is the 12-byte PROXY protocol v2 signature.
var sig = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

const (
	verCmd = 0x21 // version 2, command PROXY

	famINET4DGRAM = 0x12
	famINET6DGRAM = 0x22
)

// ErrAddressFamilyMismatch is returned when src and dst are not both IPv4 or
// both IPv6.
var ErrAddressFamilyMismatch = errors.New("proxyproto: src and dst address families differ")

// BuildHeaderV2 builds a PROXY protocol v2 header describing a UDP datagram
// from src to dst. The header is meant to be sent as a single priming
// datagram ahead of session traffic to a backend that understands PROXY
// protocol (spec §4.8); it carries no payload of its own.
func BuildHeaderV2(src, dst *net.UDPAddr) ([]byte, error) {
	srcIP4, srcIs4 := addrTo4(src)
	dstIP4, dstIs4 := addrTo4(dst)
	if srcIs4 != dstIs4 {
		return nil, ErrAddressFamilyMismatch
	}

	buf := make([]byte, 0, 16+36)
	buf = append(buf, sig...)
	buf = append(buf, verCmd)

	if srcIs4 {
		buf = append(buf, famINET4DGRAM)
		buf = binary.BigEndian.AppendUint16(buf, 12)
		buf = append(buf, srcIP4[:]...)
		buf = append(buf, dstIP4[:]...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(src.Port))
		buf = binary.BigEndian.AppendUint16(buf, uint16(dst.Port))
		return buf, nil
	}

	buf = append(buf, famINET6DGRAM)
	buf = binary.BigEndian.AppendUint16(buf, 36)
	buf = append(buf, src.IP.To16()...)
	buf = append(buf, dst.IP.To16()...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(src.Port))
	buf = binary.BigEndian.AppendUint16(buf, uint16(dst.Port))
	return buf, nil
}

func addrTo4(a *net.UDPAddr) ([4]byte, bool) {
	var out [4]byte
	v4 := a.IP.To4()
	if v4 == nil {
		return out, false
	}
	copy(out[:], v4)
	return out, true
}
