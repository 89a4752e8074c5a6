// Package raknet implements just enough of RakNet's offline message format
// to recognise the unconnected-ping/pong discovery exchange used by
// Minecraft: Bedrock Edition servers. It never touches connected (session)
// traffic, which is forwarded by the caller as opaque bytes.
package raknet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OfflineMessageID identifies the two offline message types this package
// understands.
type OfflineMessageID byte

const (
	IDUnconnectedPing OfflineMessageID = 0x01
	IDUnconnectedPong OfflineMessageID = 0x1c
)

// Magic is RakNet's OFFLINE_MESSAGE_DATA_ID, present in every offline
// message to distinguish it from a connected packet.
var Magic = [16]byte{
	0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78,
}

const motdFieldCount = 11

// ErrMalformed is returned by Decode* when a payload doesn't look like the
// message it claims to be.
var ErrMalformed = errors.New("raknet: malformed offline message")

// Ping is a decoded Unconnected Ping.
type Ping struct {
	Timestamp  uint64
	ClientGUID uint64
}

// IsUnconnectedPing reports whether b looks like an Unconnected Ping: the id
// byte is 0x01 and the magic follows immediately at offset 9. This is the
// single peek the frontend needs to route a datagram to the MOTD path
// instead of the session path, per spec §4.6 step 2.
func IsUnconnectedPing(b []byte) bool {
	if len(b) < 1+8+16 || b[0] != byte(IDUnconnectedPing) {
		return false
	}
	return bytes.Equal(b[9:25], Magic[:])
}

// EncodePing builds an Unconnected Ping datagram.
func EncodePing(timestamp, clientGUID uint64) []byte {
	buf := make([]byte, 0, 1+8+16+8)
	buf = append(buf, byte(IDUnconnectedPing))
	buf = binary.BigEndian.AppendUint64(buf, timestamp)
	buf = append(buf, Magic[:]...)
	buf = binary.BigEndian.AppendUint64(buf, clientGUID)
	return buf
}

// DecodePing parses an Unconnected Ping. It returns ErrMalformed if the
// magic or length don't match.
func DecodePing(b []byte) (Ping, error) {
	if len(b) < 1+8+16+8 || b[0] != byte(IDUnconnectedPing) {
		return Ping{}, fmt.Errorf("%w: short ping", ErrMalformed)
	}
	if !bytes.Equal(b[9:25], Magic[:]) {
		return Ping{}, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	return Ping{
		Timestamp:  binary.BigEndian.Uint64(b[1:9]),
		ClientGUID: binary.BigEndian.Uint64(b[25:33]),
	}, nil
}

// MOTD is the parsed field set carried in an Unconnected Pong's advertisement
// string, in the fixed order spec §4.1 defines:
//
//	MCPE;<line1>;<protocol>;<version>;<players>;<max>;<guid>;<line2>;<gamemode>;<gamemode_id>;<port_v4>;<port_v6>;
type MOTD struct {
	Edition       string
	Line1         string
	Protocol      int
	Version       string
	OnlinePlayers int
	MaxPlayers    int
	ServerGUID    uint64
	Line2         string
	GamemodeName  string
	GamemodeID    int
	PortV4        int
	PortV6        int
}

// Pong is a decoded Unconnected Pong.
type Pong struct {
	Timestamp uint64
	ServerGUID uint64
	MOTD      MOTD
}

// Encode joins the MOTD fields into the semicolon-delimited advertisement
// string, including the trailing semicolon the real protocol emits.
func (m MOTD) Encode() string {
	fields := []string{
		m.Edition,
		m.Line1,
		strconv.Itoa(m.Protocol),
		m.Version,
		strconv.Itoa(m.OnlinePlayers),
		strconv.Itoa(m.MaxPlayers),
		strconv.FormatUint(m.ServerGUID, 10),
		m.Line2,
		m.GamemodeName,
		strconv.Itoa(m.GamemodeID),
		strconv.Itoa(m.PortV4),
		strconv.Itoa(m.PortV6),
	}
	return strings.Join(fields, ";") + ";"
}

// DecodeMOTD parses an advertisement string into its fields. The trailing
// port_v6 field is optional (PortV6 stays 0 when absent). Fewer than 11
// fields, or a non-numeric value in a numeric field, yields
// ErrMalformed; the caller should log and keep serving the previous cached
// snapshot rather than propagate the error to the client.
func DecodeMOTD(s string) (MOTD, error) {
	fields := strings.Split(strings.TrimSuffix(s, ";"), ";")
	if len(fields) < motdFieldCount {
		return MOTD{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformed, motdFieldCount, len(fields))
	}

	m := MOTD{
		Edition: fields[0],
		Line1:   fields[1],
		Version: fields[3],
		Line2:   fields[7],
	}

	var err error
	if m.Protocol, err = strconv.Atoi(fields[2]); err != nil {
		return MOTD{}, fmt.Errorf("%w: protocol: %v", ErrMalformed, err)
	}
	if m.OnlinePlayers, err = strconv.Atoi(fields[4]); err != nil {
		return MOTD{}, fmt.Errorf("%w: online players: %v", ErrMalformed, err)
	}
	if m.MaxPlayers, err = strconv.Atoi(fields[5]); err != nil {
		return MOTD{}, fmt.Errorf("%w: max players: %v", ErrMalformed, err)
	}
	if m.ServerGUID, err = strconv.ParseUint(fields[6], 10, 64); err != nil {
		return MOTD{}, fmt.Errorf("%w: server guid: %v", ErrMalformed, err)
	}
	m.GamemodeName = fields[8]
	if m.GamemodeID, err = strconv.Atoi(fields[9]); err != nil {
		return MOTD{}, fmt.Errorf("%w: gamemode id: %v", ErrMalformed, err)
	}
	if m.PortV4, err = strconv.Atoi(fields[10]); err != nil {
		return MOTD{}, fmt.Errorf("%w: port v4: %v", ErrMalformed, err)
	}
	if len(fields) > 11 {
		if m.PortV6, err = strconv.Atoi(fields[11]); err != nil {
			return MOTD{}, fmt.Errorf("%w: port v6: %v", ErrMalformed, err)
		}
	}
	return m, nil
}

// EncodePong builds an Unconnected Pong datagram.
func EncodePong(p Pong) []byte {
	motd := p.MOTD.Encode()
	buf := make([]byte, 0, 1+8+8+16+2+len(motd))
	buf = append(buf, byte(IDUnconnectedPong))
	buf = binary.BigEndian.AppendUint64(buf, p.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, p.ServerGUID)
	buf = append(buf, Magic[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(motd)))
	buf = append(buf, motd...)
	return buf
}

// DecodePong parses an Unconnected Pong, including its MOTD payload.
func DecodePong(b []byte) (Pong, error) {
	const headerLen = 1 + 8 + 8 + 16 + 2
	if len(b) < headerLen || b[0] != byte(IDUnconnectedPong) {
		return Pong{}, fmt.Errorf("%w: short pong", ErrMalformed)
	}
	if !bytes.Equal(b[17:33], Magic[:]) {
		return Pong{}, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	strLen := int(binary.BigEndian.Uint16(b[33:35]))
	if len(b) < headerLen+strLen {
		return Pong{}, fmt.Errorf("%w: truncated motd string", ErrMalformed)
	}
	motd, err := DecodeMOTD(string(b[headerLen : headerLen+strLen]))
	if err != nil {
		return Pong{}, err
	}
	return Pong{
		Timestamp:  binary.BigEndian.Uint64(b[1:9]),
		ServerGUID: binary.BigEndian.Uint64(b[9:17]),
		MOTD:       motd,
	}, nil
}
