package mqtt

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	// ErrNotMQTT is returned when the first byte on a transport is not a
	// CONNECT fixed header.
	ErrNotMQTT         = errors.New("not an MQTT connection")
	ErrMalformedPacket = errors.New("malformed packet")
)

// Reader frames MQTT control packets off a byte stream.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) peekHeader() (PacketType, byte, error) {
	b, err := r.r.Peek(1)
	if err != nil {
		return 0, 0, err
	}
	return PacketType(b[0] >> 4), b[0] & 0x0F, nil
}

// ReadPacket 读取一个完整的控制报文
func (r *Reader) ReadPacket() (packets.ControlPacket, error) {
	pt, flags, err := r.peekHeader()
	if err != nil {
		return nil, err
	}
	if !pt.Valid() {
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, pt)
	}
	if !ValidateFlags(pt, flags) {
		return nil, fmt.Errorf("%w: flags %d of %s packet is not valid", ErrMalformedPacket, flags, pt.String())
	}
	cp, err := packets.ReadPacket(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return cp, nil
}

// ReadConnect reads the first packet of a connection, which must be CONNECT.
// Anything else is reported as ErrNotMQTT.
func (r *Reader) ReadConnect() (*packets.ConnectPacket, error) {
	pt, flags, err := r.peekHeader()
	if err != nil {
		return nil, err
	}
	if pt != CONNECT || flags != 0 {
		return nil, ErrNotMQTT
	}
	cp, err := r.ReadPacket()
	if err != nil {
		if errors.Is(err, ErrMalformedPacket) {
			return nil, fmt.Errorf("%w: %v", ErrNotMQTT, err)
		}
		return nil, err
	}
	connect, ok := cp.(*packets.ConnectPacket)
	if !ok {
		return nil, ErrNotMQTT
	}
	return connect, nil
}

// TypeOf returns the control packet type of cp.
func TypeOf(cp packets.ControlPacket) PacketType {
	switch cp.(type) {
	case *packets.ConnectPacket:
		return CONNECT
	case *packets.ConnackPacket:
		return CONNACK
	case *packets.PublishPacket:
		return PUBLISH
	case *packets.PubackPacket:
		return PUBACK
	case *packets.PubrecPacket:
		return PUBREC
	case *packets.PubrelPacket:
		return PUBREL
	case *packets.PubcompPacket:
		return PUBCOMP
	case *packets.SubscribePacket:
		return SUBSCRIBE
	case *packets.SubackPacket:
		return SUBACK
	case *packets.UnsubscribePacket:
		return UNSUBSCRIBE
	case *packets.UnsubackPacket:
		return UNSUBACK
	case *packets.PingreqPacket:
		return PINGREQ
	case *packets.PingrespPacket:
		return PINGRESP
	case *packets.DisconnectPacket:
		return DISCONNECT
	}
	return 0
}
