package packet

// 控制包类型 CONNECT 相关函数

import (
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

type ConnectRespType byte

const (
	Accepted             ConnectRespType = packets.Accepted
	UnacceptableProtocol ConnectRespType = packets.ErrRefusedBadProtocolVersion
	IdentifierRejected   ConnectRespType = packets.ErrRefusedIDRejected
	ServerUnavailable    ConnectRespType = packets.ErrRefusedServerUnavailable
	AuthenticationFailed ConnectRespType = packets.ErrRefusedBadUsernameOrPassword
	NotAuthorized        ConnectRespType = packets.ErrRefusedNotAuthorised
	// ProtocolViolation is never sent; the connection is dropped instead.
	ProtocolViolation ConnectRespType = packets.ErrProtocolViolation
)

// ErrConnectRefused wraps every CONNECT that must be answered with a non
// zero return code or dropped.
var ErrConnectRefused = errors.New("connect refused")

// ConnectInfo is the validated content of a CONNECT packet.
type ConnectInfo struct {
	ClientID        string
	CleanSession    bool
	KeepAlive       uint16
	Username        string
	Password        []byte
	ProtocolVersion byte
	// Will 为遗嘱消息，未设置时为 nil
	Will *mqtt.Message
}

func NewConnectAckPacket(sessionPresent bool, returnCode ConnectRespType) *packets.ConnackPacket {
	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.SessionPresent = sessionPresent && returnCode == Accepted
	ack.ReturnCode = byte(returnCode)
	return ack
}

// ParseConnectPacket validates a CONNECT. A refused connect returns the
// CONNACK code to send before closing, or ProtocolViolation when the
// connection is closed without a reply.
func ParseConnectPacket(cp *packets.ConnectPacket) (ConnectInfo, ConnectRespType, error) {
	result := ConnectInfo{
		ClientID:        cp.ClientIdentifier,
		CleanSession:    cp.CleanSession,
		KeepAlive:       cp.Keepalive,
		Username:        cp.Username,
		Password:        cp.Password,
		ProtocolVersion: cp.ProtocolVersion,
	}

	code := cp.Validate()
	switch code {
	case packets.Accepted:
	case packets.ErrProtocolViolation:
		return result, ConnectRespType(code), fmt.Errorf("%w: protocol violation in CONNECT", ErrConnectRefused)
	default:
		return result, ConnectRespType(code), fmt.Errorf("%w: %v", ErrConnectRefused, packets.ConnErrors[code])
	}

	if !cp.WillFlag && (cp.WillRetain || cp.WillQos != 0) {
		return result, ProtocolViolation, fmt.Errorf("%w: when will message flag is not set, will retain must not be set and will QoS must be 0", ErrConnectRefused)
	}

	if cp.WillFlag {
		if cp.WillQos > 2 {
			return result, ProtocolViolation, fmt.Errorf("%w: will QoS %d out of range", ErrConnectRefused, cp.WillQos)
		}
		if err := subscription.ValidateTopic(cp.WillTopic); err != nil {
			return result, ProtocolViolation, fmt.Errorf("%w: will topic: %v", ErrConnectRefused, err)
		}
		result.Will = &mqtt.Message{
			Topic:   cp.WillTopic,
			Payload: cp.WillMessage,
			QoS:     cp.WillQos,
			Retain:  cp.WillRetain,
			Sender:  cp.ClientIdentifier,
		}
	}

	return result, Accepted, nil
}
