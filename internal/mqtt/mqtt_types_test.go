package mqtt

import (
	"bytes"
	"testing"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		pt     PacketType
		flags  byte
		expect bool
	}{
		{CONNECT, 0x00, true},
		{CONNECT, 0x01, false},
		{PUBREL, 0x02, true},
		{PUBREL, 0x03, false},
		{SUBSCRIBE, 0x02, true},
		{SUBSCRIBE, 0x00, false},
		{UNSUBSCRIBE, 0x02, true},
		{PUBREL, 0x00, false},
		{UNSUBSCRIBE, 0x08, false},
		{PUBLISH, 0x0F, true},
		{PINGREQ, 0x04, false},
	}

	for _, tt := range tests {
		if got := ValidateFlags(tt.pt, tt.flags); got != tt.expect {
			t.Errorf("ValidateFlags(%s, %04b): expected %v, got %v", tt.pt, tt.flags, tt.expect, got)
		}
	}
}

func TestPacketTypeString(t *testing.T) {
	tests := []struct {
		pt   PacketType
		name string
	}{
		{CONNECT, "CONNECT"},
		{PUBCOMP, "PUBCOMP"},
		{DISCONNECT, "DISCONNECT"},
		{0, "UNKNOWN"},
		{15, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.pt.String(); got != tt.name {
			t.Errorf("PacketType(%d).String(): expected %s, got %s", byte(tt.pt), tt.name, got)
		}
	}
}

func TestMessageCopySharesPayload(t *testing.T) {
	orig := &Message{Topic: "a/b", Payload: []byte{0x00, 0xff}, QoS: 1, Sender: "c1"}
	c := orig.Copy()
	c.QoS = 0
	c.Sender = ""
	if orig.QoS != 1 || orig.Sender != "c1" {
		t.Errorf("copy modified the original: %+v", orig)
	}
	if !bytes.Equal(c.Payload, orig.Payload) || &c.Payload[0] != &orig.Payload[0] {
		t.Error("copy should share the payload slice")
	}
}
