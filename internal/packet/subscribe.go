package packet

import (
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/life-stream-dev/treemq/internal/mqtt"
	"github.com/life-stream-dev/treemq/internal/subscription"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

// MaxGrantedQoS is the highest QoS the broker grants on SUBSCRIBE.
const MaxGrantedQoS = 1

// SubscribeRequest is one filter of a SUBSCRIBE. Invalid filters are kept
// so the SUBACK can report Failure at the right position.
type SubscribeRequest struct {
	Subscription mqtt.Subscription
	Err          error
}

// Granted returns the SUBACK code for this request.
func (r SubscribeRequest) Granted() SubscribeState {
	if r.Err != nil {
		return Failure
	}
	return SubscribeState(min(r.Subscription.QoSLevel, MaxGrantedQoS))
}

func NewSubAckPacket(packetID uint16, states []SubscribeState) *packets.SubackPacket {
	ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
	ack.MessageID = packetID
	ack.ReturnCodes = make([]byte, len(states))
	for i, s := range states {
		ack.ReturnCodes[i] = byte(s)
	}
	return ack
}

func ParseSubscribePacket(p *packets.SubscribePacket, clientID string) ([]SubscribeRequest, error) {
	if len(p.Topics) == 0 {
		return nil, fmt.Errorf("SUBSCRIBE must contain at least one topic filter")
	}
	if len(p.Topics) != len(p.Qoss) {
		return nil, fmt.Errorf("SUBSCRIBE has %d filters but %d QoS levels", len(p.Topics), len(p.Qoss))
	}
	result := make([]SubscribeRequest, 0, len(p.Topics))
	for i, filter := range p.Topics {
		req := SubscribeRequest{
			Subscription: mqtt.Subscription{ClientID: clientID, TopicName: filter, QoSLevel: p.Qoss[i]},
		}
		if p.Qoss[i] > 2 {
			req.Err = fmt.Errorf("invalid QoS %d for filter %s", p.Qoss[i], filter)
		} else if err := subscription.ValidateFilter(filter); err != nil {
			req.Err = err
		}
		result = append(result, req)
	}
	return result, nil
}
