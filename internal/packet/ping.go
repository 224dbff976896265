package packet

import "github.com/eclipse/paho.mqtt.golang/packets"

func NewPingRespPacket() *packets.PingrespPacket {
	return packets.NewControlPacket(packets.Pingresp).(*packets.PingrespPacket)
}
