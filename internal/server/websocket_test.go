package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/gorilla/websocket"
)

func wsWrite(t *testing.T, ws *websocket.Conn, cp packets.ControlPacket) {
	t.Helper()
	var buf bytes.Buffer
	if err := cp.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
}

func wsRead(t *testing.T, ws *websocket.Conn) packets.ControlPacket {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(waitTimeout))
	kind, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("expected a binary frame, got %d", kind)
	}
	cp, err := packets.ReadPacket(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return cp
}

func TestWebsocketListener(t *testing.T) {
	cfg := testConfig()
	cfg.Websocket.Address = "127.0.0.1:0"
	s := startServer(t, cfg)

	dialer := websocket.Dialer{Subprotocols: []string{"mqtt"}, HandshakeTimeout: waitTimeout}
	ws, resp, err := dialer.Dial("ws://"+s.WebsocketAddr().String()+"/mqtt", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer ws.Close()
	if got := resp.Header.Get("Sec-Websocket-Protocol"); got != "mqtt" {
		t.Errorf("expected mqtt subprotocol, got %q", got)
	}

	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = 4
	cp.ClientIdentifier = "ws-client"
	cp.CleanSession = true
	wsWrite(t, ws, cp)
	if ack, ok := wsRead(t, ws).(*packets.ConnackPacket); !ok || ack.ReturnCode != packets.Accepted {
		t.Fatal("expected accepted CONNACK")
	}

	sp := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sp.MessageID = 1
	sp.Topics = []string{"ws/#"}
	sp.Qoss = []byte{0}
	wsWrite(t, ws, sp)
	if _, ok := wsRead(t, ws).(*packets.SubackPacket); !ok {
		t.Fatal("expected SUBACK")
	}

	tcp := connect(t, s, "tcp-client")
	tcp.publish("ws/in", []byte("over tcp"), 0)
	p, ok := wsRead(t, ws).(*packets.PublishPacket)
	if !ok || string(p.Payload) != "over tcp" {
		t.Fatal("expected the TCP publish on the websocket client")
	}
}
