package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wiremesh/internal/proto"
)

// frame mirrors proto.Outbound with the data left undecoded.
type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Ref   string          `json:"ref"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

// run connects a sender and a recipient and checks that a direct message
// arrives with a delivered acknowledgement.
func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	from := flag.String("from", "smoke-sender", "sender identity")
	to := flag.String("to", "smoke-recipient", "recipient identity")
	token := flag.String("token", "", "sender token when the server requires JWT")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	recipient, err := connect(ctx, *addr, proto.HelloData{Identity: *to})
	if err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	defer recipient.Close(websocket.StatusNormalClosure, "bye")

	sender, err := connect(ctx, *addr, proto.HelloData{Identity: *from, Token: *token})
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	defer sender.Close(websocket.StatusNormalClosure, "bye")

	payload, err := json.Marshal(proto.SendData{To: *to, Payload: []byte(*text)})
	if err != nil {
		return fmt.Errorf("marshal send: %w", err)
	}
	if err := wsjson.Write(ctx, sender, proto.Inbound{Type: proto.InboundTypeSend, Ref: "smoke", Data: payload}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	ack, err := await(ctx, sender, proto.EventDelivery)
	if err != nil {
		return err
	}
	var delivery proto.EventDeliveryData
	if err := json.Unmarshal(ack.Data, &delivery); err != nil {
		return fmt.Errorf("unmarshal delivery: %w", err)
	}
	fmt.Printf("Delivery: id=%s to=%s outcome=%s\n", delivery.ID, delivery.To, delivery.Outcome)

	got, err := await(ctx, recipient, proto.EventMessage)
	if err != nil {
		return err
	}
	var msg proto.EventMessageData
	if err := json.Unmarshal(got.Data, &msg); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	fmt.Printf("Message: id=%s from=%s text=%q ts=%d\n", msg.ID, msg.From, msg.Payload, msg.TS)
	if string(msg.Payload) != *text {
		return errors.New("payload mismatch")
	}
	return nil
}

func connect(ctx context.Context, addr string, hello proto.HelloData) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	hello.Protocol = proto.ProtocolVersion
	data, err := json.Marshal(hello)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: data}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("hello: %w", err)
	}
	ready, err := await(ctx, conn, proto.EventReady)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	fmt.Printf("Ready: %s\n", ready.Data)
	return conn, nil
}

// await reads until the named event, failing on an error frame.
func await(ctx context.Context, conn *websocket.Conn, event string) (frame, error) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return f, fmt.Errorf("read: %w", err)
		}
		if f.Type == proto.OutboundTypeError && f.Error != nil {
			return f, fmt.Errorf("server error %s: %s", f.Error.Code, f.Error.Msg)
		}
		if f.Event == event {
			return f, nil
		}
		fmt.Printf("Skipping event=%s\n", f.Event)
	}
}
