package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wiremesh/internal/proto"
)

type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func main() {
	if err := run(); err != nil {
		log.Printf("ws_chat: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	identity := flag.String("identity", "cli-user", "identity to announce with hello")
	token := flag.String("token", "", "identity token when the server requires JWT")
	flag.Parse()

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	helloPayload, err := json.Marshal(proto.HelloData{Identity: *identity, Token: *token, Protocol: proto.ProtocolVersion})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: helloPayload}); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	fmt.Printf("Connected to %s as %s\n", *addr, *identity)
	fmt.Println("Send with '@identity text' or '#group text'. Ctrl+C to exit.")

	go func() {
		defer cancel()
		readLoop(ctx, conn)
	}()

	writeLoop(ctx, conn)

	stop()
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	return nil
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}
		if f.Error != nil {
			fmt.Printf("error %s: %s\n", f.Error.Code, f.Error.Msg)
			continue
		}

		switch f.Event {
		case proto.EventReady:
			var evt proto.EventReadyData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				log.Printf("unmarshal ready: %v", err)
				continue
			}
			fmt.Printf("ready as %s, %d queued messages delivered\n", evt.Identity, evt.Drained)
		case proto.EventMessage:
			var evt proto.EventMessageData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				log.Printf("unmarshal message: %v", err)
				continue
			}
			if evt.Group != "" {
				fmt.Printf("[#%s] %s: <%d sealed bytes>\n", evt.Group, evt.From, len(evt.Payload))
				continue
			}
			fmt.Printf("%s: %s\n", evt.From, evt.Payload)
		case proto.EventDelivery:
			var evt proto.EventDeliveryData
			if err := json.Unmarshal(f.Data, &evt); err != nil {
				log.Printf("unmarshal delivery: %v", err)
				continue
			}
			fmt.Printf("-> %s %s\n", evt.To, evt.Outcome)
		default:
			fmt.Printf("event=%s data=%s\n", f.Event, f.Data)
		}
	}
}

// parseLine turns "@bob hi" into a send and "#g1 hi" into a group send.
func parseLine(line string) (proto.Inbound, error) {
	target, text, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok || len(target) < 2 || text == "" {
		return proto.Inbound{}, errors.New("usage: @identity text | #group text")
	}

	var (
		typ  string
		data any
	)
	switch target[0] {
	case '@':
		typ, data = proto.InboundTypeSend, proto.SendData{To: target[1:], Payload: []byte(text)}
	case '#':
		typ, data = proto.InboundTypeGroupSend, proto.GroupSendData{Group: target[1:], Payload: []byte(text)}
	default:
		return proto.Inbound{}, errors.New("target must start with @ or #")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return proto.Inbound{}, err
	}
	return proto.Inbound{Type: typ, Data: payload}, nil
}

func writeLoop(ctx context.Context, conn *websocket.Conn) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			in, err := parseLine(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if err := wsjson.Write(ctx, conn, in); err != nil {
				log.Printf("send error: %v", err)
				return
			}
		}
	}
}
