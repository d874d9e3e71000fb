package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/config"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/proto"
	"github.com/vovakirdan/wiremesh/internal/signaling"
	"github.com/vovakirdan/wiremesh/internal/utils"
)

const helloTimeout = 10 * time.Second

var errRateLimited = core.NewError("rate_limited", "too many messages")

// WSHandler upgrades HTTP connections and binds them to an identity.
type WSHandler struct {
	deps Deps
	cfg  *config.Config
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(deps Deps, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{deps: deps, cfg: cfg, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.cfg.WS.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.WS.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, err := h.hello(ctx, conn)
	if err != nil {
		h.log.Debug().Err(err).Msg("ws hello rejected")
		conn.Close(websocket.StatusPolicyViolation, "hello rejected")
		return
	}

	wc := newWSConnection(utils.NewID("ws"), conn, cancel)
	logger := h.log.With().Str("identity", string(id)).Str("conn_id", wc.id).Logger()

	drained := h.deps.Router.OnConnect(ctx, id, wc)
	if err := h.reply(ctx, wc, proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: proto.EventReady,
		Data:  proto.EventReadyData{Identity: string(id), Protocol: proto.ProtocolVersion, Drained: drained},
	}); err != nil {
		logger.Warn().Err(err).Msg("write ready")
	}
	logger.Info().Int("drained", drained).Msg("client connected")

	err = h.readLoop(ctx, wc, id, &logger)

	// Close was called when a newer connection replaced this one.
	wc.mu.Lock()
	replaced := wc.state.Terminal()
	wc.mu.Unlock()

	h.deps.Router.Detach(id, wc)

	status := websocket.StatusNormalClosure
	reason := "closing"
	state := core.ConnClosed
	switch {
	case replaced:
		reason = "replaced by a newer connection"
	case err != nil && !errors.Is(err, context.Canceled):
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			state = core.ConnFailed
			logger.Warn().Err(err).Msg("ws connection closed with error")
		}
	}
	wc.finish(state)
	logger.Info().Msg("client disconnected")

	conn.Close(status, reason)
}

// hello reads the first frame, which must introduce the client.
func (h *WSHandler) hello(ctx context.Context, conn *websocket.Conn) (core.Identity, error) {
	hctx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var in proto.Inbound
	if err := wsjson.Read(hctx, conn, &in); err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	reject := func(code, msg string) (core.Identity, error) {
		_ = wsjson.Write(hctx, conn, proto.Outbound{
			Type:  proto.OutboundTypeError,
			Ref:   in.Ref,
			Error: &proto.Error{Code: code, Msg: msg},
		})
		return "", errors.New(msg)
	}

	if in.Type != proto.InboundTypeHello {
		return reject(core.ErrCodeBadRequest, "hello expected")
	}
	var hello proto.HelloData
	if err := json.Unmarshal(in.Data, &hello); err != nil {
		return reject(core.ErrCodeBadRequest, "invalid hello")
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		return reject("unsupported_version", fmt.Sprintf("protocol %d is not supported", hello.Protocol))
	}

	if h.deps.Auth != nil && (hello.Token != "" || h.cfg.JWT.Required) {
		if hello.Token == "" {
			return reject(core.ErrCodeUnauthorized, "token required")
		}
		claims, err := h.deps.Auth.Validate(hello.Token)
		if err != nil {
			return reject(core.ErrCodeUnauthorized, "invalid token")
		}
		return core.Identity(claims.Subject), nil
	}
	if h.cfg.JWT.Required {
		return reject(core.ErrCodeUnauthorized, "token required")
	}
	if hello.Identity == "" {
		return reject(core.ErrCodeBadRequest, "identity required")
	}
	return core.Identity(hello.Identity), nil
}

func (h *WSHandler) readLoop(ctx context.Context, wc *wsConnection, id core.Identity, logger *zerolog.Logger) error {
	limiter := newRateLimiter(h.cfg.WS.RateLimitPerMinute)
	limiter.startReset(ctx.Done())

	for {
		_, data, err := wc.conn.Read(ctx)
		if err != nil {
			return err
		}

		var inbound proto.Inbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			logger.Debug().Err(err).Msg("malformed inbound")
			if err := h.reply(ctx, wc, errorOutbound("", core.NewError(core.ErrCodeBadRequest, "malformed json"))); err != nil {
				return err
			}
			continue
		}
		if !limiter.allow() {
			if err := h.reply(ctx, wc, errorOutbound(inbound.Ref, errRateLimited)); err != nil {
				return err
			}
			continue
		}

		if err := h.dispatch(ctx, wc, id, inbound); err != nil {
			logger.Debug().Err(err).Str("type", inbound.Type).Msg("inbound failed")
			if writeErr := h.reply(ctx, wc, errorOutbound(inbound.Ref, err)); writeErr != nil {
				return writeErr
			}
		}
	}
}

func (h *WSHandler) dispatch(ctx context.Context, wc *wsConnection, id core.Identity, in proto.Inbound) error {
	switch in.Type {
	case proto.InboundTypeSend:
		var data proto.SendData
		if err := decode(in.Data, &data); err != nil {
			return err
		}
		msg := &core.Message{
			Sender:    id,
			Recipient: core.Identity(data.To),
			Payload:   data.Payload,
			Encrypted: data.Encrypted,
		}
		outcome, err := h.deps.Router.Send(ctx, msg)
		if err != nil {
			return err
		}
		return h.replyEvent(ctx, wc, in.Ref, &core.Event{Kind: core.EventDelivery, Message: msg, Outcome: outcome})

	case proto.InboundTypeGroupSend:
		var data proto.GroupSendData
		if err := decode(in.Data, &data); err != nil {
			return err
		}
		outcomes, err := h.deps.Groups.Send(ctx, data.Group, id, data.Payload)
		for to, outcome := range outcomes {
			msg := &core.Message{Sender: id, Recipient: to, RoomID: data.Group}
			if werr := h.replyEvent(ctx, wc, in.Ref, &core.Event{Kind: core.EventDelivery, Message: msg, Outcome: outcome}); werr != nil {
				return werr
			}
		}
		return err

	case proto.InboundTypeRoomJoin:
		var data proto.RoomJoinData
		if err := decode(in.Data, &data); err != nil {
			return err
		}
		if data.Room == "" {
			return fmt.Errorf("%w: room is required", core.ErrBadRequest)
		}
		answer, err := h.deps.Relay.Join(ctx, data.Room, id, data.Offer)
		if err != nil {
			return err
		}
		return h.replyEvent(ctx, wc, in.Ref, &core.Event{Kind: core.EventRoomAnswer, Signal: &core.SignalEvent{
			RoomID: data.Room,
			To:     id,
			Type:   core.SignalAnswer,
			SDP:    &answer,
		}})

	case proto.InboundTypeRoomLeave:
		var data proto.RoomLeaveData
		if err := decode(in.Data, &data); err != nil {
			return err
		}
		return h.deps.Relay.Leave(ctx, data.Room, id)

	case proto.InboundTypeSignal:
		var data proto.SignalData
		if err := decode(in.Data, &data); err != nil {
			return err
		}
		return h.deps.Relay.RelaySignal(ctx, data.Room, id, core.Identity(data.To), signaling.Signal{
			Type:      core.SignalType(data.Kind),
			SDP:       data.SDP,
			Candidate: data.Candidate,
		})

	case proto.InboundTypeCandidate:
		var data proto.CandidateData
		if err := decode(in.Data, &data); err != nil {
			return err
		}
		return h.deps.Relay.AddCandidate(ctx, data.Room, id, data.Candidate)

	case proto.InboundTypeAudio:
		var data proto.AudioData
		if err := decode(in.Data, &data); err != nil {
			return err
		}
		return h.deps.Relay.SetAudio(ctx, data.Room, id, data.Enabled)

	case proto.InboundTypeHello:
		return fmt.Errorf("%w: already introduced", core.ErrBadRequest)

	default:
		return core.NewError("invalid_message", "unknown message type")
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", core.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrBadRequest, err)
	}
	return nil
}

func (h *WSHandler) replyEvent(ctx context.Context, wc *wsConnection, ref string, ev *core.Event) error {
	out := outboundFromEvent(ev)
	out.Ref = ref
	return h.reply(ctx, wc, out)
}

// reply writes a direct response bounded by the delivery write timeout.
func (h *WSHandler) reply(ctx context.Context, wc *wsConnection, out proto.Outbound) error {
	if timeout := h.cfg.Delivery.WriteTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return wc.write(ctx, out)
}
