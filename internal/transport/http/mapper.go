package http

import (
	"github.com/google/uuid"

	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/proto"
)

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventMessage:
		if event.Message == nil {
			break
		}
		msg := event.Message
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventMessage,
			Data: proto.EventMessageData{
				ID:        msg.ID.String(),
				From:      string(msg.Sender),
				To:        string(msg.Recipient),
				Group:     msg.RoomID,
				Payload:   msg.Payload,
				Encrypted: msg.Encrypted,
				TS:        msg.CreatedAt.Unix(),
			},
		}
	case core.EventDelivery:
		if event.Message == nil {
			break
		}
		id := ""
		if event.Message.ID != uuid.Nil {
			id = event.Message.ID.String()
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventDelivery,
			Data: proto.EventDeliveryData{
				ID:      id,
				To:      string(event.Message.Recipient),
				Group:   event.Message.RoomID,
				Outcome: event.Outcome.String(),
			},
		}
	case core.EventRoomAnswer:
		if event.Signal == nil || event.Signal.SDP == nil {
			break
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventRoomAnswer,
			Data: proto.EventRoomAnswerData{
				Room:   event.Signal.RoomID,
				Answer: *event.Signal.SDP,
			},
		}
	case core.EventPeerJoined, core.EventPeerLeft:
		if event.Signal == nil {
			break
		}
		name := proto.EventPeerJoined
		if event.Kind == core.EventPeerLeft {
			name = proto.EventPeerLeft
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: name,
			Data: proto.EventPeerData{
				Room:       event.Signal.RoomID,
				Peer:       string(event.Signal.From),
				Candidates: event.Signal.Candidates,
			},
		}
	case core.EventSignal:
		if event.Signal == nil {
			break
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventSignal,
			Data: proto.EventSignalData{
				Room:      event.Signal.RoomID,
				From:      string(event.Signal.From),
				Kind:      string(event.Signal.Type),
				SDP:       event.Signal.SDP,
				Candidate: event.Signal.Candidate,
			},
		}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	}
	return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: core.ErrCodeInternal, Msg: "malformed event"}}
}

func errorOutbound(ref string, err error) proto.Outbound {
	ce := core.AsCoreError(err)
	return proto.Outbound{
		Type:  proto.OutboundTypeError,
		Ref:   ref,
		Error: &proto.Error{Code: ce.Code, Msg: ce.Message},
	}
}
