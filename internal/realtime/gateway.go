package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/gema-chat-api/internal/dto"
	"github.com/noah-isme/gema-chat-api/internal/observability"
	"github.com/noah-isme/gema-chat-api/internal/service"
)

const (
	defaultMaxInFlight = 8
	disconnectTimeout  = 5 * time.Second
)

var errUnknownEvent = &service.Error{Kind: service.KindValidation, Reason: "unknown event"}

// JoinResult answers join_conversation.
type JoinResult struct {
	ConversationID      string   `json:"conversation_id"`
	DeliveredMessageIDs []string `json:"delivered_message_ids"`
	TypingUserIDs       []string `json:"typing_user_ids"`
}

// GatewayDependencies groups the collaborators of the gateway.
type GatewayDependencies struct {
	Hub           *Hub
	Broadcaster   *Broadcaster
	Conversations service.ConversationService
	Messages      service.MessageService
	Receipts      service.ReceiptService
	Presence      service.PresenceTracker
	Validator     *validator.Validate
	// MaxInFlight bounds the events one connection may have in progress at once.
	MaxInFlight int
}

type eventHandler func(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error)

// Gateway runs authenticated realtime connections: it dispatches inbound events to the
// chat services and broadcasts their outcome.
type Gateway struct {
	hub           *Hub
	broadcaster   *Broadcaster
	conversations service.ConversationService
	messages      service.MessageService
	receipts      service.ReceiptService
	presence      service.PresenceTracker
	validator     *validator.Validate
	maxInFlight   int
	logger        zerolog.Logger
	tracer        trace.Tracer
	handlers      map[string]eventHandler
}

// NewGateway creates a gateway.
func NewGateway(deps GatewayDependencies, logger zerolog.Logger) *Gateway {
	maxInFlight := deps.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}

	g := &Gateway{
		hub:           deps.Hub,
		broadcaster:   deps.Broadcaster,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		receipts:      deps.Receipts,
		presence:      deps.Presence,
		validator:     deps.Validator,
		maxInFlight:   maxInFlight,
		logger:        logger.With().Str("component", "realtime_gateway").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/gema-chat-api/internal/realtime"),
	}

	g.handlers = map[string]eventHandler{
		EventJoinConversation:  g.joinConversation,
		EventLeaveConversation: g.leaveConversation,
		EventSendMessage:       g.sendMessage,
		EventEditMessage:       g.editMessage,
		EventDeleteMessage:     g.deleteMessage,
		EventTypingStart:       g.typing(true),
		EventTypingStop:        g.typing(false),
		EventMarkRead:          g.markRead,
		EventMarkDelivered:     g.markDelivered,
		EventAddReaction:       g.react(g.messages.AddReaction),
		EventRemoveReaction:    g.react(g.messages.RemoveReaction),
		EventToggleReaction:    g.react(g.messages.ToggleReaction),
		EventPinMessage:        g.pin(g.messages.Pin),
		EventUnpinMessage:      g.pin(g.messages.Unpin),
		EventGetPresence:       g.getPresence,
	}

	return g
}

// Serve runs one connection of userID until it closes. The caller has already
// authenticated the user.
func (g *Gateway) Serve(ctx context.Context, conn Transport, userID string) {
	client := newClient(uuid.NewString(), userID, conn, g.logger)
	g.hub.register(client)
	g.hub.Join(client, UserRoom(userID))
	g.logger.Info().Str("user_id", userID).Str("connection_id", client.id).Msg("realtime connection opened")

	g.connect(ctx, client)
	go client.writePump()
	g.readLoop(ctx, client)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()
	g.disconnect(cleanupCtx, client)
	g.logger.Info().Str("user_id", userID).Str("connection_id", client.id).Msg("realtime connection closed")
}

// Shutdown closes every local connection.
func (g *Gateway) Shutdown() {
	g.hub.CloseAll()
}

// RunHeartbeat refreshes this process's liveness key until ctx ends.
func (g *Gateway) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := g.presence.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			g.logger.Warn().Err(err).Msg("presence heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, client *Client) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var inflight errgroup.Group
	inflight.SetLimit(g.maxInFlight)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			client.logger.Debug().Err(err).Msg("realtime read loop ended")
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			g.reply(client, Frame{}, nil, &service.Error{Kind: service.KindValidation, Reason: "malformed frame"})
			continue
		}

		inflight.Go(func() error {
			g.dispatch(ctx, client, frame)
			return nil
		})
	}

	_ = inflight.Wait()
	client.close()
}

func (g *Gateway) dispatch(ctx context.Context, client *Client, frame Frame) {
	start := time.Now()
	label := frame.Event

	handler, ok := g.handlers[frame.Event]
	if !ok {
		label = "unknown"
	}

	spanCtx, span := g.tracer.Start(ctx, "realtime."+label, trace.WithAttributes(
		attribute.String("chat.user_id", client.userID),
		attribute.String("chat.connection_id", client.id),
	))
	defer span.End()

	var (
		data interface{}
		err  error
	)
	if ok {
		data, err = handler(spanCtx, client, frame.Data)
	} else {
		err = errUnknownEvent
	}

	result := "ok"
	if err != nil {
		kind := service.KindOf(err)
		result = string(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, service.ReasonOf(err))

		event := client.logger.Debug()
		if kind == service.KindUnavailable {
			event = client.logger.Error()
		}
		event.Err(err).Str("event", frame.Event).Msg("realtime event failed")
	}

	observability.ChatEvents().WithLabelValues(label, result).Inc()
	observability.ChatEventLatency().WithLabelValues(label).Observe(time.Since(start).Seconds())

	g.reply(client, frame, data, err)
}

// reply answers the originating connection only; failures are never broadcast.
func (g *Gateway) reply(client *Client, frame Frame, data interface{}, err error) {
	var (
		payload []byte
		encErr  error
	)

	switch {
	case frame.AckID != "" && err != nil:
		payload, encErr = json.Marshal(failureAck(frame.AckID, err))
	case frame.AckID != "":
		payload, encErr = json.Marshal(successAck(frame.AckID, data))
	case err != nil:
		payload, encErr = encodeFrame(EventError, ErrorPayload{
			Event: frame.Event,
			Error: service.ReasonOf(err),
			Code:  string(service.KindOf(err)),
		})
	case frame.Event == EventGetPresence:
		payload, encErr = encodeFrame(EventPresence, data)
	default:
		return
	}

	if encErr != nil {
		client.logger.Error().Err(encErr).Str("event", frame.Event).Msg("failed to encode reply")
		return
	}
	g.hub.Send(client, payload)
}

func (g *Gateway) decode(data json.RawMessage, target interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &service.Error{Kind: service.KindValidation, Reason: "invalid payload", Err: err}
	}
	if err := g.validator.Struct(target); err != nil {
		return &service.Error{Kind: service.KindValidation, Reason: "invalid payload", Err: err}
	}
	return nil
}

// warn logs a failed broadcast. The operation it reports on already succeeded.
func (g *Gateway) warn(err error, event string) {
	if err != nil {
		g.logger.Warn().Err(err).Str("event", event).Msg("broadcast failed")
	}
}

func (g *Gateway) connect(ctx context.Context, client *Client) {
	first, err := g.presence.Connect(ctx, client.userID, client.id)
	if err != nil {
		client.logger.Warn().Err(err).Msg("failed to record presence")
		return
	}
	if first {
		g.announcePresence(ctx, client.userID, true)
	}
}

func (g *Gateway) disconnect(ctx context.Context, client *Client) {
	g.hub.unregister(client)

	for _, conversationID := range client.joinedConversations() {
		g.clearTyping(ctx, conversationID, client.userID)
	}

	offline, err := g.presence.Disconnect(ctx, client.userID, client.id)
	if err != nil {
		client.logger.Warn().Err(err).Msg("failed to clear presence")
		return
	}
	if offline {
		g.announcePresence(ctx, client.userID, false)
	}
}

func (g *Gateway) announcePresence(ctx context.Context, userID string, online bool) {
	conversationIDs, err := g.conversations.ConversationIDsForUser(ctx, userID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to load conversations for presence")
		return
	}
	if len(conversationIDs) == 0 {
		return
	}

	presence := dto.PresenceResponse{UserID: userID, IsOnline: online}
	if states, err := g.presence.Presence(ctx, []string{userID}); err == nil {
		presence.LastSeen = states[userID].LastSeen
	}
	g.warn(g.broadcaster.PresenceChanged(ctx, presence, conversationIDs), EventPresenceUpdate)
}

func (g *Gateway) clearTyping(ctx context.Context, conversationID, userID string) {
	if err := g.presence.ClearTyping(ctx, conversationID, userID); err != nil {
		g.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to clear typing")
		return
	}
	g.broadcastTyping(ctx, conversationID)
}

func (g *Gateway) typingUsers(ctx context.Context, conversationID string) []string {
	users, err := g.presence.TypingUsers(ctx, conversationID)
	if err != nil {
		g.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to list typing users")
		return nil
	}
	return users
}

func (g *Gateway) broadcastTyping(ctx context.Context, conversationID string) dto.TypingUsers {
	typing := dto.TypingUsers{ConversationID: conversationID, UserIDs: g.typingUsers(ctx, conversationID)}
	if typing.UserIDs == nil {
		typing.UserIDs = []string{}
	}
	g.warn(g.broadcaster.Typing(ctx, typing), EventTypingUpdate)
	return typing
}

func (g *Gateway) joinConversation(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var ref dto.ConversationRef
	if err := g.decode(data, &ref); err != nil {
		return nil, err
	}
	if err := g.conversations.RequireParticipant(ctx, ref.ConversationID, client.userID); err != nil {
		return nil, err
	}

	g.hub.Join(client, ConversationRoom(ref.ConversationID))
	client.trackConversation(ref.ConversationID, true)

	delivered, err := g.receipts.MarkAllDelivered(ctx, client.userID, ref.ConversationID)
	if err != nil {
		return nil, err
	}
	g.warn(g.broadcaster.Delivered(ctx, delivered, client.id), EventMessagesDelivered)
	g.warn(g.broadcaster.Membership(ctx, EventUserJoined, dto.MembershipEvent{
		ConversationID: ref.ConversationID,
		UserID:         client.userID,
	}, client.id), EventUserJoined)

	typing := g.typingUsers(ctx, ref.ConversationID)
	if typing == nil {
		typing = []string{}
	}
	return JoinResult{
		ConversationID:      ref.ConversationID,
		DeliveredMessageIDs: nonNil(delivered.MessageIDs),
		TypingUserIDs:       typing,
	}, nil
}

func (g *Gateway) leaveConversation(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var ref dto.ConversationRef
	if err := g.decode(data, &ref); err != nil {
		return nil, err
	}

	room := ConversationRoom(ref.ConversationID)
	if !g.hub.InRoom(client, room) {
		return ref, nil
	}
	g.hub.Leave(client, room)
	client.trackConversation(ref.ConversationID, false)

	g.clearTyping(ctx, ref.ConversationID, client.userID)
	g.warn(g.broadcaster.Membership(ctx, EventUserLeft, dto.MembershipEvent{
		ConversationID: ref.ConversationID,
		UserID:         client.userID,
	}, client.id), EventUserLeft)
	return ref, nil
}

func (g *Gateway) sendMessage(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var req dto.SendMessageRequest
	if err := g.decode(data, &req); err != nil {
		return nil, err
	}

	message, err := g.messages.Send(ctx, client.userID, req)
	if err != nil {
		return nil, err
	}

	participants, err := g.conversations.ActiveParticipantIDs(ctx, message.ConversationID)
	if err != nil {
		g.logger.Warn().Err(err).Str("conversation_id", message.ConversationID).Msg("failed to load participants, broadcasting to the room only")
	}
	g.warn(g.broadcaster.MessageCreated(ctx, message, participants), EventNewMessage)
	g.broadcastTyping(ctx, message.ConversationID)
	return message, nil
}

func (g *Gateway) editMessage(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var req dto.EditMessageRequest
	if err := g.decode(data, &req); err != nil {
		return nil, err
	}

	message, err := g.messages.Edit(ctx, client.userID, req)
	if err != nil {
		return nil, err
	}
	g.warn(g.broadcaster.MessageUpdated(ctx, message), EventMessageUpdated)
	return message, nil
}

func (g *Gateway) deleteMessage(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var req dto.DeleteMessageRequest
	if err := g.decode(data, &req); err != nil {
		return nil, err
	}

	deletion, err := g.messages.Delete(ctx, client.userID, req)
	if err != nil {
		return nil, err
	}
	g.warn(g.broadcaster.MessageDeleted(ctx, client.userID, deletion), EventMessageDeleted)
	return deletion, nil
}

func (g *Gateway) typing(active bool) eventHandler {
	return func(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
		var ref dto.ConversationRef
		if err := g.decode(data, &ref); err != nil {
			return nil, err
		}
		if err := g.conversations.RequireParticipant(ctx, ref.ConversationID, client.userID); err != nil {
			return nil, err
		}

		var err error
		if active {
			err = g.presence.SetTyping(ctx, ref.ConversationID, client.userID)
		} else {
			err = g.presence.ClearTyping(ctx, ref.ConversationID, client.userID)
		}
		if err != nil {
			g.logger.Warn().Err(err).Str("conversation_id", ref.ConversationID).Bool("typing", active).Msg("failed to update typing state")
		}
		return g.broadcastTyping(ctx, ref.ConversationID), nil
	}
}

func (g *Gateway) markRead(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var req dto.MarkReadRequest
	if err := g.decode(data, &req); err != nil {
		return nil, err
	}

	update, err := g.receipts.MarkRead(ctx, client.userID, req)
	if err != nil {
		return nil, err
	}
	g.warn(g.broadcaster.Read(ctx, update), EventMessagesRead)
	return update, nil
}

func (g *Gateway) markDelivered(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
	var req dto.MarkDeliveredRequest
	if err := g.decode(data, &req); err != nil {
		return nil, err
	}

	update, err := g.receipts.MarkDelivered(ctx, client.userID, req)
	if err != nil {
		return nil, err
	}
	g.warn(g.broadcaster.Delivered(ctx, update, ""), EventMessagesDelivered)
	return update, nil
}

type reactionOp func(ctx context.Context, actorID string, req dto.ReactionRequest) (dto.ReactionsUpdate, error)

func (g *Gateway) react(op reactionOp) eventHandler {
	return func(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
		var req dto.ReactionRequest
		if err := g.decode(data, &req); err != nil {
			return nil, err
		}

		update, err := op(ctx, client.userID, req)
		if err != nil {
			return nil, err
		}
		g.warn(g.broadcaster.ReactionsUpdated(ctx, update), EventReactionsUpdated)
		return update, nil
	}
}

type pinOp func(ctx context.Context, actorID string, req dto.PinRequest) (dto.PinUpdate, error)

func (g *Gateway) pin(op pinOp) eventHandler {
	return func(ctx context.Context, client *Client, data json.RawMessage) (interface{}, error) {
		var req dto.PinRequest
		if err := g.decode(data, &req); err != nil {
			return nil, err
		}

		update, err := op(ctx, client.userID, req)
		if err != nil {
			return nil, err
		}
		g.warn(g.broadcaster.PinChanged(ctx, update), EventMessagePinned)
		return update, nil
	}
}

func (g *Gateway) getPresence(ctx context.Context, _ *Client, data json.RawMessage) (interface{}, error) {
	var query dto.PresenceQuery
	if err := g.decode(data, &query); err != nil {
		return nil, err
	}

	states, err := g.presence.Presence(ctx, query.UserIDs)
	if err != nil {
		g.logger.Warn().Err(err).Msg("presence lookup failed, reporting users offline")
		states = make(map[string]dto.PresenceResponse, len(query.UserIDs))
		for _, id := range query.UserIDs {
			states[id] = dto.PresenceResponse{UserID: id}
		}
	}
	return states, nil
}
