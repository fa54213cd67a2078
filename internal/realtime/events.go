package realtime

import (
	"context"

	"github.com/noah-isme/gema-chat-api/internal/dto"
)

// ParticipantsChanged announces membership changes of a group.
type ParticipantsChanged struct {
	ConversationID string   `json:"conversation_id"`
	AddedUserIDs   []string `json:"added_user_ids"`
	RemovedUserIDs []string `json:"removed_user_ids"`
	PromotedUserID string   `json:"promoted_user_id,omitempty"`
}

// MessageRef points at one message.
type MessageRef struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// MessageCreated reaches the conversation room and every participant's devices.
func (b *Broadcaster) MessageCreated(ctx context.Context, message dto.MessageResponse, participantIDs []string) error {
	rooms := append([]Room{ConversationRoom(message.ConversationID)}, UserRooms(participantIDs)...)
	return b.Emit(ctx, Broadcast{Rooms: rooms, Event: EventNewMessage, Data: message})
}

func (b *Broadcaster) MessageUpdated(ctx context.Context, message dto.MessageResponse) error {
	return b.Emit(ctx, Broadcast{
		Rooms: []Room{ConversationRoom(message.ConversationID)},
		Event: EventMessageUpdated,
		Data:  message,
	})
}

// MessageDeleted broadcasts a tombstone, or tells only the actor's devices about a hide.
func (b *Broadcaster) MessageDeleted(ctx context.Context, actorID string, deletion dto.MessageDeletion) error {
	if deletion.ForEveryone {
		return b.Emit(ctx, Broadcast{
			Rooms: []Room{ConversationRoom(deletion.Message.ConversationID)},
			Event: EventMessageDeleted,
			Data:  deletion.Message,
		})
	}
	return b.Emit(ctx, Broadcast{
		Rooms: []Room{UserRoom(actorID)},
		Event: EventMessageHidden,
		Data:  MessageRef{ConversationID: deletion.Message.ConversationID, MessageID: deletion.Message.ID},
	})
}

func (b *Broadcaster) ReactionsUpdated(ctx context.Context, update dto.ReactionsUpdate) error {
	if !update.Changed {
		return nil
	}
	return b.Emit(ctx, Broadcast{
		Rooms: []Room{ConversationRoom(update.ConversationID)},
		Event: EventReactionsUpdated,
		Data:  update,
	})
}

func (b *Broadcaster) PinChanged(ctx context.Context, update dto.PinUpdate) error {
	event := EventMessageUnpinned
	if update.IsPinned {
		event = EventMessagePinned
	}
	return b.Emit(ctx, Broadcast{
		Rooms: []Room{ConversationRoom(update.ConversationID)},
		Event: event,
		Data:  update,
	})
}

// Read broadcasts the read receipt and syncs the reader's unread counter on all their devices.
func (b *Broadcaster) Read(ctx context.Context, update dto.ReceiptUpdate) error {
	if len(update.MessageIDs) > 0 {
		if err := b.Emit(ctx, Broadcast{
			Rooms: []Room{ConversationRoom(update.ConversationID)},
			Event: EventMessagesRead,
			Data:  update,
		}); err != nil {
			return err
		}
	}
	return b.Emit(ctx, Broadcast{
		Rooms: []Room{UserRoom(update.UserID)},
		Event: EventUnreadUpdated,
		Data:  dto.UnreadUpdate{ConversationID: update.ConversationID, UnreadCount: update.UnreadCount},
	})
}

func (b *Broadcaster) Delivered(ctx context.Context, update dto.ReceiptUpdate, except string) error {
	if len(update.MessageIDs) == 0 {
		return nil
	}
	return b.Emit(ctx, Broadcast{
		Rooms:  []Room{ConversationRoom(update.ConversationID)},
		Event:  EventMessagesDelivered,
		Data:   update,
		Except: except,
	})
}

func (b *Broadcaster) Typing(ctx context.Context, typing dto.TypingUsers) error {
	if typing.UserIDs == nil {
		typing.UserIDs = []string{}
	}
	return b.Emit(ctx, Broadcast{
		Rooms: []Room{ConversationRoom(typing.ConversationID)},
		Event: EventTypingUpdate,
		Data:  typing,
	})
}

// Membership announces a connection joining or leaving a conversation room.
func (b *Broadcaster) Membership(ctx context.Context, event string, membership dto.MembershipEvent, except string) error {
	return b.Emit(ctx, Broadcast{
		Rooms:  []Room{ConversationRoom(membership.ConversationID)},
		Event:  event,
		Data:   membership,
		Except: except,
	})
}

// PresenceChanged tells every conversation of the user about its online state.
func (b *Broadcaster) PresenceChanged(ctx context.Context, presence dto.PresenceResponse, conversationIDs []string) error {
	return b.Emit(ctx, Broadcast{
		Rooms: ConversationRooms(conversationIDs),
		Event: EventPresenceUpdate,
		Data:  presence,
	})
}

// ConversationChanged publishes the system message of a group change, the new
// conversation state and the membership delta. Removed users' connections leave the
// conversation room.
func (b *Broadcaster) ConversationChanged(ctx context.Context, change dto.ConversationChange) error {
	conversation := change.Conversation
	if change.SystemMessage != nil {
		if err := b.MessageCreated(ctx, *change.SystemMessage, conversation.ParticipantIDs); err != nil {
			return err
		}
	}

	audience := append([]string{}, conversation.ParticipantIDs...)
	audience = append(audience, change.RemovedUserIDs...)
	rooms := append([]Room{ConversationRoom(conversation.ID)}, UserRooms(audience)...)

	if err := b.Emit(ctx, Broadcast{Rooms: rooms, Event: EventConversationUpdated, Data: conversation}); err != nil {
		return err
	}

	if len(change.AddedUserIDs) == 0 && len(change.RemovedUserIDs) == 0 && change.PromotedUserID == "" {
		return nil
	}

	payload := ParticipantsChanged{
		ConversationID: conversation.ID,
		AddedUserIDs:   nonNil(change.AddedUserIDs),
		RemovedUserIDs: nonNil(change.RemovedUserIDs),
		PromotedUserID: change.PromotedUserID,
	}
	broadcast := Broadcast{Rooms: rooms, Event: EventParticipantsChanged, Data: payload}
	if len(change.RemovedUserIDs) > 0 {
		broadcast.EvictRoom = ConversationRoom(conversation.ID)
		broadcast.EvictUsers = change.RemovedUserIDs
	}
	return b.Emit(ctx, broadcast)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
