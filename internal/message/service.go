// Package message appends to and streams the per-conversation message log.
package message

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
	"github.com/nhle/classroom-messaging/internal/unread"
)

// previewLength caps the message excerpt used in alert descriptions.
const previewLength = 120

// alertTimeout bounds one message's alert fan-out, push retries included.
const alertTimeout = 30 * time.Second

// AlertSink receives an alert for each recipient of a new message.
type AlertSink interface {
	Create(ctx context.Context, a model.Alert) (string, error)
}

// Update is one delivery of a live message view. The first delivery has
// Initial set and carries the full history; later ones carry only new
// messages or a read receipt.
type Update struct {
	Initial  bool            `json:"initial"`
	Messages []model.Message `json:"messages,omitempty"`
	ReaderID model.UserID    `json:"reader_id,omitempty"`
	ReadIDs  []string        `json:"read_ids,omitempty"`
}

// Service owns the append path and the live message views.
type Service struct {
	store   store.MessageStore
	counter *unread.Counter
	hub     *bus.Hub
	alerts  AlertSink
	locks   *keyedMutex
	fanout  conc.WaitGroup
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewService creates a Service. alerts may be nil to disable message alerts.
func NewService(
	s store.MessageStore,
	counter *unread.Counter,
	hub *bus.Hub,
	alerts AlertSink,
	log zerolog.Logger,
	timeout time.Duration,
) *Service {
	return &Service{
		store:   s,
		counter: counter,
		hub:     hub,
		alerts:  alerts,
		locks:   newKeyedMutex(),
		log:     log.With().Str("component", "messages").Logger(),
		timeout: timeout,
		now:     time.Now,
	}
}

// Close waits for in-flight message alerts to finish.
func (s *Service) Close() {
	s.fanout.Wait()
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Append adds a message to the conversation log. The message, the unread
// increments and the preview update commit in one transaction; the
// message is then published to the conversation's subscribers. Appends
// to one conversation are serialized so subscribers see send order.
// Recipient alerts are raised in the background once the lock is released.
func (s *Service) Append(
	ctx context.Context,
	conversationID string,
	senderID model.UserID,
	body string,
	attachments []model.Attachment,
) (*model.Message, error) {
	const op = "message.Append"

	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing conversation id")
	}
	if senderID <= 0 {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing sender id")
	}
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "message has no content")
	}

	unlock := s.locks.Lock(conversationID)
	msg, conv, err := s.commit(ctx, conversationID, senderID, body, attachments)
	unlock()
	if err != nil {
		return nil, apperr.FromStore(op, apperr.FromContext(op, err))
	}

	s.log.Debug().
		Str("conversation_id", conversationID).
		Str("message_id", msg.ID).
		Int64("seq", msg.Seq).
		Msg("message appended")

	if s.alerts != nil {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
		s.fanout.Go(func() {
			defer cancel()
			s.alertRecipients(alertCtx, conv, msg)
		})
	}

	return &msg, nil
}

// commit writes msg and publishes it. Callers hold the conversation lock.
func (s *Service) commit(
	ctx context.Context,
	conversationID string,
	senderID model.UserID,
	body string,
	attachments []model.Attachment,
) (model.Message, *model.Conversation, error) {
	const op = "message.Append"

	var (
		msg  model.Message
		conv *model.Conversation
	)

	txCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.store.WithTx(txCtx, func(tx store.Tx) error {
		var err error
		conv, err = tx.GetConversation(txCtx, conversationID)
		if err != nil {
			return err
		}

		var sender *model.Participant
		for i := range conv.Participants {
			if conv.Participants[i].UserID == senderID {
				sender = &conv.Participants[i]
				break
			}
		}
		if sender == nil {
			return apperr.Errorf(apperr.Forbidden, op,
				"user %s is not a participant of %s", senderID, conversationID)
		}

		msg = model.Message{
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderName:     sender.Name,
			SenderRole:     sender.Role,
			Content:        body,
			Attachments:    attachments,
			Timestamp:      s.sendTime(conv),
		}
		if err := tx.InsertMessage(txCtx, &msg); err != nil {
			return err
		}
		if err := s.counter.OnMessageSent(txCtx, tx, conv, senderID); err != nil {
			return err
		}
		return tx.UpdatePreview(txCtx, conversationID, previewText(msg), msg.Timestamp, senderID)
	})
	if err != nil {
		return model.Message{}, nil, err
	}

	conv.LastMessageContent = previewText(msg)
	conv.LastMessageAt = &msg.Timestamp
	conv.LastMessageSenderID = senderID

	published := msg
	s.hub.Messages.Publish(bus.MessagesTopic(conversationID), model.MessageEvent{
		Kind:    model.MessageAppended,
		Message: &published,
	})
	s.hub.ConversationChanged(*conv)

	return msg, conv, nil
}

// sendTime returns the server clock, clamped so it never precedes the
// conversation's previous message.
func (s *Service) sendTime(conv *model.Conversation) time.Time {
	ts := s.now().UTC()
	if conv.LastMessageAt != nil && ts.Before(*conv.LastMessageAt) {
		return conv.LastMessageAt.UTC()
	}
	return ts
}

// previewText is what the conversation list shows for msg.
func previewText(msg model.Message) string {
	if strings.TrimSpace(msg.Content) != "" {
		return msg.Content
	}
	if len(msg.Attachments) == 1 {
		return fmt.Sprintf("[%s] %s", msg.Attachments[0].Kind, msg.Attachments[0].Name)
	}
	return fmt.Sprintf("[%d attachments]", len(msg.Attachments))
}

func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	r := []rune(s)
	return string(r[:previewLength]) + "…"
}

// alertRecipients raises a message alert for every other participant.
// The message is already committed, so failures are only logged.
func (s *Service) alertRecipients(ctx context.Context, conv *model.Conversation, msg model.Message) {
	for _, p := range conv.Participants {
		if p.UserID == msg.SenderID {
			continue
		}
		_, err := s.alerts.Create(ctx, model.Alert{
			Type:        model.AlertMessage,
			Severity:    model.SeverityLow,
			Title:       "New message from " + msg.SenderName,
			Description: excerpt(previewText(msg)),
			RecipientID: p.UserID,
			CreatedBy:   msg.SenderID,
		})
		if err != nil {
			s.log.Warn().Err(err).
				Str("conversation_id", conv.ID).
				Str("recipient_id", p.UserID.String()).
				Msg("message alert not created")
		}
	}
}

// List returns the full ordered log of a conversation.
func (s *Service) List(ctx context.Context, conversationID string) ([]model.Message, error) {
	const op = "message.List"

	if strings.TrimSpace(conversationID) == "" {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing conversation id")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// ListForConversation replays the conversation's history to fn and then
// delivers only messages newer than anything already delivered, plus read
// receipts, until the returned function is called or ctx ends. A backend
// failure on the history load delivers an empty history and logs a warning.
func (s *Service) ListForConversation(
	ctx context.Context,
	conversationID string,
	fn func(Update),
) bus.Unsubscribe {
	log := s.log.With().Str("conversation_id", conversationID).Logger()

	// Deliveries for one subscription run sequentially, so lastSeq needs
	// no lock.
	var lastSeq int64
	handle := func(ev model.MessageEvent) {
		switch ev.Kind {
		case "":
			msgs, err := s.List(context.Background(), conversationID)
			if err != nil {
				log.Warn().Err(err).Msg("message history unavailable")
				msgs = []model.Message{}
			}
			if n := len(msgs); n > 0 {
				lastSeq = msgs[n-1].Seq
			}
			fn(Update{Initial: true, Messages: msgs})

		case model.MessageAppended:
			if ev.Message == nil || ev.Message.Seq <= lastSeq {
				return
			}
			lastSeq = ev.Message.Seq
			fn(Update{Messages: []model.Message{*ev.Message}})

		case model.MessagesRead:
			fn(Update{ReaderID: ev.ReaderID, ReadIDs: ev.ReadIDs})
		}
	}

	// Subscribing before the history load means nothing committed in
	// between is missed; the seq check drops the overlap.
	unsub := s.hub.Messages.Subscribe(bus.MessagesTopic(conversationID), handle, model.MessageEvent{})
	stop := context.AfterFunc(ctx, unsub)

	return func() {
		stop()
		unsub()
	}
}
