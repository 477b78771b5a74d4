// Package unread owns the per-participant unread counters. Counters are
// only ever written through OnMessageSent and OnConversationRead.
package unread

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
)

// DefaultBatchSize bounds how many messages one mark-read statement touches.
const DefaultBatchSize = 200

// ReadResult reports the outcome of OnConversationRead. The counter reset
// always happened when err is nil; Pending counts messages whose read flag
// could not be set and that stay unread until the next read.
type ReadResult struct {
	ConversationID string   `json:"conversation_id"`
	MarkedIDs      []string `json:"marked_ids"`
	Pending        int      `json:"pending"`
}

// Counter maintains unread counters and message read flags.
type Counter struct {
	store     store.MessageStore
	hub       *bus.Hub
	log       zerolog.Logger
	timeout   time.Duration
	batchSize int
}

// NewCounter creates a Counter.
func NewCounter(s store.MessageStore, hub *bus.Hub, log zerolog.Logger, timeout time.Duration) *Counter {
	return &Counter{
		store:     s,
		hub:       hub,
		log:       log.With().Str("component", "unread").Logger(),
		timeout:   timeout,
		batchSize: DefaultBatchSize,
	}
}

// SetBatchSize overrides the mark-read batch size.
func (c *Counter) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize = n
	}
}

func (c *Counter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// OnMessageSent adds one to the counter of every participant of conv
// except senderID. It runs inside the append transaction so the message
// and its increment commit together.
func (c *Counter) OnMessageSent(
	ctx context.Context,
	tx store.Tx,
	conv *model.Conversation,
	senderID model.UserID,
) error {
	if err := tx.IncrementUnread(ctx, conv.ID, senderID); err != nil {
		return err
	}
	for _, p := range conv.Participants {
		if p.UserID != senderID {
			conv.UnreadCount[p.UserID]++
		}
	}
	return nil
}

// OnConversationRead zeroes readerID's counter, then marks every message
// in the conversation sent by someone else as read. The reset commits on
// its own first; the mark-read batch afterwards is best effort and a
// failed chunk is logged and left unread rather than retried. Only
// messages committed before the reset are marked, since anything newer
// has already counted against the fresh badge.
func (c *Counter) OnConversationRead(
	ctx context.Context,
	conversationID string,
	readerID model.UserID,
) (*ReadResult, error) {
	const op = "unread.OnConversationRead"

	if strings.TrimSpace(conversationID) == "" {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing conversation id")
	}
	if readerID <= 0 {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing reader id")
	}

	var (
		conv   *model.Conversation
		cutoff int64
	)
	txCtx, cancel := c.withTimeout(ctx)
	err := c.store.WithTx(txCtx, func(tx store.Tx) error {
		var err error
		conv, err = tx.GetConversation(txCtx, conversationID)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(readerID) {
			return apperr.Errorf(apperr.Forbidden, op,
				"user %s is not a participant of %s", readerID, conversationID)
		}
		if _, err = tx.ResetUnread(txCtx, conversationID, readerID); err != nil {
			return err
		}
		cutoff, err = tx.LastSeq(txCtx, conversationID)
		return err
	})
	cancel()
	if err != nil {
		return nil, apperr.FromStore(op, apperr.FromContext(op, err))
	}
	conv.UnreadCount[readerID] = 0
	c.hub.ConversationChanged(*conv)

	result := &ReadResult{ConversationID: conversationID, MarkedIDs: []string{}}
	log := c.log.With().
		Str("conversation_id", conversationID).
		Str("reader_id", readerID.String()).
		Logger()

	if cutoff == 0 {
		return result, nil
	}

	listCtx, cancel := c.withTimeout(ctx)
	ids, err := c.store.UnreadMessageIDs(listCtx, conversationID, readerID, cutoff)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("counter reset but unread messages could not be listed")
		return result, nil
	}

	for start := 0; start < len(ids); start += c.batchSize {
		end := min(start+c.batchSize, len(ids))
		chunk := ids[start:end]

		markCtx, cancel := c.withTimeout(ctx)
		_, err := c.store.MarkMessagesRead(markCtx, chunk)
		cancel()
		if err != nil {
			result.Pending += len(chunk)
			log.Warn().Err(err).Int("messages", len(chunk)).Msg("mark-read batch failed")
			continue
		}
		result.MarkedIDs = append(result.MarkedIDs, chunk...)
	}

	if len(result.MarkedIDs) > 0 {
		c.hub.Messages.Publish(bus.MessagesTopic(conversationID), model.MessageEvent{
			Kind:     model.MessagesRead,
			ReaderID: readerID,
			ReadIDs:  result.MarkedIDs,
		})
	}

	return result, nil
}

// Count returns userID's unread count in conv. It reports false when
// userID is not a participant, in which case the count is undefined.
func Count(conv model.Conversation, userID model.UserID) (int, bool) {
	if !conv.HasParticipant(userID) {
		return 0, false
	}
	return conv.UnreadCount[userID], true
}

// Total sums userID's counters across convs.
func Total(convs []model.Conversation, userID model.UserID) int {
	total := 0
	for _, conv := range convs {
		if n, ok := Count(conv, userID); ok {
			total += n
		}
	}
	return total
}
