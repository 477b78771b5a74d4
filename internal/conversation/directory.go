// Package conversation derives conversation IDs from participant sets and
// serves the per-user conversation list.
package conversation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/directory"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
)

// DeriveID returns the conversation ID for a participant set: the sorted
// numeric IDs joined by "-". The result depends only on the set.
func DeriveID(ids []model.UserID) string {
	sorted := append([]model.UserID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = id.String()
	}
	return strings.Join(parts, "-")
}

// Directory creates conversations and serves live conversation lists.
type Directory struct {
	store   store.ConversationStore
	hub     *bus.Hub
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewDirectory creates a Directory.
func NewDirectory(
	s store.ConversationStore,
	hub *bus.Hub,
	log zerolog.Logger,
	timeout time.Duration,
) *Directory {
	return &Directory{
		store:   s,
		hub:     hub,
		log:     log.With().Str("component", "conversations").Logger(),
		timeout: timeout,
		now:     time.Now,
	}
}

func (d *Directory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// GetOrCreate returns the conversation between participants, creating it
// with zeroed counters and an empty preview if none exists. Participant
// order does not matter. Every pair must be allowed to converse.
func (d *Directory) GetOrCreate(
	ctx context.Context,
	participants []model.User,
) (*model.Conversation, error) {
	const op = "conversation.GetOrCreate"

	if err := validateParticipants(op, participants); err != nil {
		return nil, err
	}

	sorted := append([]model.User(nil), participants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	ids := make([]model.UserID, len(sorted))
	conv := model.Conversation{CreatedAt: d.now().UTC()}
	for i, u := range sorted {
		ids[i] = u.ID
		conv.Participants = append(conv.Participants, model.Participant{
			UserID:    u.ID,
			Name:      u.Name,
			Role:      u.Role,
			AvatarURL: u.AvatarURL,
		})
	}
	conv.ID = DeriveID(ids)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	stored, created, err := d.store.CreateConversationIfAbsent(ctx, conv)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}

	if created {
		d.log.Debug().Str("conversation_id", stored.ID).Msg("conversation created")
		d.hub.ConversationChanged(*stored)
	}

	return stored, nil
}

func validateParticipants(op string, participants []model.User) error {
	if len(participants) < 2 {
		return apperr.Errorf(apperr.InvalidArgument, op,
			"a conversation needs at least 2 participants, got %d", len(participants))
	}

	seen := make(map[model.UserID]bool, len(participants))
	for _, u := range participants {
		if u.ID <= 0 {
			return apperr.Errorf(apperr.InvalidArgument, op, "participant id must be positive")
		}
		if !u.Role.Valid() {
			return apperr.Errorf(apperr.InvalidArgument, op, "participant %s has unknown role %q", u.ID, u.Role)
		}
		if seen[u.ID] {
			return apperr.Errorf(apperr.InvalidArgument, op, "participant %s listed twice", u.ID)
		}
		seen[u.ID] = true
	}

	for i := range participants {
		for j := i + 1; j < len(participants); j++ {
			a, b := participants[i], participants[j]
			if !directory.CanConverse(a.Role, b.Role) {
				return apperr.Errorf(apperr.Forbidden, op,
					"%s %s may not converse with %s %s", a.Role, a.ID, b.Role, b.ID)
			}
		}
	}
	return nil
}

// Get returns one conversation.
func (d *Directory) Get(ctx context.Context, id string) (*model.Conversation, error) {
	const op = "conversation.Get"

	if strings.TrimSpace(id) == "" {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing conversation id")
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	conv, err := d.store.GetConversation(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}
	return conv, nil
}

// List returns userID's conversations, most recently active first.
func (d *Directory) List(ctx context.Context, userID model.UserID) ([]model.Conversation, error) {
	const op = "conversation.List"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	convs, err := d.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return convs, nil
}

// ListForUser delivers userID's ordered conversation list to fn, first as
// a snapshot and then again after every change to any of those
// conversations, until the returned function is called or ctx ends. A
// backend failure delivers an empty list and logs a warning.
func (d *Directory) ListForUser(
	ctx context.Context,
	userID model.UserID,
	fn func([]model.Conversation),
) bus.Unsubscribe {
	log := d.log.With().Str("user_id", userID.String()).Logger()

	reload := func(model.ConversationEvent) {
		convs, err := d.List(context.Background(), userID)
		if err != nil {
			log.Warn().Err(err).Msg("conversation list unavailable")
			convs = []model.Conversation{}
		}
		fn(convs)
	}

	// The zero event seeds the snapshot load ahead of any published change.
	unsub := d.hub.Conversations.Subscribe(bus.ConversationsTopic(userID), reload, model.ConversationEvent{})
	stop := context.AfterFunc(ctx, unsub)

	return func() {
		stop()
		unsub()
	}
}
