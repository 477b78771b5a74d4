// Package directory looks up chat partners and decides which roles may
// converse with each other.
package directory

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sahilm/fuzzy"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
)

// MinSearchLength is the shortest term that reaches the store.
const MinSearchLength = 2

// CanConverse reports whether users with roles a and b may share a
// conversation. Teachers may talk to anyone, tutors to tutors and
// students, and students never to other students.
func CanConverse(a, b model.Role) bool {
	if a == model.RoleTeacher || b == model.RoleTeacher {
		return a.Valid() && b.Valid()
	}
	switch {
	case a == model.RoleTutor && b == model.RoleTutor:
		return true
	case a == model.RoleTutor && b == model.RoleStudent,
		a == model.RoleStudent && b == model.RoleTutor:
		return true
	}
	return false
}

// Directory searches the user snapshots kept in the store.
type Directory struct {
	users   store.UserStore
	log     zerolog.Logger
	timeout time.Duration
}

// New creates a Directory. A non-positive timeout disables the deadline.
func New(users store.UserStore, log zerolog.Logger, timeout time.Duration) *Directory {
	return &Directory{
		users:   users,
		log:     log.With().Str("component", "directory").Logger(),
		timeout: timeout,
	}
}

func (d *Directory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Search returns every user whose display name contains term, ignoring
// case. Terms shorter than MinSearchLength return an empty result without
// querying. Results are ranked by match quality, then by name.
func (d *Directory) Search(ctx context.Context, term string) ([]model.User, error) {
	const op = "directory.Search"

	term = strings.TrimSpace(term)
	if utf8.RuneCountInString(term) < MinSearchLength {
		return []model.User{}, nil
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	users, err := d.users.SearchUsers(ctx, term, 0)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}

	return rank(term, users), nil
}

// SearchFor narrows Search to users the session may start a conversation
// with, excluding the session's own user.
func (d *Directory) SearchFor(
	ctx context.Context,
	session model.Session,
	term string,
) ([]model.User, error) {
	users, err := d.Search(ctx, term)
	if err != nil {
		return nil, err
	}

	eligible := users[:0]
	for _, u := range users {
		if u.ID == session.UserID || !CanConverse(session.Role, u.Role) {
			continue
		}
		eligible = append(eligible, u)
	}
	return eligible, nil
}

// User returns one user by ID.
func (d *Directory) User(ctx context.Context, id model.UserID) (*model.User, error) {
	const op = "directory.User"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	u, err := d.users.GetUser(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}
	return u, nil
}

// Users returns the users with the given IDs, in the given order.
func (d *Directory) Users(ctx context.Context, ids []model.UserID) ([]model.User, error) {
	users := make([]model.User, 0, len(ids))
	for _, id := range ids {
		u, err := d.User(ctx, id)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

// userNames adapts a user slice to fuzzy.Source.
type userNames []model.User

func (u userNames) String(i int) string { return u[i].Name }
func (u userNames) Len() int            { return len(u) }

// rank orders users by fuzzy score. The store already guarantees a
// substring match, so any user the matcher skips keeps its name order at
// the end rather than being dropped.
func rank(term string, users []model.User) []model.User {
	matches := fuzzy.FindFrom(term, userNames(users))

	ranked := make([]model.User, 0, len(users))
	seen := make(map[int]bool, len(matches))
	for _, m := range matches {
		ranked = append(ranked, users[m.Index])
		seen[m.Index] = true
	}
	for i, u := range users {
		if !seen[i] {
			ranked = append(ranked, u)
		}
	}
	return ranked
}
