package testutil

import (
	"context"
	"testing"

	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Fixture users shared across package tests.
var (
	Teacher  = model.User{ID: 1, Name: "Ana Teacher", Role: model.RoleTeacher}
	Student  = model.User{ID: 2, Name: "Bruno Student", Role: model.RoleStudent}
	Student2 = model.User{ID: 3, Name: "Mariana Student", Role: model.RoleStudent}
	Tutor    = model.User{ID: 4, Name: "Carla Tutor", Role: model.RoleTutor, AvatarURL: "https://cdn.example.com/carla.png"}
	Tutor2   = model.User{ID: 5, Name: "Diego Tutor", Role: model.RoleTutor}
)

// SeedUsers inserts the fixture users (or the given ones) into s.
func SeedUsers(t *testing.T, s store.UserStore, users ...model.User) {
	t.Helper()

	if len(users) == 0 {
		users = []model.User{Teacher, Student, Student2, Tutor, Tutor2}
	}
	for _, u := range users {
		if err := s.UpsertUser(context.Background(), u); err != nil {
			t.Fatalf("seeding user %s: %v", u.ID, err)
		}
	}
}
