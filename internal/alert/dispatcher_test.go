package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
	"github.com/nhle/classroom-messaging/tests/testutil"
)

// fakePusher records pushes and reports configured tokens as gone.
type fakePusher struct {
	mu       sync.Mutex
	payloads []model.PushPayload
	tokens   [][]string
	gone     []string
}

func (f *fakePusher) Push(_ context.Context, tokens []string, p model.PushPayload) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	f.tokens = append(f.tokens, tokens)
	return f.gone, nil
}

// failingPlayer always fails, like a browser blocking autoplay.
type failingPlayer struct {
	calls int
}

func (p *failingPlayer) Play(context.Context, model.UserID, string) error {
	p.calls++
	return errors.New("autoplay blocked")
}

type staticFocus bool

func (f staticFocus) Focused(model.UserID) bool { return bool(f) }

type harness struct {
	store  *store.SQLiteStore
	hub    *bus.Hub
	push   *fakePusher
	player *failingPlayer
	d      *Dispatcher
}

func newHarness(t *testing.T, focused bool) *harness {
	t.Helper()

	s := testutil.NewTestStore(t)
	hub := bus.NewHub(zerolog.Nop())
	t.Cleanup(hub.Close)

	h := &harness{store: s, hub: hub, push: &fakePusher{}, player: &failingPlayer{}}
	h.d = NewDispatcher(s, hub, zerolog.Nop(), Options{
		Push:          h.push,
		Player:        h.player,
		Focus:         staticFocus(focused),
		ToastLimit:    2,
		ToastDuration: time.Hour,
		Icon:          "/icon.png",
		Badge:         "/badge.png",
		Timeout:       time.Second,
	})
	t.Cleanup(h.d.Close)
	return h
}

// notifications subscribes to userID's in-app notifications.
func (h *harness) notifications(t *testing.T, userID model.UserID) chan model.Notification {
	t.Helper()
	ch := make(chan model.Notification, 8)
	unsub := h.hub.Notifications.Subscribe(bus.NotificationsTopic(userID), func(n model.Notification) { ch <- n })
	t.Cleanup(unsub)
	return ch
}

func receive(t *testing.T, ch chan model.Notification) model.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
		return model.Notification{}
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	h.d.now = func() time.Time { return created }

	id, err := h.d.Create(ctx, model.Alert{
		Type:     model.AlertReport,
		Severity: model.SeverityMedium,
		Title:    "Weekly report ready",
		Status:   model.AlertResolved,
		Read:     true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	a, err := h.d.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertPending, a.Status)
	assert.False(t, a.Read)
	assert.True(t, a.SoundEnabled())
	assert.True(t, created.Equal(a.CreatedAt))
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, true)

	cases := map[string]model.Alert{
		"type":     {Type: "gossip", Severity: model.SeverityLow, Title: "x"},
		"severity": {Type: model.AlertReport, Severity: "extreme", Title: "x"},
		"title":    {Type: model.AlertReport, Severity: model.SeverityLow},
	}
	for name, a := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.d.Create(context.Background(), a)
			assert.True(t, apperr.Is(err, apperr.InvalidArgument))
		})
	}
}

func TestBullyingAlertRoutesToUrgentSound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	ch := h.notifications(t, testutil.Student.ID)

	_, err := h.d.Create(ctx, model.Alert{
		Type:        model.AlertBullying,
		Severity:    model.SeverityHigh,
		Title:       "Incident reported",
		RecipientID: testutil.Student.ID,
	})
	require.NoError(t, err)

	n := receive(t, ch)
	assert.Equal(t, "urgent.mp3", n.SoundURL)
	assert.Equal(t, "/students", n.URL)

	_, err = h.d.Create(ctx, model.Alert{
		Type:        model.AlertBullying,
		Severity:    model.SeverityHigh,
		Title:       "Incident reported",
		RecipientID: testutil.Student.ID,
		StudentID:   testutil.Student2.ID,
	})
	require.NoError(t, err)

	n = receive(t, ch)
	assert.Equal(t, "/students/3", n.URL)

	// Playback failures never block delivery.
	assert.Equal(t, 2, h.player.calls)
}

func TestDisabledPreferenceSuppressesDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	ch := h.notifications(t, testutil.Teacher.ID)

	require.NoError(t, h.d.SetPreference(ctx, testutil.Teacher.ID, model.AlertReport,
		model.NotificationPreference{Enabled: false, Sound: true}))

	id, err := h.d.Create(ctx, model.Alert{
		Type: model.AlertReport, Severity: model.SeverityLow, Title: "r", RecipientID: testutil.Teacher.ID,
	})
	require.NoError(t, err)

	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %+v", n)
	case <-time.After(30 * time.Millisecond):
	}
	assert.Empty(t, h.d.Toasts().Visible(testutil.Teacher.ID))
	assert.Empty(t, h.push.payloads)

	// The alert itself is still stored.
	_, err = h.d.Get(ctx, id)
	require.NoError(t, err)

	// Re-enabling takes effect on the next dispatch without a restart.
	require.NoError(t, h.d.SetPreference(ctx, testutil.Teacher.ID, model.AlertReport,
		model.NotificationPreference{Enabled: true, Sound: false}))
	_, err = h.d.Create(ctx, model.Alert{
		Type: model.AlertReport, Severity: model.SeverityLow, Title: "r2", RecipientID: testutil.Teacher.ID,
	})
	require.NoError(t, err)

	n := receive(t, ch)
	assert.Equal(t, "r2", n.Title)
	assert.Empty(t, n.SoundURL)
}

func TestSoundOffOnAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	ch := h.notifications(t, testutil.Teacher.ID)

	off := false
	_, err := h.d.Create(ctx, model.Alert{
		Type: model.AlertImportant, Severity: model.SeverityHigh, Title: "quiet",
		RecipientID: testutil.Teacher.ID, Sound: &off,
	})
	require.NoError(t, err)

	n := receive(t, ch)
	assert.Empty(t, n.SoundURL)
	assert.Zero(t, h.player.calls)
}

func TestPushPayloadAndStaleTokens(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	h.push.gone = []string{"dead"}

	require.NoError(t, h.d.RegisterToken(ctx, testutil.Teacher.ID, "live"))
	require.NoError(t, h.d.RegisterToken(ctx, testutil.Teacher.ID, "dead"))

	id, err := h.d.Create(ctx, model.Alert{
		Type: model.AlertAttendance, Severity: model.SeverityMedium, Title: "Absent",
		Description: "Bruno missed first period", RecipientID: testutil.Teacher.ID,
		StudentID: testutil.Student.ID,
	})
	require.NoError(t, err)

	require.Len(t, h.push.payloads, 1)
	assert.Equal(t, model.PushPayload{
		Title: "Absent",
		Body:  "Bruno missed first period",
		Icon:  "/icon.png",
		Badge: "/badge.png",
		Data: model.PushData{
			URL:       "/students/2/attendance",
			AlertID:   id,
			AlertType: model.AlertAttendance,
		},
	}, h.push.payloads[0])
	assert.ElementsMatch(t, []string{"live", "dead"}, h.push.tokens[0])

	tokens, err := h.store.GetTokens(ctx, testutil.Teacher.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, tokens.Tokens)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	id, err := h.d.Create(ctx, model.Alert{
		Type: model.AlertMessage, Severity: model.SeverityLow, Title: "hi", RecipientID: testutil.Student.ID,
	})
	require.NoError(t, err)

	require.NoError(t, h.d.MarkRead(ctx, id))
	require.NoError(t, h.d.MarkRead(ctx, id))

	a, err := h.d.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Read)
	assert.Equal(t, model.AlertPending, a.Status)

	assert.True(t, apperr.Is(h.d.MarkRead(ctx, "missing"), apperr.NotFound))
}

func TestToastShownOutOfFocusAndDismissMarksRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	var ids []string
	for _, title := range []string{"one", "two", "three"} {
		id, err := h.d.Create(ctx, model.Alert{
			Type: model.AlertImportant, Severity: model.SeverityMedium, Title: title,
			RecipientID: testutil.Teacher.ID,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	visible := h.d.Toasts().Visible(testutil.Teacher.ID)
	require.Len(t, visible, 2)
	assert.Equal(t, ids[1], visible[0].Notification.AlertID)
	assert.Equal(t, ids[2], visible[1].Notification.AlertID)

	assert.True(t, h.d.DismissToast(testutil.Teacher.ID, ids[1]))
	assert.False(t, h.d.DismissToast(testutil.Teacher.ID, ids[1]))

	a, err := h.d.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, a.Read)

	// The evicted toast was not dismissed, so its alert stays unread.
	a, err = h.d.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, a.Read)

	count, err := h.d.UnreadCount(ctx, testutil.Teacher.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNoToastWhileFocused(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.d.Create(context.Background(), model.Alert{
		Type: model.AlertImportant, Severity: model.SeverityMedium, Title: "x", RecipientID: testutil.Teacher.ID,
	})
	require.NoError(t, err)
	assert.Empty(t, h.d.Toasts().Visible(testutil.Teacher.ID))
}

func TestListUnreadLiveView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	var (
		mu    sync.Mutex
		views [][]model.Alert
	)
	unsub := h.d.ListUnread(ctx, testutil.Student.ID, func(alerts []model.Alert) {
		mu.Lock()
		views = append(views, alerts)
		mu.Unlock()
	})
	defer unsub()

	last := func() []model.Alert {
		mu.Lock()
		defer mu.Unlock()
		if len(views) == 0 {
			return nil
		}
		return views[len(views)-1]
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(views) == 1
	}, time.Second, 5*time.Millisecond)

	id, err := h.d.Create(ctx, model.Alert{
		Type: model.AlertAcademic, Severity: model.SeverityLow, Title: "grade posted", RecipientID: testutil.Student.ID,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(last()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.d.MarkRead(ctx, id))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(views) == 3 && len(views[2]) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAssignAndResolve(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	id, err := h.d.Create(ctx, model.Alert{
		Type: model.AlertBehavioral, Severity: model.SeverityMedium, Title: "disruption",
		RecipientID: testutil.Teacher.ID, StudentID: testutil.Student.ID,
	})
	require.NoError(t, err)

	require.NoError(t, h.d.Assign(ctx, id, testutil.Tutor.ID))
	a, err := h.d.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertInProgress, a.Status)
	assert.Equal(t, testutil.Tutor.ID, a.AssigneeID)

	require.NoError(t, h.d.Resolve(ctx, id, testutil.Tutor.ID))
	a, err = h.d.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, a.Status)
	assert.Equal(t, testutil.Tutor.ID, a.ResolvedBy)
	assert.False(t, a.Read)

	assert.True(t, apperr.Is(h.d.Resolve(ctx, "missing", 1), apperr.NotFound))
	assert.True(t, apperr.Is(h.d.Assign(ctx, id, 0), apperr.InvalidArgument))
}

func TestMarkAllReadAndPreferences(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	for i := 0; i < 2; i++ {
		_, err := h.d.Create(ctx, model.Alert{
			Type: model.AlertMessage, Severity: model.SeverityLow, Title: "m", RecipientID: testutil.Student.ID,
		})
		require.NoError(t, err)
	}

	n, err := h.d.MarkAllRead(ctx, testutil.Student.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Empty(t, h.d.Toasts().Visible(testutil.Student.ID))

	prefs, err := h.d.Preferences(ctx, testutil.Student.ID)
	require.NoError(t, err)
	assert.Len(t, prefs, len(model.AlertTypes))
	assert.Equal(t, model.DefaultPreference, prefs[model.AlertBullying])

	assert.True(t, apperr.Is(
		h.d.SetPreference(ctx, testutil.Student.ID, "gossip", model.DefaultPreference),
		apperr.InvalidArgument,
	))
}

func TestFocusTracker(t *testing.T) {
	f := NewFocusTracker()
	assert.False(t, f.Focused(1))

	f.SetFocused(1, true)
	f.SetFocused(1, true)
	f.SetFocused(1, false)
	assert.True(t, f.Focused(1))

	f.SetFocused(1, false)
	assert.False(t, f.Focused(1))
	f.SetFocused(1, false)
	assert.False(t, f.Focused(1))
}
