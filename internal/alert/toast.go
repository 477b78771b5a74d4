package alert

import (
	"sync"
	"time"

	"github.com/nhle/classroom-messaging/internal/model"
)

// Toast is a transient bubble shown while the recipient is out of focus.
type Toast struct {
	UserID       model.UserID       `json:"user_id"`
	Notification model.Notification `json:"notification"`
	ShownAt      time.Time          `json:"shown_at"`
}

type toastEntry struct {
	Toast
	timer *time.Timer
}

// ToastTray keeps at most limit toasts visible per user. Showing one more
// evicts the oldest. A toast leaves the tray by eviction, by expiring after
// duration, or by Dismiss; only the last two count as dismissal and run
// onDismiss, exactly once per toast.
type ToastTray struct {
	mu        sync.Mutex
	limit     int
	duration  time.Duration
	onDismiss func(Toast)
	trays     map[model.UserID][]*toastEntry
	closed    bool
	now       func() time.Time
}

// NewToastTray creates a tray. A non-positive duration disables expiry.
func NewToastTray(limit int, duration time.Duration, onDismiss func(Toast)) *ToastTray {
	if limit <= 0 {
		limit = 1
	}
	if onDismiss == nil {
		onDismiss = func(Toast) {}
	}
	return &ToastTray{
		limit:     limit,
		duration:  duration,
		onDismiss: onDismiss,
		trays:     make(map[model.UserID][]*toastEntry),
		now:       time.Now,
	}
}

// Show adds a toast for n and returns any toasts evicted to make room.
// A notification that is already visible is not shown twice.
func (t *ToastTray) Show(userID model.UserID, n model.Notification) []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	for _, e := range t.trays[userID] {
		if e.Notification.AlertID == n.AlertID {
			return nil
		}
	}

	entry := &toastEntry{Toast: Toast{UserID: userID, Notification: n, ShownAt: t.now()}}
	if t.duration > 0 {
		alertID := n.AlertID
		entry.timer = time.AfterFunc(t.duration, func() {
			t.Dismiss(userID, alertID)
		})
	}

	tray := append(t.trays[userID], entry)
	var evicted []Toast
	for len(tray) > t.limit {
		oldest := tray[0]
		if oldest.timer != nil {
			oldest.timer.Stop()
		}
		evicted = append(evicted, oldest.Toast)
		tray = tray[1:]
	}
	t.trays[userID] = tray

	return evicted
}

// Dismiss removes the toast for alertID and runs onDismiss. It reports
// false if the toast is not visible, in which case nothing runs.
func (t *ToastTray) Dismiss(userID model.UserID, alertID string) bool {
	toast, ok := t.remove(userID, alertID)
	if !ok {
		return false
	}
	t.onDismiss(toast)
	return true
}

// Drop removes the toast for alertID without running onDismiss, for
// alerts that were read some other way.
func (t *ToastTray) Drop(userID model.UserID, alertID string) {
	t.remove(userID, alertID)
}

func (t *ToastTray) remove(userID model.UserID, alertID string) (Toast, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tray := t.trays[userID]
	for i, e := range tray {
		if e.Notification.AlertID != alertID {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		tray = append(tray[:i:i], tray[i+1:]...)
		if len(tray) == 0 {
			delete(t.trays, userID)
		} else {
			t.trays[userID] = tray
		}
		return e.Toast, true
	}
	return Toast{}, false
}

// Visible returns userID's toasts, oldest first.
func (t *ToastTray) Visible(userID model.UserID) []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()

	toasts := make([]Toast, 0, len(t.trays[userID]))
	for _, e := range t.trays[userID] {
		toasts = append(toasts, e.Toast)
	}
	return toasts
}

// Close stops every pending expiry and empties the tray.
func (t *ToastTray) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tray := range t.trays {
		for _, e := range tray {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	t.trays = make(map[model.UserID][]*toastEntry)
	t.closed = true
}
