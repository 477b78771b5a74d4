// Package alert creates typed alerts and routes them to in-app
// notifications, toasts, sounds and platform push.
package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/classroom-messaging/internal/apperr"
	"github.com/nhle/classroom-messaging/internal/bus"
	"github.com/nhle/classroom-messaging/internal/model"
	"github.com/nhle/classroom-messaging/internal/store"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	store.AlertStore
	store.NotificationStore
}

// FocusReporter tells whether a user's app is in the foreground.
type FocusReporter interface {
	Focused(userID model.UserID) bool
}

// SoundPlayer plays a notification sound for a user.
type SoundPlayer interface {
	Play(ctx context.Context, userID model.UserID, soundURL string) error
}

// FocusTracker is a FocusReporter fed by client presence reports. Users
// never reported are out of focus.
type FocusTracker struct {
	mu      sync.Mutex
	focused map[model.UserID]int
}

// NewFocusTracker creates an empty tracker.
func NewFocusTracker() *FocusTracker {
	return &FocusTracker{focused: make(map[model.UserID]int)}
}

// SetFocused records one client of userID gaining or losing focus. A user
// is focused while any of their clients is.
func (f *FocusTracker) SetFocused(userID model.UserID, focused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if focused {
		f.focused[userID]++
		return
	}
	if f.focused[userID] <= 1 {
		delete(f.focused, userID)
		return
	}
	f.focused[userID]--
}

// Focused implements FocusReporter.
func (f *FocusTracker) Focused(userID model.UserID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.focused[userID] > 0
}

// Options configures a Dispatcher. Zero values disable the matching
// channel: no Push means no platform notifications, no Player means no
// sound, and no Focus means every user counts as out of focus.
type Options struct {
	Sounds        *SoundMap
	Push          Pusher
	Player        SoundPlayer
	Focus         FocusReporter
	ToastLimit    int
	ToastDuration time.Duration
	Icon          string
	Badge         string
	Timeout       time.Duration
}

// Dispatcher owns the alert lifecycle.
type Dispatcher struct {
	store   Store
	hub     *bus.Hub
	sounds  *SoundMap
	push    Pusher
	player  SoundPlayer
	focus   FocusReporter
	toasts  *ToastTray
	icon    string
	badge   string
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s Store, hub *bus.Hub, log zerolog.Logger, opts Options) *Dispatcher {
	d := &Dispatcher{
		store:   s,
		hub:     hub,
		sounds:  opts.Sounds,
		push:    opts.Push,
		player:  opts.Player,
		focus:   opts.Focus,
		icon:    opts.Icon,
		badge:   opts.Badge,
		log:     log.With().Str("component", "alerts").Logger(),
		timeout: opts.Timeout,
		now:     time.Now,
	}
	if d.sounds == nil {
		d.sounds = NewSoundMap(nil)
	}
	d.toasts = NewToastTray(opts.ToastLimit, opts.ToastDuration, d.toastDismissed)
	return d
}

// Close stops pending toast expiries.
func (d *Dispatcher) Close() {
	d.toasts.Close()
}

// Toasts returns the dispatcher's toast tray.
func (d *Dispatcher) Toasts() *ToastTray {
	return d.toasts
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// Create persists a, filling defaults (pending, unread, sound on unless
// explicitly off, created now), and notifies the recipient if there is
// one. Notification channels are best effort once the alert is stored.
func (d *Dispatcher) Create(ctx context.Context, a model.Alert) (string, error) {
	const op = "alert.Create"

	if !a.Type.Valid() {
		return "", apperr.Errorf(apperr.InvalidArgument, op, "unknown alert type %q", a.Type)
	}
	if !a.Severity.Valid() {
		return "", apperr.Errorf(apperr.InvalidArgument, op, "unknown severity %q", a.Severity)
	}
	if strings.TrimSpace(a.Title) == "" {
		return "", apperr.Errorf(apperr.InvalidArgument, op, "missing title")
	}
	if a.RecipientID < 0 {
		return "", apperr.Errorf(apperr.InvalidArgument, op, "invalid recipient id")
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = model.AlertPending
	a.Read = false
	if a.Sound == nil {
		on := true
		a.Sound = &on
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = d.now().UTC()
	}
	a.ResolvedAt = nil
	a.ResolvedBy = 0

	storeCtx, cancel := d.withTimeout(ctx)
	err := d.store.CreateAlert(storeCtx, a)
	cancel()
	if err != nil {
		return "", apperr.FromStore(op, err)
	}

	if a.RecipientID > 0 {
		d.hub.Alerts.Publish(bus.AlertsTopic(a.RecipientID), model.AlertEvent{
			Kind:    model.AlertCreated,
			AlertID: a.ID,
		})
		if err := d.Notify(ctx, a.RecipientID, a); err != nil {
			d.log.Warn().Err(err).Str("alert_id", a.ID).Msg("alert stored but not notified")
		}
	}

	return a.ID, nil
}

// Notify delivers a to recipientID according to their saved preference
// for the alert type, loaded fresh on every call. A disabled preference
// delivers nothing.
func (d *Dispatcher) Notify(ctx context.Context, recipientID model.UserID, a model.Alert) error {
	const op = "alert.Notify"

	prefCtx, cancel := d.withTimeout(ctx)
	pref, err := d.store.GetPreference(prefCtx, recipientID, a.Type)
	cancel()
	if err != nil {
		return apperr.FromStore(op, err)
	}
	if !pref.Enabled {
		return nil
	}

	n := d.notification(a, pref)
	log := d.log.With().
		Str("alert_id", a.ID).
		Str("recipient_id", recipientID.String()).
		Logger()

	d.hub.Notifications.Publish(bus.NotificationsTopic(recipientID), n)

	if d.focus == nil || !d.focus.Focused(recipientID) {
		d.toasts.Show(recipientID, n)
	}

	if n.SoundURL != "" && d.player != nil {
		playCtx, cancel := d.withTimeout(ctx)
		if err := d.player.Play(playCtx, recipientID, n.SoundURL); err != nil {
			log.Warn().Err(err).Str("sound", n.SoundURL).Msg("notification sound failed")
		}
		cancel()
	}

	if d.push != nil {
		d.pushTo(ctx, recipientID, n, log)
	}

	return nil
}

// Route returns the sound and deep link a would be notified with,
// ignoring preferences.
func (d *Dispatcher) Route(a model.Alert) (sound, link string) {
	return d.sounds.For(a.Type), DeepLink(a.Type, a.StudentID)
}

func (d *Dispatcher) notification(a model.Alert, pref model.NotificationPreference) model.Notification {
	n := model.Notification{
		AlertID:   a.ID,
		Type:      a.Type,
		Severity:  a.Severity,
		Title:     a.Title,
		Body:      a.Description,
		URL:       DeepLink(a.Type, a.StudentID),
		CreatedAt: a.CreatedAt,
	}
	if pref.Sound && a.SoundEnabled() {
		n.SoundURL = d.sounds.For(a.Type)
	}
	return n
}

// pushTo sends n to recipientID's devices and forgets tokens the relay
// reports as gone.
func (d *Dispatcher) pushTo(
	ctx context.Context,
	recipientID model.UserID,
	n model.Notification,
	log zerolog.Logger,
) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	tokens, err := d.store.GetTokens(ctx, recipientID)
	if err != nil {
		log.Warn().Err(err).Msg("push tokens unavailable")
		return
	}
	if len(tokens.Tokens) == 0 {
		return
	}

	gone, err := d.push.Push(ctx, tokens.Tokens, model.PushPayload{
		Title: n.Title,
		Body:  n.Body,
		Icon:  d.icon,
		Badge: d.badge,
		Data: model.PushData{
			URL:       n.URL,
			AlertID:   n.AlertID,
			AlertType: n.Type,
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("push delivery failed")
	}
	for _, token := range gone {
		if err := d.store.RemoveToken(ctx, recipientID, token); err != nil {
			log.Warn().Err(err).Msg("stale push token not removed")
		}
	}
}

// toastDismissed marks a dismissed toast's alert read.
func (d *Dispatcher) toastDismissed(t Toast) {
	if err := d.MarkRead(context.Background(), t.Notification.AlertID); err != nil {
		d.log.Warn().Err(err).Str("alert_id", t.Notification.AlertID).Msg("dismissed toast not marked read")
	}
}

// DismissToast dismisses userID's toast for alertID, which also marks the
// alert read. It reports false if no such toast is visible.
func (d *Dispatcher) DismissToast(userID model.UserID, alertID string) bool {
	return d.toasts.Dismiss(userID, alertID)
}

// Get returns one alert.
func (d *Dispatcher) Get(ctx context.Context, id string) (*model.Alert, error) {
	const op = "alert.Get"

	if strings.TrimSpace(id) == "" {
		return nil, apperr.Errorf(apperr.InvalidArgument, op, "missing alert id")
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	a, err := d.store.GetAlert(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}
	return a, nil
}

// MarkRead sets the alert's read flag. Marking an already read alert is
// a successful no-op.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	const op = "alert.MarkRead"

	a, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Read {
		return nil
	}

	storeCtx, cancel := d.withTimeout(ctx)
	changed, err := d.store.MarkAlertRead(storeCtx, id)
	cancel()
	if err != nil {
		return apperr.FromStore(op, err)
	}

	if changed && a.RecipientID > 0 {
		d.toasts.Drop(a.RecipientID, id)
		d.hub.Alerts.Publish(bus.AlertsTopic(a.RecipientID), model.AlertEvent{
			Kind:    model.AlertUpdated,
			AlertID: id,
		})
	}
	return nil
}

// MarkAllRead marks every alert of userID read and returns how many changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID model.UserID) (int64, error) {
	const op = "alert.MarkAllRead"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	n, err := d.store.MarkAllAlertsRead(ctx, userID)
	if err != nil {
		return 0, apperr.FromStore(op, err)
	}
	if n > 0 {
		for _, t := range d.toasts.Visible(userID) {
			d.toasts.Drop(userID, t.Notification.AlertID)
		}
		d.hub.Alerts.Publish(bus.AlertsTopic(userID), model.AlertEvent{Kind: model.AlertsAllRead})
	}
	return n, nil
}

// UnreadCount returns how many of userID's alerts are unread.
func (d *Dispatcher) UnreadCount(ctx context.Context, userID model.UserID) (int, error) {
	const op = "alert.UnreadCount"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	n, err := d.store.CountUnreadAlerts(ctx, userID)
	if err != nil {
		return 0, apperr.FromStore(op, err)
	}
	return n, nil
}

// List returns alerts matching filter, newest first.
func (d *Dispatcher) List(ctx context.Context, filter store.AlertFilter) ([]model.Alert, error) {
	const op = "alert.List"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	alerts, err := d.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	return alerts, nil
}

// ListUnread delivers userID's unread alerts to fn, first as a snapshot
// and again after every change, until the returned function is called or
// ctx ends. A backend failure delivers an empty list and logs a warning.
func (d *Dispatcher) ListUnread(
	ctx context.Context,
	userID model.UserID,
	fn func([]model.Alert),
) bus.Unsubscribe {
	log := d.log.With().Str("user_id", userID.String()).Logger()

	reload := func(model.AlertEvent) {
		alerts, err := d.List(context.Background(), store.AlertFilter{RecipientID: userID, UnreadOnly: true})
		if err != nil {
			log.Warn().Err(err).Msg("alert list unavailable")
			alerts = []model.Alert{}
		}
		fn(alerts)
	}

	unsub := d.hub.Alerts.Subscribe(bus.AlertsTopic(userID), reload, model.AlertEvent{})
	stop := context.AfterFunc(ctx, unsub)

	return func() {
		stop()
		unsub()
	}
}

// Assign hands a pending alert to assigneeID and moves it in progress.
func (d *Dispatcher) Assign(ctx context.Context, id string, assigneeID model.UserID) error {
	const op = "alert.Assign"

	if assigneeID <= 0 {
		return apperr.Errorf(apperr.InvalidArgument, op, "missing assignee id")
	}
	return d.transition(ctx, op, id, func(ctx context.Context) error {
		return d.store.AssignAlert(ctx, id, assigneeID)
	})
}

// Resolve closes the alert, recording who resolved it and when.
func (d *Dispatcher) Resolve(ctx context.Context, id string, resolverID model.UserID) error {
	const op = "alert.Resolve"

	if resolverID <= 0 {
		return apperr.Errorf(apperr.InvalidArgument, op, "missing resolver id")
	}
	return d.transition(ctx, op, id, func(ctx context.Context) error {
		return d.store.ResolveAlert(ctx, id, resolverID, d.now().UTC())
	})
}

func (d *Dispatcher) transition(ctx context.Context, op, id string, apply func(context.Context) error) error {
	a, err := d.Get(ctx, id)
	if err != nil {
		return err
	}

	storeCtx, cancel := d.withTimeout(ctx)
	err = apply(storeCtx)
	cancel()
	if err != nil {
		return apperr.FromStore(op, err)
	}

	if a.RecipientID > 0 {
		d.hub.Alerts.Publish(bus.AlertsTopic(a.RecipientID), model.AlertEvent{
			Kind:    model.AlertUpdated,
			AlertID: id,
		})
	}
	return nil
}

// SetPreference saves userID's preference for one alert type. It takes
// effect on the next dispatch.
func (d *Dispatcher) SetPreference(
	ctx context.Context,
	userID model.UserID,
	t model.AlertType,
	pref model.NotificationPreference,
) error {
	const op = "alert.SetPreference"

	if userID <= 0 {
		return apperr.Errorf(apperr.InvalidArgument, op, "missing user id")
	}
	if !t.Valid() {
		return apperr.Errorf(apperr.InvalidArgument, op, "unknown alert type %q", t)
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.store.SetPreference(ctx, userID, t, pref); err != nil {
		return apperr.FromStore(op, err)
	}
	return nil
}

// Preferences returns userID's preference for every alert type, with
// defaults for types never saved.
func (d *Dispatcher) Preferences(
	ctx context.Context,
	userID model.UserID,
) (map[model.AlertType]model.NotificationPreference, error) {
	const op = "alert.Preferences"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	saved, err := d.store.GetPreferences(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore(op, err)
	}

	prefs := make(map[model.AlertType]model.NotificationPreference, len(model.AlertTypes))
	for _, t := range model.AlertTypes {
		if p, ok := saved[t]; ok {
			prefs[t] = p
		} else {
			prefs[t] = model.DefaultPreference
		}
	}
	return prefs, nil
}

// RegisterToken adds a push token for userID.
func (d *Dispatcher) RegisterToken(ctx context.Context, userID model.UserID, token string) error {
	const op = "alert.RegisterToken"

	if userID <= 0 || strings.TrimSpace(token) == "" {
		return apperr.Errorf(apperr.InvalidArgument, op, "missing user id or token")
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.store.AddToken(ctx, userID, strings.TrimSpace(token)); err != nil {
		return apperr.FromStore(op, err)
	}
	return nil
}

// RemoveToken forgets a push token.
func (d *Dispatcher) RemoveToken(ctx context.Context, userID model.UserID, token string) error {
	const op = "alert.RemoveToken"

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.store.RemoveToken(ctx, userID, token); err != nil {
		return apperr.FromStore(op, err)
	}
	return nil
}
