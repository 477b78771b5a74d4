package model

import "time"

// NotificationPreference controls delivery of one alert type to one user.
type NotificationPreference struct {
	Enabled bool `json:"enabled"`
	Sound   bool `json:"sound"`
}

// DefaultPreference applies when a user has never saved a preference.
var DefaultPreference = NotificationPreference{Enabled: true, Sound: true}

// Notification is the in-app representation of a dispatched alert.
type Notification struct {
	AlertID   string    `json:"alert_id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	URL       string    `json:"url"`
	SoundURL  string    `json:"sound_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PushData is the routing block carried by a platform push notification.
type PushData struct {
	URL       string    `json:"url"`
	AlertID   string    `json:"alertId"`
	AlertType AlertType `json:"alertType"`
}

// PushPayload is delivered to the platform notification channel.
type PushPayload struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Icon  string   `json:"icon"`
	Badge string   `json:"badge"`
	Data  PushData `json:"data"`
}

// NotificationTokens holds the opaque push-channel identifiers of a user.
type NotificationTokens struct {
	UserID    UserID    `json:"user_id"`
	Tokens    []string  `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}
