package model

import "time"

// AlertType categorizes an alert and drives sound and deep-link routing.
type AlertType string

const (
	AlertMessage    AlertType = "message"
	AlertAcademic   AlertType = "academic"
	AlertBehavioral AlertType = "behavioral"
	AlertAttendance AlertType = "attendance"
	AlertBullying   AlertType = "bullying"
	AlertReport     AlertType = "report"
	AlertImportant  AlertType = "important"
	AlertEmotional  AlertType = "emotional"
)

// AlertTypes lists every defined alert type.
var AlertTypes = []AlertType{
	AlertMessage, AlertAcademic, AlertBehavioral, AlertAttendance,
	AlertBullying, AlertReport, AlertImportant, AlertEmotional,
}

// Valid reports whether t is a defined alert type.
func (t AlertType) Valid() bool {
	for _, v := range AlertTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Severity ranks an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a defined severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// AlertStatus is the handling status, independent of the read flag.
type AlertStatus string

const (
	AlertPending    AlertStatus = "pending"
	AlertInProgress AlertStatus = "in_progress"
	AlertResolved   AlertStatus = "resolved"
)

// Alert is a typed, severity-ranked notification distinct from a chat message.
type Alert struct {
	ID          string      `json:"id"`
	Type        AlertType   `json:"type"`
	Severity    Severity    `json:"severity"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	RecipientID UserID      `json:"recipient_id,omitempty"`
	CreatedBy   UserID      `json:"created_by,omitempty"`
	StudentID   UserID      `json:"student_id,omitempty"`
	AssigneeID  UserID      `json:"assignee_id,omitempty"`
	Status      AlertStatus `json:"status"`
	Read        bool        `json:"read"`

	// Sound is a pointer so callers can distinguish "unset" (defaults to
	// true) from an explicit false.
	Sound *bool `json:"sound,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy UserID     `json:"resolved_by,omitempty"`
}

// SoundEnabled returns the effective sound flag.
func (a Alert) SoundEnabled() bool {
	return a.Sound == nil || *a.Sound
}

// AlertEventKind distinguishes changes published on a user's alert topic.
type AlertEventKind string

const (
	AlertCreated  AlertEventKind = "created"
	AlertUpdated  AlertEventKind = "updated"
	AlertsAllRead AlertEventKind = "all_read"
)

// AlertEvent signals a change to one of a user's alerts.
type AlertEvent struct {
	Kind    AlertEventKind `json:"kind"`
	AlertID string         `json:"alert_id,omitempty"`
}
