package alert

import (
	"github.com/nhle/classroom-messaging/internal/model"
)

// DefaultSoundKey is the fallback entry of every sound table.
const DefaultSoundKey = "default"

// DefaultSounds maps alert types to sound assets. Types without an entry
// use the default asset.
var DefaultSounds = map[string]string{
	string(model.AlertMessage):   "message.mp3",
	string(model.AlertReport):    "report.mp3",
	string(model.AlertImportant): "important.mp3",
	string(model.AlertEmotional): "emotional.mp3",
	string(model.AlertBullying):  "urgent.mp3",
	DefaultSoundKey:              "notification.mp3",
}

// SoundMap resolves alert types to sound assets. It always has a default
// entry, so every type resolves to some asset.
type SoundMap struct {
	table map[string]string
}

// NewSoundMap layers overrides on top of DefaultSounds. Empty override
// values are ignored.
func NewSoundMap(overrides map[string]string) *SoundMap {
	table := make(map[string]string, len(DefaultSounds)+len(overrides))
	for k, v := range DefaultSounds {
		table[k] = v
	}
	for k, v := range overrides {
		if v != "" {
			table[k] = v
		}
	}
	return &SoundMap{table: table}
}

// For returns the sound asset for t.
func (m *SoundMap) For(t model.AlertType) string {
	if s, ok := m.table[string(t)]; ok {
		return s
	}
	return m.table[DefaultSoundKey]
}

// DeepLink returns the in-app route an alert of type t opens. studentID
// is optional; routes that need it fall back to the student list.
func DeepLink(t model.AlertType, studentID model.UserID) string {
	student := "/students"
	if studentID > 0 {
		student += "/" + studentID.String()
	}

	switch t {
	case model.AlertMessage:
		return "/messages"
	case model.AlertReport:
		return "/reports"
	case model.AlertEmotional, model.AlertBehavioral, model.AlertBullying:
		return student
	case model.AlertAcademic:
		if studentID > 0 {
			return student + "/academic"
		}
		return student
	case model.AlertAttendance:
		if studentID > 0 {
			return student + "/attendance"
		}
		return student
	default:
		return "/"
	}
}
