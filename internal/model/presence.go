package model

import "time"

type PresenceEntry struct {
	Online   bool      `json:"online"`
	Activity string    `json:"activity,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// RichActivity returns the free-text activity, or "" when there is none.
// "idle" and "online" are status words, not activities.
func (p PresenceEntry) RichActivity() string {
	return NormalizeActivity(p.Activity)
}

// NormalizeActivity maps status words to "".
func NormalizeActivity(a string) string {
	switch a {
	case "", "idle", "online":
		return ""
	}
	return a
}
