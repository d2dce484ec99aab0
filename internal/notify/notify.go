// Package notify delivers fire-and-forget user notifications about sync
// progress and connectivity.
package notify

import (
	"time"

	"github.com/kimhsiao/receiptsync/internal/logging"
)

// Level classifies a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelFailure Level = "failure"
	LevelInfo    Level = "info"
)

// Titles used by the sync subsystem.
const (
	TitleSyncStarted  = "Sync Started"
	TitleSyncComplete = "Sync Complete"
	TitleSyncFailed   = "Sync Failed"
	TitleItemDropped  = "Sync Item Failed"
	TitleBackOnline   = "Back Online"
	TitleOfflineMode  = "Offline Mode"
)

// Notification is a single user-visible signal.
type Notification struct {
	Level   Level             `json:"level"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	At      time.Time         `json:"at"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(n Notification)

// Notify implements Notifier.
func (f Func) Notify(n Notification) {
	f(n)
}

// Discard drops every notification.
var Discard Notifier = Func(func(Notification) {})

// Log writes notifications to the process logger.
type Log struct{}

// Notify implements Notifier.
func (Log) Notify(n Notification) {
	ctx := map[string]interface{}{
		"title":   n.Title,
		"message": n.Message,
	}
	for k, v := range n.Fields {
		ctx[k] = v
	}
	if n.Level == LevelFailure {
		logging.Warn("Notification", ctx)
		return
	}
	logging.Info("Notification", ctx)
}

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// Send stamps At when unset and delivers n. A nil notifier is a no-op.
func Send(to Notifier, level Level, title, message string, fields map[string]string) {
	if to == nil {
		return
	}
	to.Notify(Notification{
		Level:   level,
		Title:   title,
		Message: message,
		At:      time.Now(),
		Fields:  fields,
	})
}
