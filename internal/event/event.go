// Package event provides the application-wide event bus.
//
// Events are either dispatched, which runs every listener synchronously before
// Dispatch returns, or enqueued, which defers delivery until the host drains the
// queue with Process. Registration notifications use Dispatch so that
// subscribers observe side effects immediately; high-frequency or coalescable
// notifications (job status, pack tree changes) use Enqueue.
package event

import "strings"

// Event identifies a kind of notification on the bus
type Event int

const (
	// ExtensionRegistered is dispatched with (endpoint uuid.UUID, *extension.Extension)
	ExtensionRegistered Event = iota + 1
	// PluginLoadedOne is dispatched with (*pack.Pack)
	PluginLoadedOne
	// PluginLoadedAll is dispatched with (*plugin.Loader)
	PluginLoadedAll
	// FinishedStartup is dispatched without arguments
	FinishedStartup
	// JobStart is dispatched with (*jobs.Status)
	JobStart
	// JobStatus is enqueued with (*jobs.Status)
	JobStatus
	// SettingsChange is enqueued without arguments
	SettingsChange
	// DBUpdate is enqueued without arguments
	DBUpdate
	// PackTreeUpdate is enqueued without arguments
	PackTreeUpdate
	// ObjectChange is enqueued with a host-defined change record
	ObjectChange
	// StatusPopup is enqueued with (status type, message)
	StatusPopup
	// HideableWarningPopup is enqueued with (message code, message)
	HideableWarningPopup
)

var eventNames = map[Event]string{
	ExtensionRegistered:  "EXTENSION_REGISTERED",
	PluginLoadedOne:      "PLUGIN_LOADED_ONE",
	PluginLoadedAll:      "PLUGIN_LOADED_ALL",
	FinishedStartup:      "FINISHED_STARTUP",
	JobStart:             "JOB_START",
	JobStatus:            "JOB_STATUS",
	SettingsChange:       "SETTINGS_CHANGE",
	DBUpdate:             "DB_UPDATE",
	PackTreeUpdate:       "PACK_TREE_UPDATE",
	ObjectChange:         "OBJECT_CHANGE",
	StatusPopup:          "STATUS_POPUP",
	HideableWarningPopup: "HIDEABLE_WARNING_POPUP",
}

// String returns the event's upper snake case name
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "UNKNOWN"
}

// MethodName returns the listener method BindListener looks up for e,
// e.g. OnEventPluginLoadedOne for PLUGIN_LOADED_ONE.
func (e Event) MethodName() string {
	var b strings.Builder
	b.WriteString("OnEvent")
	for _, part := range strings.Split(e.String(), "_") {
		if part == "" {
			continue
		}
		b.WriteString(part[:1])
		b.WriteString(strings.ToLower(part[1:]))
	}
	return b.String()
}

// All returns every known event in declaration order
func All() []Event {
	events := make([]Event, 0, len(eventNames))
	for e := ExtensionRegistered; e <= HideableWarningPopup; e++ {
		events = append(events, e)
	}
	return events
}
