package offline0

import "net/http"

// Event is one inbound unit of work. The concrete types below are the only
// implementations.
type Event interface {
	eventKind() string
}

// RequestEvent is an intercepted resource request.
type RequestEvent struct {
	Request *http.Request
}

type MessageKind string

const (
	// MessageCacheForSync stores a record for later delivery.
	MessageCacheForSync MessageKind = "cacheForSync"
	// MessageSkipActivation activates a waiting generation immediately.
	MessageSkipActivation MessageKind = "skipActivation"
)

// MessageEvent is a request from a client over the message channel.
type MessageEvent struct {
	Kind       MessageKind
	RecordKind string
	Payload    []byte
}

// AlertEvent is an inbound alert to be shown as a notification.
type AlertEvent struct {
	Alert Alert
}

// SyncTriggerEvent asks for a drain. With Wait set the drain runs inline and
// its summary is returned; otherwise it is handed to the sync loop.
type SyncTriggerEvent struct {
	Reason string
	Wait   bool
}

type LifecyclePhase string

const (
	PhaseInstall  LifecyclePhase = "install"
	PhaseActivate LifecyclePhase = "activate"
	PhaseReclaim  LifecyclePhase = "reclaim"
)

// LifecycleEvent drives a generation transition. Tag is only used by install
// and defaults to the configured version.
type LifecycleEvent struct {
	Phase LifecyclePhase
	Tag   string
}

func (RequestEvent) eventKind() string     { return "request" }
func (MessageEvent) eventKind() string     { return "message" }
func (AlertEvent) eventKind() string       { return "alert" }
func (SyncTriggerEvent) eventKind() string { return "sync" }
func (LifecycleEvent) eventKind() string   { return "lifecycle" }

// Result carries whatever the handler for an event produced.
type Result struct {
	Response     *Response
	RecordID     string
	Summary      *Summary
	Notification *Notification
	Reclaimed    int
}
