package offline0

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNotificationDelivery = errors.New("notification delivery failed")

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// ActionDismiss closes a notification without navigating.
const ActionDismiss = "dismiss"

type Action struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"title" json:"title"`
}

type Notification struct {
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Tag                string            `json:"tag"`
	Actions            []Action          `json:"actions,omitempty"`
	RequireInteraction bool              `json:"requireInteraction"`
	Urgency            Urgency           `json:"urgency"`
	Data               map[string]string `json:"data,omitempty"`
}

// AlertTemplate is the presentation for one inbound alert type.
type AlertTemplate struct {
	Title              string   `yaml:"title" json:"title"`
	Body               string   `yaml:"body" json:"body"`
	Urgency            Urgency  `yaml:"urgency" json:"urgency"`
	RequireInteraction bool     `yaml:"requireInteraction" json:"requireInteraction"`
	Actions            []Action `yaml:"actions" json:"actions"`
}

// Alert is an inbound alert signal.
type Alert struct {
	Type  string            `json:"type"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body,omitempty"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

const defaultAlertType = "default"

var builtinAlerts = map[string]AlertTemplate{
	defaultAlertType: {
		Title:   "Alert",
		Body:    "You have a new alert.",
		Urgency: UrgencyNormal,
		Actions: []Action{{ID: "view", Title: "View"}, {ID: ActionDismiss, Title: "Dismiss"}},
	},
	"emergency": {
		Title:              "Emergency alert",
		Body:               "An emergency has been reported near you.",
		Urgency:            UrgencyHigh,
		RequireInteraction: true,
		Actions:            []Action{{ID: "view", Title: "View"}, {ID: "respond", Title: "Respond"}, {ID: ActionDismiss, Title: "Dismiss"}},
	},
	"sync": {
		Title:   "Report sent",
		Body:    "A report saved while offline has been delivered.",
		Urgency: UrgencyLow,
		Actions: []Action{{ID: "view", Title: "View"}},
	},
}

var builtinRoutes = map[string]string{
	"view":    "/",
	"respond": "/report",
}

// Notifier displays a notification somewhere.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type logNotifier struct{ log *zap.Logger }

func (n logNotifier) Notify(_ context.Context, note Notification) error {
	n.log.Info("notification",
		zap.String("tag", note.Tag),
		zap.String("title", note.Title),
		zap.String("body", note.Body),
		zap.String("urgency", string(note.Urgency)))
	return nil
}

// webhookNotifier POSTs the notification as JSON.
type webhookNotifier struct {
	client *http.Client
	url    string
}

func (n *webhookNotifier) Notify(ctx context.Context, note Notification) error {
	b, err := json.Marshal(note)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher shows notifications best-effort. It keeps one notification per
// tag, so a repeated event replaces the earlier one instead of stacking.
type Dispatcher struct {
	log      *zap.Logger
	notifier Notifier
	stats    *statsCollector

	templates     map[string]AlertTemplate
	routes        map[string]string
	defaultAction string

	mu    sync.Mutex
	shown map[string]shownNote
	seq   uint64
}

// maxShown bounds the displayed set; the least recently shown tag goes first.
const maxShown = 64

type shownNote struct {
	n   Notification
	seq uint64
}

func newDispatcher(cfg *Config, n Notifier, stats *statsCollector, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		log:           log,
		notifier:      n,
		stats:         stats,
		templates:     map[string]AlertTemplate{},
		routes:        map[string]string{},
		defaultAction: cfg.Notifications.DefaultAction,
		shown:         map[string]shownNote{},
	}
	for k, v := range builtinAlerts {
		d.templates[k] = v
	}
	for k, v := range cfg.Notifications.Alerts {
		d.templates[k] = v
	}
	for k, v := range builtinRoutes {
		d.routes[k] = v
	}
	for k, v := range cfg.Notifications.Actions {
		d.routes[k] = v
	}
	return d
}

// Show delivers n. Failures are logged and returned but never retried.
func (d *Dispatcher) Show(ctx context.Context, n Notification) error {
	if n.Tag == "" {
		n.Tag = fmt.Sprintf("note-%d", time.Now().UnixNano())
	}
	if n.Urgency == "" {
		n.Urgency = UrgencyNormal
	}
	d.remember(n)

	if err := d.notifier.Notify(ctx, n); err != nil {
		if d.stats != nil {
			d.stats.notifyFailed.Add(1)
		}
		d.log.Warn("notification not delivered", zap.String("tag", n.Tag), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrNotificationDelivery, n.Tag, err)
	}
	return nil
}

// Alert renders an inbound alert with its template (falling back to the
// default template for unknown types) and shows it.
func (d *Dispatcher) Alert(ctx context.Context, a Alert) (Notification, error) {
	n := d.render(a)
	return n, d.Show(ctx, n)
}

func (d *Dispatcher) render(a Alert) Notification {
	tpl, ok := d.templates[a.Type]
	if !ok {
		tpl = d.templates[defaultAlertType]
	}
	n := Notification{
		Title:              tpl.Title,
		Body:               tpl.Body,
		Tag:                a.Tag,
		Actions:            append([]Action(nil), tpl.Actions...),
		RequireInteraction: tpl.RequireInteraction,
		Urgency:            tpl.Urgency,
		Data:               a.Data,
	}
	if a.Title != "" {
		n.Title = a.Title
	}
	if a.Body != "" {
		n.Body = a.Body
	}
	if n.Tag == "" {
		kind := a.Type
		if kind == "" {
			kind = defaultAlertType
		}
		n.Tag = "alert-" + kind
	}
	return n
}

// Route maps a notification action to its navigation target. Dismiss never
// navigates; unknown actions go to the default target.
func (d *Dispatcher) Route(action string) (string, bool) {
	if action == ActionDismiss {
		return "", false
	}
	if target, ok := d.routes[action]; ok {
		return target, true
	}
	return d.defaultAction, true
}

func (d *Dispatcher) remember(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	d.shown[n.Tag] = shownNote{n: n, seq: d.seq}
	for len(d.shown) > maxShown {
		oldest, oldestSeq := "", uint64(0)
		for tag, s := range d.shown {
			if oldest == "" || s.seq < oldestSeq {
				oldest, oldestSeq = tag, s.seq
			}
		}
		delete(d.shown, oldest)
	}
}

// Close forgets the notification shown under tag.
func (d *Dispatcher) Close(tag string) {
	d.mu.Lock()
	delete(d.shown, tag)
	d.mu.Unlock()
}

// Shown lists the notifications currently displayed, sorted by tag.
func (d *Dispatcher) Shown() []Notification {
	d.mu.Lock()
	out := make([]Notification, 0, len(d.shown))
	for _, s := range d.shown {
		out = append(out, s.n)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
