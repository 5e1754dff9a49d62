// Package notifications keeps the session's unread counters and notification
// list in sync with the backend through one reconciliation path.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"giglink/logging"
	"giglink/metrics"
	"giglink/models"
	"giglink/realtime"
)

// DefaultPollInterval is the periodic reconciliation period.
const DefaultPollInterval = 30 * time.Second

var (
	// ErrNotFound is returned when an operation names an unknown notification.
	ErrNotFound = errors.New("notification not found")
)

// API is the subset of the REST client the aggregator uses.
type API interface {
	UnreadMessageCount(ctx context.Context) (int, error)
	PendingLinkCount(ctx context.Context) (int, error)
	UnreadNotificationCount(ctx context.Context) (int, error)
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// EventSource is satisfied by *realtime.Channel.
type EventSource interface {
	Subscribe(fn func(realtime.Event)) func()
}

// Trigger names what caused a reconciliation.
type Trigger string

const (
	TriggerStart     Trigger = "start"
	TriggerTimer     Trigger = "timer"
	TriggerEvent     Trigger = "event"
	TriggerReconnect Trigger = "reconnect"
)

// Options configures an Aggregator.
type Options struct {
	API          API
	Events       EventSource
	PollInterval time.Duration
	Logger       zerolog.Logger
	OnChange     func(Snapshot)
}

// Snapshot is a copy of the aggregator state.
type Snapshot struct {
	Counts        models.UnreadCounts
	Notifications []models.Notification
}

// Result reports the outcome of an optimistic mutation. When Err is set the
// local change is still applied; calling Revert undoes it.
type Result struct {
	Err    error
	revert func()
	once   sync.Once
}

// Failed reports whether the server call failed.
func (r *Result) Failed() bool {
	return r != nil && r.Err != nil
}

// Revert undoes the local change. It is a no-op on success or when called
// more than once.
func (r *Result) Revert() {
	if r == nil || r.Err == nil || r.revert == nil {
		return
	}
	r.once.Do(r.revert)
}

// Aggregator owns notification records and unread counters for one session.
type Aggregator struct {
	api      API
	events   EventSource
	interval time.Duration
	logger   zerolog.Logger
	onChange func(Snapshot)

	mu      sync.Mutex
	counts  models.UnreadCounts
	list    []models.Notification
	visible bool
	// epoch advances each time counts are replaced from the server. Reverts
	// touch the counter only while the epoch they captured is current.
	epoch uint64

	kick chan Trigger

	runMu       sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

// New creates an idle aggregator. Call Start to begin reconciling.
func New(options Options) (*Aggregator, error) {
	if options.API == nil {
		return nil, errors.New("api is required")
	}
	interval := options.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Aggregator{
		api:      options.API,
		events:   options.Events,
		interval: interval,
		logger:   logging.Component(options.Logger, "notifications"),
		onChange: options.OnChange,
		visible:  true,
		kick:     make(chan Trigger, 1),
	}, nil
}

// Start subscribes to real-time events and runs the reconciliation loop until
// ctx is done or Stop is called.
func (a *Aggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	if a.events != nil {
		a.unsubscribe = a.events.Subscribe(a.HandleEvent)
	}

	go a.loop(loopCtx, a.done)
	a.request(TriggerStart)
}

// Stop ends the loop and drops the event subscription.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	cancel, done, unsubscribe := a.cancel, a.done, a.unsubscribe
	a.cancel, a.done, a.unsubscribe = nil, nil, nil
	a.runMu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// SetVisible gates periodic refreshes. Becoming visible triggers one.
func (a *Aggregator) SetVisible(visible bool) {
	a.mu.Lock()
	changed := a.visible != visible
	a.visible = visible
	a.mu.Unlock()

	if changed && visible {
		a.request(TriggerTimer)
	}
}

// Counts returns the current counters.
func (a *Aggregator) Counts() models.UnreadCounts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// Snapshot returns a copy of counters and list.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	list := make([]models.Notification, len(a.list))
	copy(list, a.list)
	return Snapshot{Counts: a.counts, Notifications: list}
}

// RefreshCounts fetches the three unread counters concurrently. A failed call
// zeroes only its own counter; all failures are joined into the result.
func (a *Aggregator) RefreshCounts(ctx context.Context) error {
	fetchers := []func(context.Context) (int, error){
		a.api.UnreadMessageCount,
		a.api.PendingLinkCount,
		a.api.UnreadNotificationCount,
	}
	values := make([]int, len(fetchers))
	errs := make([]error, len(fetchers))

	var g errgroup.Group
	for i, fetch := range fetchers {
		g.Go(func() error {
			values[i], errs[i] = fetch(ctx)
			if errs[i] != nil {
				values[i] = 0
			}
			return nil
		})
	}
	_ = g.Wait()

	a.mu.Lock()
	a.counts = models.UnreadCounts{
		Messages:      values[0],
		LinkRequests:  values[1],
		Notifications: values[2],
	}
	a.epoch++
	a.mu.Unlock()
	a.changed()

	err := errors.Join(
		wrapErr("message count", errs[0]),
		wrapErr("link count", errs[1]),
		wrapErr("notification count", errs[2]),
	)
	if err != nil {
		a.logger.Warn().Err(err).Msg("refresh counts partially failed")
	}
	return err
}

// RefreshList replaces the notification list with the server's.
func (a *Aggregator) RefreshList(ctx context.Context) error {
	list, err := a.api.ListNotifications(ctx)
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}

	a.mu.Lock()
	a.list = list
	a.mu.Unlock()
	a.changed()
	return nil
}

// MarkRead flips one notification to read locally, then tells the server.
func (a *Aggregator) MarkRead(ctx context.Context, id string) *Result {
	a.mu.Lock()
	idx := a.indexLocked(id)
	if idx < 0 {
		a.mu.Unlock()
		return &Result{Err: ErrNotFound}
	}
	flipped := !a.list[idx].Read
	if flipped {
		a.list[idx].Read = true
		a.decrementLocked()
	}
	epoch := a.epoch
	a.mu.Unlock()
	a.changed()

	if err := a.api.MarkNotificationRead(ctx, id); err != nil {
		a.logger.Warn().Err(err).Str("notification_id", id).Msg("mark read failed")
		return &Result{Err: fmt.Errorf("mark notification read: %w", err), revert: func() {
			if !flipped {
				return
			}
			a.mu.Lock()
			if i := a.indexLocked(id); i >= 0 && a.list[i].Read {
				a.list[i].Read = false
				if a.epoch == epoch {
					a.counts.Notifications++
				}
			}
			a.mu.Unlock()
			a.changed()
		}}
	}
	return &Result{}
}

// DeleteOne removes a notification locally, then tells the server. The
// notifications counter drops only when the removed record was unread.
func (a *Aggregator) DeleteOne(ctx context.Context, id string) *Result {
	a.mu.Lock()
	idx := a.indexLocked(id)
	if idx < 0 {
		a.mu.Unlock()
		return &Result{Err: ErrNotFound}
	}
	removed := a.list[idx]
	a.list = append(a.list[:idx], a.list[idx+1:]...)
	if !removed.Read {
		a.decrementLocked()
	}
	epoch := a.epoch
	a.mu.Unlock()
	a.changed()

	if err := a.api.DeleteNotification(ctx, id); err != nil {
		a.logger.Warn().Err(err).Str("notification_id", id).Msg("delete failed")
		return &Result{Err: fmt.Errorf("delete notification: %w", err), revert: func() {
			a.mu.Lock()
			if a.indexLocked(id) < 0 {
				at := idx
				if at > len(a.list) {
					at = len(a.list)
				}
				a.list = append(a.list[:at], append([]models.Notification{removed}, a.list[at:]...)...)
				if !removed.Read && a.epoch == epoch {
					a.counts.Notifications++
				}
			}
			a.mu.Unlock()
			a.changed()
		}}
	}
	return &Result{}
}

// MarkAllRead flips every notification to read and zeroes the notifications
// counter. Message and link counters are untouched.
func (a *Aggregator) MarkAllRead(ctx context.Context) *Result {
	a.mu.Lock()
	var flipped []string
	for i := range a.list {
		if !a.list[i].Read {
			a.list[i].Read = true
			flipped = append(flipped, a.list[i].ID)
		}
	}
	// Unread records the server counts but the local list does not hold.
	offList := max(a.counts.Notifications-len(flipped), 0)
	a.counts.Notifications = 0
	epoch := a.epoch
	a.mu.Unlock()
	a.changed()

	if err := a.api.MarkAllNotificationsRead(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("mark all read failed")
		return &Result{Err: fmt.Errorf("mark all notifications read: %w", err), revert: func() {
			a.mu.Lock()
			restored := 0
			for _, id := range flipped {
				if i := a.indexLocked(id); i >= 0 && a.list[i].Read {
					a.list[i].Read = false
					restored++
				}
			}
			// A refresh since the failure already counted these records.
			if a.epoch == epoch {
				a.counts.Notifications += restored + offList
			}
			a.mu.Unlock()
			a.changed()
		}}
	}
	return &Result{}
}

// HandleEvent applies pushed notifications and schedules reconciliation for
// events that move the counters. It never blocks on the network.
func (a *Aggregator) HandleEvent(event realtime.Event) {
	switch ev := event.(type) {
	case realtime.NewNotification:
		a.insert(ev.Notification)
	case realtime.NewMessage, realtime.ConversationUpdate:
		a.request(TriggerEvent)
	case realtime.Connected:
		if ev.Reconnect {
			a.request(TriggerReconnect)
		}
	case realtime.MessageReaction, realtime.MessageStatusUpdate, realtime.UserTyping, realtime.Disconnected:
	}
}

func (a *Aggregator) insert(n models.Notification) {
	a.mu.Lock()
	if a.indexLocked(n.ID) >= 0 {
		a.mu.Unlock()
		return
	}
	a.list = append([]models.Notification{n}, a.list...)
	if !n.Read {
		a.counts.Notifications++
	}
	a.mu.Unlock()
	a.changed()
}

func (a *Aggregator) request(trigger Trigger) {
	select {
	case a.kick <- trigger:
	default:
	}
}

func (a *Aggregator) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reconcile(ctx, TriggerTimer)
		case trigger := <-a.kick:
			a.reconcile(ctx, trigger)
		}
	}
}

// reconcile is the only path that refreshes counters from the server.
func (a *Aggregator) reconcile(ctx context.Context, trigger Trigger) {
	if trigger == TriggerTimer {
		a.mu.Lock()
		visible := a.visible
		a.mu.Unlock()
		if !visible {
			return
		}
	}

	_ = a.RefreshCounts(ctx)
	if trigger == TriggerStart || trigger == TriggerReconnect {
		if err := a.RefreshList(ctx); err != nil {
			a.logger.Warn().Err(err).Str("trigger", string(trigger)).Msg("refresh list failed")
		}
	}
}

func (a *Aggregator) indexLocked(id string) int {
	for i := range a.list {
		if a.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (a *Aggregator) decrementLocked() {
	if a.counts.Notifications > 0 {
		a.counts.Notifications--
	}
}

func (a *Aggregator) changed() {
	a.mu.Lock()
	snap := a.snapshotLocked()
	a.mu.Unlock()

	metrics.UnreadTotal.Set(float64(snap.Counts.Total()))
	if a.onChange != nil {
		a.onChange(snap)
	}
}

func wrapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
