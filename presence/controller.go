package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/store"
	"github.com/lahmpalms/realtime-chat-website/tabs"
)

// Controller drives one user's presence record from one tab. It is a four
// state machine — online, away, offline-pending (debounce running), offline —
// run by a single goroutine so re-entrancy and cancellation stay well-defined:
// a reconnect cancels the pending debounce as one transition, not scattered
// conditionals.
//
// The controller only ever demotes presence to offline; it never deletes.
// Deletion belongs to the reconciliation sweeper, except on explicit leave.
type Controller struct {
	cfg  *config.Config
	st   store.Store
	reg  store.TriggerRegistrar
	tabs *tabs.Registry

	user  User
	tabID string

	started bool
	visCh   chan bool // page-visibility transitions, true = hidden
	stopCh  chan struct{}
	doneCh  chan struct{}

	heartbeatCounter metric.Int64Counter
	demotionCounter  metric.Int64Counter
	reconnectCounter metric.Int64Counter
}

// NewController builds a controller for an already-created user record. Call
// Start to arm triggers and begin heartbeating.
func NewController(cfg *config.Config, st store.Store, reg store.TriggerRegistrar, registry *tabs.Registry, user User) *Controller {
	meter := otel.Meter("presence-controller")
	heartbeats, _ := meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Total heartbeat writes"))
	demotions, _ := meter.Int64Counter("presence_demotions_total",
		metric.WithDescription("Total client-initiated offline demotions"))
	reconnects, _ := meter.Int64Counter("presence_reconnects_total",
		metric.WithDescription("Total reconnects that cancelled a pending demotion"))

	return &Controller{
		cfg:              cfg,
		st:               st,
		reg:              reg,
		tabs:             registry,
		user:             user,
		tabID:            uuid.NewString(),
		visCh:            make(chan bool, 4),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		heartbeatCounter: heartbeats,
		demotionCounter:  demotions,
		reconnectCounter: reconnects,
	}
}

// TabID identifies this controller's tab in the shared ledger.
func (c *Controller) TabID() string { return c.tabID }

// User returns the record the controller was started with.
func (c *Controller) User() User { return c.user }

// offlineTriggerMutation is the non-destructive presence mutation armed
// against ungraceful disconnect: a vanished client degrades to "marked
// offline + timestamped", it does not disappear.
func offlineTriggerMutation() store.Mutation {
	return store.Mutation{
		Op: store.OpUpdate,
		Patch: map[string]json.RawMessage{
			"isOnline":          json.RawMessage(`false`),
			"connectionState":   json.RawMessage(`"offline"`),
			"gracePeriodActive": json.RawMessage(`true`),
		},
		StampField: "disconnectTime",
	}
}

// armTriggers (re-)registers both disconnect triggers. Must run before the
// corresponding online-state write — a disconnect in between would otherwise
// leave no guaranteed cleanup.
func (c *Controller) armTriggers(ctx context.Context) error {
	if err := c.reg.Arm(ctx, store.PresencePath(c.user.ID), offlineTriggerMutation()); err != nil {
		return err
	}
	// Typing indicators have no grace-period value: delete outright.
	if err := c.reg.Arm(ctx, store.TypingPath(c.user.ID), store.Mutation{Op: store.OpDelete}); err != nil {
		return err
	}
	return c.reg.Touch(ctx)
}

// Start arms the disconnect triggers, writes the initial online presence, and
// launches the state machine. Only this initial pass surfaces errors; every
// later store hiccup is logged and retried on the next tick.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.armTriggers(ctx); err != nil {
		return err
	}
	if err := c.tabs.RegisterOrRefresh(c.tabID, c.user.ID, c.user.Name); err != nil {
		slog.Warn("Tab registration failed at start", "tab", c.tabID, "error", err)
	}
	if err := c.writeState(ctx, StateOnline); err != nil {
		return err
	}
	c.started = true
	go c.run(ctx)
	return nil
}

// Stop tears down the state machine without touching the store. Use Leave for
// an explicit goodbye.
func (c *Controller) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	if c.started {
		<-c.doneCh
	}
}

// SetVisibility feeds a page-visibility transition into the state machine.
func (c *Controller) SetVisibility(hidden bool) {
	select {
	case c.visCh <- hidden:
	case <-c.doneCh:
	}
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.doneCh)

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	connected := true
	hidden := false

	// The debounce timer exists only in OFFLINE_PENDING; a nil channel never
	// fires in the select.
	var debounce *time.Timer
	var debounceC <-chan time.Time
	cancelDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
			debounceC = nil
		}
	}
	defer cancelDebounce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return

		case <-heartbeat.C:
			if !connected {
				continue
			}
			c.heartbeat(ctx, hidden)

		case up, ok := <-c.st.Connectivity():
			if !ok {
				return
			}
			if up {
				if !connected {
					// Reconnection cancels any pending demotion outright.
					if debounceC != nil {
						c.reconnectCounter.Add(ctx, 1)
					}
					cancelDebounce()
					connected = true
					if err := c.armTriggers(ctx); err != nil {
						slog.Warn("Failed to re-arm disconnect triggers after reconnect", "user", c.user.ID, "error", err)
					}
					if err := c.writeState(ctx, stateFor(hidden)); err != nil {
						slog.Warn("Presence write failed after reconnect", "user", c.user.ID, "error", err)
					}
					slog.Info("Reconnected, presence restored", "user", c.user.ID, "state", stateFor(hidden))
				}
			} else if connected {
				connected = false
				debounce = time.NewTimer(c.cfg.DisconnectDebounce)
				debounceC = debounce.C
				slog.Debug("Connectivity lost, debounce started", "user", c.user.ID, "debounce", c.cfg.DisconnectDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			if c.tabs.HasOtherActiveTabs(c.user.ID, c.tabID) {
				// Another tab is presumed to own liveness for this user.
				slog.Debug("Debounce expired but another tab is active, skipping demotion", "user", c.user.ID)
				continue
			}
			c.demotionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("user", c.user.ID)))
			slog.Info("Debounce expired, demoting presence to offline", "user", c.user.ID)
			if err := c.writeState(ctx, StateOffline); err != nil {
				slog.Warn("Offline demotion write failed", "user", c.user.ID, "error", err)
			}

		case hidden = <-c.visCh:
			// Visibility flips rewrite online/away but never touch the
			// debounce machine.
			if !connected {
				continue
			}
			if err := c.writeState(ctx, stateFor(hidden)); err != nil {
				slog.Warn("Presence write failed on visibility change", "user", c.user.ID, "error", err)
			}
		}
	}
}

func stateFor(hidden bool) ConnState {
	if hidden {
		return StateAway
	}
	return StateOnline
}

// heartbeat refreshes the tab ledger, the trigger session, and both records'
// lastSeen. Failures are swallowed: the next tick retries.
func (c *Controller) heartbeat(ctx context.Context, hidden bool) {
	if err := c.tabs.RegisterOrRefresh(c.tabID, c.user.ID, c.user.Name); err != nil {
		slog.Warn("Tab refresh failed", "tab", c.tabID, "error", err)
	}
	if err := c.reg.Touch(ctx); err != nil {
		slog.Warn("Trigger session refresh failed", "user", c.user.ID, "error", err)
	}
	if err := c.writeState(ctx, stateFor(hidden)); err != nil {
		slog.Warn("Heartbeat presence write failed", "user", c.user.ID, "error", err)
		return
	}
	c.heartbeatCounter.Add(ctx, 1)
}

// writeState rewrites the presence record and mirrors lastSeen into the user
// record. A fresh live write drops any trigger-set disconnectTime/grace
// fields — the client is demonstrably alive.
func (c *Controller) writeState(ctx context.Context, state ConnState) error {
	now := time.Now().UnixMilli()
	p := Presence{
		IsOnline:        state != StateOffline,
		LastSeen:        now,
		ConnectionState: state,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := c.st.Write(ctx, store.PresencePath(c.user.ID), data); err != nil {
		return err
	}

	c.user.LastSeen = now
	c.user.IsOnline = p.IsOnline
	c.user.ConnectionState = state
	userData, err := json.Marshal(c.user)
	if err != nil {
		return err
	}
	return c.st.Write(ctx, store.UserPath(c.user.ID), userData)
}

// Leave is the explicit goodbye: stop the machine, disarm the triggers, and —
// only if this was the user's last tab — delete the user's records. Remaining
// tabs keep the records alive.
func (c *Controller) Leave(ctx context.Context) error {
	c.Stop()

	if err := c.reg.Disarm(ctx, store.PresencePath(c.user.ID)); err != nil {
		slog.Warn("Failed to disarm presence trigger", "user", c.user.ID, "error", err)
	}
	if err := c.reg.Disarm(ctx, store.TypingPath(c.user.ID)); err != nil {
		slog.Warn("Failed to disarm typing trigger", "user", c.user.ID, "error", err)
	}

	lastTab := !c.tabs.HasOtherActiveTabs(c.user.ID, c.tabID)
	if err := c.tabs.Unregister(c.tabID); err != nil {
		slog.Warn("Tab unregister failed", "tab", c.tabID, "error", err)
	}
	if !lastTab {
		slog.Info("Leaving with other tabs still active, records kept", "user", c.user.ID)
		return nil
	}

	var firstErr error
	for _, path := range []string{
		store.UserPath(c.user.ID),
		store.PresencePath(c.user.ID),
		store.TypingPath(c.user.ID),
	} {
		if err := c.st.Write(ctx, path, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	slog.Info("Left room, records deleted", "user", c.user.ID)
	return firstErr
}
