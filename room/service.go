// Package room is the join/leave surface of the presence subsystem: it
// creates and removes user records, enforces room capacity, and self-heals
// partial records observed by any subscriber.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/presence"
	"github.com/lahmpalms/realtime-chat-website/store"
	"github.com/lahmpalms/realtime-chat-website/tabs"
)

var (
	// ErrRoomFull rejects a join at capacity. Surfaced synchronously, never
	// retried automatically.
	ErrRoomFull = errors.New("room: at capacity")
	// ErrInvalidName rejects an empty display name.
	ErrInvalidName = errors.New("room: invalid display name")
)

// maxNameLength bounds display names, in runes.
const maxNameLength = 32

// Display colors assigned round-robin-ish at join. Display-only.
var palette = []string{
	"#e57373", "#f06292", "#ba68c8", "#9575cd", "#7986cb",
	"#64b5f6", "#4dd0e1", "#4db6ac", "#81c784", "#dce775",
	"#ffd54f", "#ffb74d", "#ff8a65", "#a1887f", "#90a4ae",
}

// Service owns room membership.
type Service struct {
	cfg  *config.Config
	st   store.Store
	reg  store.TriggerRegistrar
	tabs *tabs.Registry

	tracer       trace.Tracer
	joinCounter  metric.Int64Counter
	leaveCounter metric.Int64Counter
	healCounter  metric.Int64Counter
}

func NewService(cfg *config.Config, st store.Store, reg store.TriggerRegistrar, registry *tabs.Registry) *Service {
	meter := otel.Meter("room-membership")
	joins, _ := meter.Int64Counter("room_joins_total",
		metric.WithDescription("Total successful room joins"))
	leaves, _ := meter.Int64Counter("room_leaves_total",
		metric.WithDescription("Total explicit room leaves"))
	heals, _ := meter.Int64Counter("room_selfheal_deletions_total",
		metric.WithDescription("Partial records deleted by subscriber self-healing"))

	return &Service{
		cfg:          cfg,
		st:           st,
		reg:          reg,
		tabs:         registry,
		tracer:       otel.Tracer("room-membership"),
		joinCounter:  joins,
		leaveCounter: leaves,
		healCounter:  heals,
	}
}

// Join validates the display name, enforces capacity, creates the user and
// presence records, and returns a running presence controller for the new
// member. The only user-facing error states before membership: room full and
// store unavailable.
func (s *Service) Join(ctx context.Context, name string) (*presence.Controller, error) {
	ctx, span := s.tracer.Start(ctx, "room join")
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}

	users, err := s.st.List(ctx, store.CollectionUsers)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count room members: %w", err)
	}
	if len(users) >= s.cfg.RoomCapacity {
		span.AddEvent("room_full", trace.WithAttributes(attribute.Int("room.capacity", s.cfg.RoomCapacity)))
		return nil, ErrRoomFull
	}

	now := time.Now().UnixMilli()
	user := presence.User{
		ID:              uuid.NewString(),
		Name:            name,
		Color:           palette[rand.Intn(len(palette))],
		JoinedAt:        now,
		LastSeen:        now,
		IsOnline:        true,
		ConnectionState: presence.StateOnline,
	}
	span.SetAttributes(attribute.String("chat.user", user.ID))

	data, err := json.Marshal(user)
	if err != nil {
		return nil, err
	}
	if err := s.st.Write(ctx, store.UserPath(user.ID), data); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create user record: %w", err)
	}

	ctrl := presence.NewController(s.cfg, s.st, s.reg, s.tabs, user)
	if err := ctrl.Start(ctx); err != nil {
		span.RecordError(err)
		// Roll back the half-created membership; an observer would self-heal
		// it anyway, but not leaving debris is cheaper.
		if delErr := s.st.Write(ctx, store.UserPath(user.ID), nil); delErr != nil {
			slog.Warn("Rollback of half-joined user failed", "user", user.ID, "error", delErr)
		}
		return nil, fmt.Errorf("start presence: %w", err)
	}

	s.joinCounter.Add(ctx, 1)
	slog.Info("User joined room", "user", user.ID, "name", user.Name)
	return ctrl, nil
}

// Leave best-effort deletes a user's records by id, for hosts that no longer
// hold the controller. Prefer Controller.Leave, which is tab-aware.
func (s *Service) Leave(ctx context.Context, userID string) error {
	ctx, span := s.tracer.Start(ctx, "room leave")
	defer span.End()
	span.SetAttributes(attribute.String("chat.user", userID))

	if err := s.reg.Disarm(ctx, store.PresencePath(userID)); err != nil {
		slog.Warn("Failed to disarm presence trigger on leave", "user", userID, "error", err)
	}
	if err := s.reg.Disarm(ctx, store.TypingPath(userID)); err != nil {
		slog.Warn("Failed to disarm typing trigger on leave", "user", userID, "error", err)
	}

	var firstErr error
	for _, path := range []string{
		store.UserPath(userID),
		store.TypingPath(userID),
		store.PresencePath(userID),
	} {
		if err := s.st.Write(ctx, path, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		s.leaveCounter.Add(ctx, 1)
		slog.Info("User left room", "user", userID)
	}
	return firstErr
}

// WatchUsers streams the room's member list to the hosting UI. Every snapshot
// is filtered for partial records: a user record missing required fields, or
// a presence record whose user never materialized, is dropped from the view
// and asynchronously deleted. This is what heals a crash between the two
// join-time writes, whichever order a third party observed them in.
func (s *Service) WatchUsers(ctx context.Context) (<-chan []presence.User, func(), error) {
	userWatch, err := s.st.Watch(ctx, store.CollectionUsers)
	if err != nil {
		return nil, nil, fmt.Errorf("watch users: %w", err)
	}
	presenceWatch, err := s.st.Watch(ctx, store.CollectionPresence)
	if err != nil {
		userWatch.Stop()
		return nil, nil, fmt.Errorf("watch presence: %w", err)
	}

	out := make(chan []presence.User, 8)
	go s.watchLoop(ctx, userWatch, presenceWatch, out)

	stop := func() {
		userWatch.Stop()
		presenceWatch.Stop()
	}
	return out, stop, nil
}

func (s *Service) watchLoop(ctx context.Context, userWatch, presenceWatch store.Watcher, out chan<- []presence.User) {
	defer close(out)

	users := make(map[string]presence.User)
	userEvents := userWatch.Updates()
	presenceEvents := presenceWatch.Updates()

	for userEvents != nil || presenceEvents != nil {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-userEvents:
			if !ok {
				userEvents = nil
				continue
			}
			_, id := store.SplitPath(ev.Path)
			if ev.Value == nil {
				delete(users, id)
				emit(out, snapshot(users))
				continue
			}
			u, err := presence.DecodeUser(ev.Value)
			if err != nil || !u.Valid() {
				delete(users, id)
				emit(out, snapshot(users))
				go s.healPartialUser(ctx, id)
				continue
			}
			users[id] = u
			emit(out, snapshot(users))

		case ev, ok := <-presenceEvents:
			if !ok {
				presenceEvents = nil
				continue
			}
			if ev.Value == nil {
				continue
			}
			_, id := store.SplitPath(ev.Path)
			if _, known := users[id]; !known {
				// Presence before user is normal mid-join (no cross-path
				// ordering); only treat it as an orphan if the user record
				// still hasn't shown up after a delay.
				go s.healOrphanPresence(ctx, id)
			}
		}
	}
}

func snapshot(users map[string]presence.User) []presence.User {
	list := make([]presence.User, 0, len(users))
	for _, u := range users {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt != list[j].JoinedAt {
			return list[i].JoinedAt < list[j].JoinedAt
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// emit never blocks the watch loop on a slow UI consumer.
func emit(out chan<- []presence.User, list []presence.User) {
	select {
	case out <- list:
	default:
		slog.Debug("User list consumer lagging, dropping snapshot", "members", len(list))
	}
}

// healPartialUser deletes a user record that is missing required fields,
// along with its paired records.
func (s *Service) healPartialUser(ctx context.Context, id string) {
	if id == "" {
		return
	}
	slog.Warn("Self-healing partial user record", "user", id)
	for _, path := range []string{
		store.UserPath(id),
		store.PresencePath(id),
		store.TypingPath(id),
	} {
		if err := s.st.Write(ctx, path, nil); err != nil {
			slog.Warn("Self-heal delete failed", "path", path, "error", err)
			return
		}
	}
	s.healCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "partial_user")))
}

// healOrphanPresence deletes a presence record whose user record never
// appeared, after giving a mid-join writer time to finish.
func (s *Service) healOrphanPresence(ctx context.Context, id string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.SweepVerifyDelay):
	}
	if _, err := s.st.Read(ctx, store.UserPath(id)); err == nil {
		return // user record arrived
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Orphan check read failed", "user", id, "error", err)
		return
	}
	slog.Warn("Self-healing orphan presence record", "user", id)
	if err := s.st.Write(ctx, store.PresencePath(id), nil); err != nil {
		slog.Warn("Orphan presence delete failed", "user", id, "error", err)
		return
	}
	s.healCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "orphan_presence")))
}
