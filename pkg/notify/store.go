package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sparkhq/spark-notify/pkg/logger"
)

const (
	defaultMaxItems = 50
	defaultErrorTTL = 5 * time.Second
	localIDPrefix   = "local-"
)

// ToastFunc is invoked for pushed notifications that warrant an interruptive
// popup. Mission lifecycle types never toast.
type ToastFunc func(Notification)

// Source is the push side the store binds to.
type Source interface {
	OnNotification(Handler) func()
	IsConnected() bool
}

// Snapshot is a consistent, caller-owned view of the store.
type Snapshot struct {
	Notifications []Notification
	UnreadCount   int
	IsConnected   bool
	IsLoading     bool
	Err           string
}

// LocalNotification describes a client-originated notification that never
// touches the server.
type LocalNotification struct {
	Type      string
	Priority  string
	Title     string
	Message   string
	ActionURL string
	ImageURL  string
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithToast registers the popup callback.
func WithToast(fn ToastFunc) StoreOption {
	return func(s *Store) { s.toast = fn }
}

// WithErrorTTL overrides how long a transient error stays visible.
func WithErrorTTL(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.errTTL = d
		}
	}
}

// WithMaxItems overrides the push-side list bound.
func WithMaxItems(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

// WithClock replaces the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the id source for local notifications.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithStoreLogger replaces the store's logger.
func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// Store holds the notification list and applies commands optimistically:
// the local edit lands first, the API call confirms it, and a failed call
// rolls the edit back unless a newer mutation has already superseded it.
type Store struct {
	api      APIClient
	toast    ToastFunc
	errTTL   time.Duration
	maxItems int
	now      func() time.Time
	newID    func() string
	log      *zap.Logger

	mu       sync.Mutex
	items    []Notification
	revs     map[string]uint64
	source   Source
	loading  bool
	errMsg   string
	errTimer *time.Timer
}

// NewStore builds a Store backed by the given API client.
func NewStore(api APIClient, opts ...StoreOption) *Store {
	s := &Store{
		api:      api,
		errTTL:   defaultErrorTTL,
		maxItems: defaultMaxItems,
		now:      time.Now,
		newID:    func() string { return localIDPrefix + uuid.NewString() },
		revs:     make(map[string]uint64),
		log:      logger.WithModule("notify.store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bind subscribes the store to a push source and returns an unsubscribe
// function. The source also feeds the IsConnected field of snapshots.
func (s *Store) Bind(src Source) func() {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
	return src.OnNotification(s.Receive)
}

// Snapshot returns a deep copy of the current state. UnreadCount is always
// derived from the list, never stored.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Notification, len(s.items))
	copy(items, s.items)
	snap := Snapshot{
		Notifications: items,
		UnreadCount:   s.unreadLocked(),
		IsLoading:     s.loading,
		Err:           s.errMsg,
	}
	if s.source != nil {
		snap.IsConnected = s.source.IsConnected()
	}
	return snap
}

// UnreadCount returns the number of unread notifications.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadLocked()
}

func (s *Store) unreadLocked() int {
	n := 0
	for _, item := range s.items {
		if !item.IsRead {
			n++
		}
	}
	return n
}

// Receive prepends a pushed notification, enforcing the list bound. The
// bound applies here only; fetched lists are kept whole. Duplicate ids are
// dropped so the list never holds the same notification twice.
func (s *Store) Receive(n Notification) {
	s.mu.Lock()
	if s.indexLocked(n.ID) >= 0 {
		s.mu.Unlock()
		s.log.Debug("dropping duplicate notification", zap.String("id", n.ID))
		return
	}
	s.items = append([]Notification{n}, s.items...)
	if len(s.items) > s.maxItems {
		for _, evicted := range s.items[s.maxItems:] {
			delete(s.revs, evicted.ID)
		}
		s.items = s.items[:s.maxItems]
	}
	s.revs[n.ID]++
	toast := s.toast
	s.mu.Unlock()

	if toast != nil && !IsMissionType(n.Type) {
		toast(n)
	}
}

// ShowLocal injects a client-originated notification. It flows through the
// same path as a pushed one, so bounding and toast policy apply.
func (s *Store) ShowLocal(in LocalNotification) Notification {
	n := Notification{
		ID:        s.newID(),
		Type:      in.Type,
		Priority:  in.Priority,
		Title:     in.Title,
		Message:   in.Message,
		ActionURL: in.ActionURL,
		ImageURL:  in.ImageURL,
		CreatedAt: s.now(),
	}
	s.Receive(n)
	return n
}

// Load replaces the list with the server's view. The fetched list is not
// truncated. On failure the current list is kept and a transient error is
// surfaced.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	items, err := s.api.List(ctx)
	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.fail("Failed to load notifications", err)
		return err
	}
	s.items = items
	s.revs = make(map[string]uint64, len(items))
	for _, item := range items {
		s.revs[item.ID]++
	}
	s.mu.Unlock()
	return nil
}

// MarkAsRead optimistically marks a notification as read and confirms with
// the server. An unknown id is a no-op. On failure the flag is restored
// unless the item has been mutated again in the meantime.
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	prev := s.items[idx].IsRead
	s.items[idx].IsRead = true
	s.revs[id]++
	rev := s.revs[id]
	s.mu.Unlock()

	if err := s.api.MarkRead(ctx, id); err != nil {
		s.mu.Lock()
		if i := s.indexLocked(id); i >= 0 && s.revs[id] == rev {
			s.items[i].IsRead = prev
		}
		s.mu.Unlock()
		s.fail("Failed to mark notification as read", err)
		return err
	}
	return nil
}

// MarkAllAsRead optimistically marks every notification as read. The
// rollback is deliberately coarse: items whose revision is unchanged revert
// to unread.
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	revs := make(map[string]uint64, len(s.items))
	for i := range s.items {
		s.items[i].IsRead = true
		s.revs[s.items[i].ID]++
		revs[s.items[i].ID] = s.revs[s.items[i].ID]
	}
	s.mu.Unlock()

	if err := s.api.MarkAllRead(ctx); err != nil {
		s.mu.Lock()
		for i := range s.items {
			id := s.items[i].ID
			if rev, ok := revs[id]; ok && s.revs[id] == rev {
				s.items[i].IsRead = false
			}
		}
		s.mu.Unlock()
		s.fail("Failed to mark all notifications as read", err)
		return err
	}
	return nil
}

// Delete optimistically removes a notification and confirms with the
// server. On failure the item is reinserted at its original position,
// clamped to the current list length, unless a newer mutation for the same
// id has landed.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	removed := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.revs[id]++
	rev := s.revs[id]
	s.mu.Unlock()

	if err := s.api.Delete(ctx, id); err != nil {
		s.mu.Lock()
		if s.indexLocked(id) < 0 && s.revs[id] == rev {
			at := idx
			if at > len(s.items) {
				at = len(s.items)
			}
			s.items = append(s.items[:at], append([]Notification{removed}, s.items[at:]...)...)
		}
		s.mu.Unlock()
		s.fail("Failed to delete notification", err)
		return err
	}

	s.mu.Lock()
	if s.indexLocked(id) < 0 {
		delete(s.revs, id)
	}
	s.mu.Unlock()
	return nil
}

// DeleteAll optimistically clears the list. On failure the pre-clear
// snapshot is restored behind any notifications that arrived while the call
// was in flight.
func (s *Store) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	saved := s.items
	s.items = nil
	s.mu.Unlock()

	if err := s.api.DeleteAll(ctx); err != nil {
		s.mu.Lock()
		restored := make([]Notification, 0, len(s.items)+len(saved))
		restored = append(restored, s.items...)
		for _, item := range saved {
			if s.indexIn(restored, item.ID) < 0 {
				restored = append(restored, item)
			}
		}
		if len(restored) > s.maxItems {
			restored = restored[:s.maxItems]
		}
		s.items = restored
		s.mu.Unlock()
		s.fail("Failed to delete all notifications", err)
		return err
	}

	s.mu.Lock()
	for _, item := range saved {
		if s.indexLocked(item.ID) < 0 {
			delete(s.revs, item.ID)
		}
	}
	s.mu.Unlock()
	return nil
}

// Clear drops all local state without touching the server. Used on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = nil
	s.revs = make(map[string]uint64)
	s.loading = false
	s.errMsg = ""
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
	s.mu.Unlock()
}

// Err returns the current transient error message, empty when none.
func (s *Store) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// fail records a transient error. The newest error wins and restarts the
// auto-clear timer.
func (s *Store) fail(msg string, cause error) {
	s.log.Warn(msg, zap.Error(cause))
	s.mu.Lock()
	s.errMsg = msg
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	s.errTimer = time.AfterFunc(s.errTTL, func() {
		s.mu.Lock()
		if s.errMsg == msg {
			s.errMsg = ""
		}
		s.mu.Unlock()
	})
	s.mu.Unlock()
}

func (s *Store) indexLocked(id string) int {
	return s.indexIn(s.items, id)
}

func (s *Store) indexIn(items []Notification, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}
