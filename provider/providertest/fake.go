// Package providertest is an in-memory calendar provider for tests. Each coach
// owns exactly one calendar, keyed by Credential.CoachID.
package providertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"fairway-cloud/provider"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpList   = "list"
	OpFree   = "freebusy"
	OpWatch  = "watch"
	OpStop   = "stop"
)

type calendarState struct {
	seq     int
	epoch   int // bumped to invalidate every issued cursor
	events  map[string]provider.Event
	changed map[string]int
}

// Fake implements provider.Provider.
type Fake struct {
	mu        sync.Mutex
	now       func() time.Time
	calendars map[string]*calendarState
	channels  map[string]provider.Channel
	failures  map[string][]error
	calls     map[string]int
	nextID    int

	// BeforeList runs before every listing, outside the lock.
	BeforeList func(coachID string)
}

func NewFake() *Fake {
	return &Fake{
		now:       time.Now,
		calendars: make(map[string]*calendarState),
		channels:  make(map[string]provider.Channel),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// SetNow replaces the clock used for channel expirations.
func (f *Fake) SetNow(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Transient builds a retryable provider error.
func Transient(op string) error {
	return &provider.Error{Op: op, StatusCode: 503, Kind: provider.ErrTransient, Err: errors.New("backend unavailable")}
}

// Failure builds a provider error of the given kind.
func Failure(op string, kind error) error {
	return &provider.Error{Op: op, Kind: kind, Err: errors.New("injected")}
}

// FailNext queues errors returned by the next calls of op, one per call.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls reports how many times op was invoked, failures included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Put creates or replaces an event as if the coach edited their calendar.
func (f *Fake) Put(coachID string, ev provider.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(coachID, ev)
}

// Cancel marks an event deleted as if the coach removed it.
func (f *Fake) Cancel(coachID, eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cal := f.calendar(coachID)
	ev, ok := cal.events[eventID]
	if !ok {
		ev = provider.Event{ID: eventID}
	}
	ev.Cancelled = true
	f.store(coachID, ev)
}

// ExpireCursors makes every cursor issued so far invalid.
func (f *Fake) ExpireCursors(coachID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calendar(coachID).epoch++
}

// Event returns the stored event, including cancelled ones.
func (f *Fake) Event(coachID, eventID string) (provider.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.calendar(coachID).events[eventID]
	return ev, ok
}

// LiveEvents returns the non-cancelled events ordered by start.
func (f *Fake) LiveEvents(coachID string) []provider.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.Event
	for _, ev := range f.calendar(coachID).events {
		if !ev.Cancelled {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Channels returns the active channels.
func (f *Fake) Channels() map[string]provider.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]provider.Channel, len(f.channels))
	for k, v := range f.channels {
		out[k] = v
	}
	return out
}

func (f *Fake) calendar(coachID string) *calendarState {
	cal, ok := f.calendars[coachID]
	if !ok {
		cal = &calendarState{events: make(map[string]provider.Event), changed: make(map[string]int)}
		f.calendars[coachID] = cal
	}
	return cal
}

func (f *Fake) store(coachID string, ev provider.Event) {
	cal := f.calendar(coachID)
	cal.seq++
	cal.events[ev.ID] = ev
	cal.changed[ev.ID] = cal.seq
}

// begin records the call and pops a queued failure. Callers hold f.mu.
func (f *Fake) begin(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if queued := f.failures[op]; len(queued) > 0 {
		f.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) CreateEvent(ctx context.Context, cred provider.Credential, ev provider.Event) (provider.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpCreate); err != nil {
		return provider.Event{}, err
	}
	cal := f.calendar(cred.CoachID)
	if ev.ID == "" {
		f.nextID++
		ev.ID = "evt-" + strconv.Itoa(f.nextID)
	} else if _, exists := cal.events[ev.ID]; exists {
		return provider.Event{}, Failure("create", provider.ErrConflict)
	}
	f.store(cred.CoachID, ev)
	return ev, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, cred provider.Credential, ev provider.Event) (provider.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpUpdate); err != nil {
		return provider.Event{}, err
	}
	existing, ok := f.calendar(cred.CoachID).events[ev.ID]
	if !ok || existing.Cancelled {
		return provider.Event{}, Failure("update", provider.ErrNotFound)
	}
	if ev.Marker == nil {
		ev.Marker = existing.Marker
	}
	f.store(cred.CoachID, ev)
	return ev, nil
}

func (f *Fake) DeleteEvent(ctx context.Context, cred provider.Credential, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpDelete); err != nil {
		return err
	}
	existing, ok := f.calendar(cred.CoachID).events[eventID]
	if !ok || existing.Cancelled {
		return Failure("delete", provider.ErrNotFound)
	}
	existing.Cancelled = true
	f.store(cred.CoachID, existing)
	return nil
}

func (f *Fake) ListEvents(ctx context.Context, cred provider.Credential, cursor string, since time.Time) (provider.ChangeSet, error) {
	if hook := f.BeforeList; hook != nil {
		hook(cred.CoachID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpList); err != nil {
		return provider.ChangeSet{}, err
	}
	cal := f.calendar(cred.CoachID)

	if cursor == "" {
		set := provider.ChangeSet{Full: true, NextCursor: cursorFor(cal.epoch, cal.seq)}
		for _, ev := range cal.events {
			if !ev.Cancelled && !ev.End.Before(since) {
				set.Events = append(set.Events, ev)
			}
		}
		sortEvents(set.Events)
		return set, nil
	}

	epoch, from, err := parseCursor(cursor)
	if err != nil || epoch != cal.epoch {
		return provider.ChangeSet{}, Failure("list", provider.ErrCursorInvalid)
	}
	set := provider.ChangeSet{NextCursor: cursorFor(cal.epoch, cal.seq)}
	for id, seq := range cal.changed {
		if seq > from {
			set.Events = append(set.Events, cal.events[id])
		}
	}
	sortEvents(set.Events)
	return set, nil
}

func (f *Fake) FreeBusy(ctx context.Context, cred provider.Credential, from, to time.Time) ([]provider.TimeRange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpFree); err != nil {
		return nil, err
	}
	var busy []provider.TimeRange
	for _, ev := range f.calendar(cred.CoachID).events {
		if ev.Blocks() && ev.Start.Before(to) && from.Before(ev.End) {
			busy = append(busy, provider.TimeRange{Start: ev.Start, End: ev.End})
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

func (f *Fake) WatchEvents(ctx context.Context, cred provider.Credential, req provider.WatchRequest) (provider.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpWatch); err != nil {
		return provider.Channel{}, err
	}
	ch := provider.Channel{
		ID:         req.ChannelID,
		ResourceID: "res-" + cred.CoachID,
		Expiration: f.now().Add(req.TTL),
	}
	f.channels[ch.ID] = ch
	return ch, nil
}

func (f *Fake) StopChannel(ctx context.Context, cred provider.Credential, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpStop); err != nil {
		return err
	}
	if _, ok := f.channels[channelID]; !ok {
		return Failure("stop", provider.ErrNotFound)
	}
	delete(f.channels, channelID)
	return nil
}

func cursorFor(epoch, seq int) string { return fmt.Sprintf("e%d.v%d", epoch, seq) }

func parseCursor(cursor string) (epoch, seq int, err error) {
	e, v, ok := strings.Cut(cursor, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	if epoch, err = strconv.Atoi(strings.TrimPrefix(e, "e")); err != nil {
		return 0, 0, err
	}
	seq, err = strconv.Atoi(strings.TrimPrefix(v, "v"))
	return epoch, seq, err
}

func sortEvents(events []provider.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
}
