// Package availability turns a coach's busy intervals into bookable slots.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"fairway-cloud/calendarsync"
	"fairway-cloud/logging"
	"fairway-cloud/provider"
)

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime reads "HH:MM" in 24-hour form.
func ParseClockTime(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ClockTime{}, fmt.Errorf("clock time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("clock time %q: bad hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return ClockTime{}, fmt.Errorf("clock time %q: bad minute", s)
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On places c on the given calendar day in loc.
func (c ClockTime) On(date time.Time, loc *time.Location) time.Time {
	y, mo, d := date.Date()
	return time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, loc)
}

// SlotTemplate is the fixed list of candidate starts offered each day.
type SlotTemplate struct {
	Starts   []ClockTime
	Duration time.Duration
}

// ParseSlotTemplate builds a template from "HH:MM" strings. Starts are kept
// in ascending order without duplicates.
func ParseSlotTemplate(starts []string, duration time.Duration) (SlotTemplate, error) {
	if duration <= 0 {
		return SlotTemplate{}, errors.New("slot duration must be positive")
	}
	seen := make(map[ClockTime]bool, len(starts))
	tmpl := SlotTemplate{Duration: duration}
	for _, s := range starts {
		c, err := ParseClockTime(s)
		if err != nil {
			return SlotTemplate{}, err
		}
		if !seen[c] {
			seen[c] = true
			tmpl.Starts = append(tmpl.Starts, c)
		}
	}
	sort.Slice(tmpl.Starts, func(i, j int) bool {
		a, b := tmpl.Starts[i], tmpl.Starts[j]
		return a.Hour*60+a.Minute < b.Hour*60+b.Minute
	})
	return tmpl, nil
}

// Candidates returns the template's slot starts on date in loc.
func (t SlotTemplate) Candidates(date time.Time, loc *time.Location) []time.Time {
	out := make([]time.Time, 0, len(t.Starts))
	for _, c := range t.Starts {
		out = append(out, c.On(date, loc))
	}
	return out
}

// FilterAvailable keeps the candidates whose [start, start+duration) meets no
// busy interval. Input order is preserved.
func FilterAvailable(candidates []time.Time, duration time.Duration, busy []calendarsync.BusyInterval) []time.Time {
	out := make([]time.Time, 0, len(candidates))
	for _, start := range candidates {
		end := start.Add(duration)
		free := true
		for _, iv := range busy {
			if iv.Overlaps(start, end) {
				free = false
				break
			}
		}
		if free {
			out = append(out, start)
		}
	}
	return out
}

// BusySource reads busy intervals.
type BusySource interface {
	ListOverlapping(ctx context.Context, coachID string, from, to time.Time, includeExternal bool) ([]calendarsync.BusyInterval, error)
}

// IntegrationState reports whether a coach's calendar is connected.
type IntegrationState interface {
	IsEnabled(ctx context.Context, coachID string) (bool, error)
}

// Resolver answers availability from the local busy store only; it never
// reaches out to the calendar provider on the read path.
type Resolver struct {
	busy         BusySource
	integrations IntegrationState
}

func NewResolver(busy BusySource, integrations IntegrationState) *Resolver {
	return &Resolver{busy: busy, integrations: integrations}
}

// ComputeAvailableSlots returns the free template slots on date, ordered by
// start. External rows only count while the coach's calendar is connected.
func (r *Resolver) ComputeAvailableSlots(ctx context.Context, coachID string, date time.Time, loc *time.Location, tmpl SlotTemplate) ([]time.Time, error) {
	candidates := tmpl.Candidates(date, loc)
	if len(candidates) == 0 {
		return []time.Time{}, nil
	}
	from := candidates[0]
	to := candidates[len(candidates)-1].Add(tmpl.Duration)

	busy, err := r.busyBetween(ctx, coachID, from, to)
	if err != nil {
		return nil, err
	}
	return FilterAvailable(candidates, tmpl.Duration, busy), nil
}

// SlotCheck is the verdict for one proposed slot.
type SlotCheck struct {
	Start     time.Time                   `json:"start"`
	End       time.Time                   `json:"end"`
	Available bool                        `json:"available"`
	Conflicts []calendarsync.BusyInterval `json:"conflicts,omitempty"`
	// ProviderChecked is set when the live calendar agreed with the store.
	ProviderChecked bool `json:"provider_checked"`
}

// CheckSlot tests one slot against the store and, when creds is non-nil and
// the calendar is connected, the provider's free/busy view. Provider errors
// fall back to the stored answer.
func (r *Resolver) CheckSlot(ctx context.Context, creds calendarsync.Credentials, prov provider.Provider, coachID string, start time.Time, duration time.Duration) (SlotCheck, error) {
	end := start.Add(duration)
	check := SlotCheck{Start: start, End: end}

	enabled, err := r.integrations.IsEnabled(ctx, coachID)
	if err != nil {
		return check, err
	}
	busy, err := r.busy.ListOverlapping(ctx, coachID, start, end, enabled)
	if err != nil {
		return check, err
	}
	check.Conflicts = busy
	check.Available = len(busy) == 0
	if !check.Available || !enabled || creds == nil || prov == nil {
		return check, nil
	}

	var ranges []provider.TimeRange
	err = creds.WithFreshAccessToken(ctx, coachID, func(ctx context.Context, cred provider.Credential) error {
		var err error
		ranges, err = prov.FreeBusy(ctx, cred, start, end)
		return err
	})
	if err != nil {
		logging.Warn().Err(err).Str("coach_id", coachID).Msg("free/busy check failed, using stored intervals")
		return check, nil
	}
	check.ProviderChecked = true
	for _, tr := range ranges {
		iv := calendarsync.BusyInterval{CoachID: coachID, Start: tr.Start, End: tr.End, Origin: calendarsync.OriginExternal}
		if iv.Overlaps(start, end) {
			check.Available = false
			check.Conflicts = append(check.Conflicts, iv)
		}
	}
	return check, nil
}

func (r *Resolver) busyBetween(ctx context.Context, coachID string, from, to time.Time) ([]calendarsync.BusyInterval, error) {
	enabled, err := r.integrations.IsEnabled(ctx, coachID)
	if err != nil {
		return nil, err
	}
	return r.busy.ListOverlapping(ctx, coachID, from, to, enabled)
}
