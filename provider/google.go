package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Private extended property keys carrying the booking marker.
const (
	propSource    = "fairway_source"
	propBookingID = "fairway_booking_id"
)

// Google talks to Google Calendar v3.
type Google struct {
	opts []option.ClientOption
}

// NewGoogle returns a Google provider. opts are appended to every service
// (tests point the endpoint at an httptest server).
func NewGoogle(opts ...option.ClientOption) *Google {
	return &Google{opts: opts}
}

func (g *Google) service(ctx context.Context, cred Credential) (*calendar.Service, error) {
	if cred.Token == nil {
		return nil, &Error{Op: "service", Kind: ErrUnauthorized, Err: fmt.Errorf("no access token for coach %s", cred.CoachID)}
	}
	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(cred.Token))}, g.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

func (g *Google) CreateEvent(ctx context.Context, cred Credential, ev Event) (Event, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return Event{}, err
	}
	created, err := svc.Events.Insert(cred.CalendarID, toGoogleEvent(ev)).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return Event{}, classify("events.insert", err, false)
	}
	return fromGoogleEvent(created)
}

func (g *Google) UpdateEvent(ctx context.Context, cred Credential, ev Event) (Event, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return Event{}, err
	}
	patch := toGoogleEvent(ev)
	patch.Id = ""
	updated, err := svc.Events.Patch(cred.CalendarID, ev.ID, patch).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return Event{}, classify("events.patch", err, false)
	}
	return fromGoogleEvent(updated)
}

func (g *Google) DeleteEvent(ctx context.Context, cred Credential, eventID string) error {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(cred.CalendarID, eventID).SendUpdates("none").Context(ctx).Do(); err != nil {
		return classify("events.delete", err, false)
	}
	return nil
}

func (g *Google) ListEvents(ctx context.Context, cred Credential, cursor string, since time.Time) (ChangeSet, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return ChangeSet{}, err
	}

	var (
		pageToken string
		out       = ChangeSet{Full: cursor == ""}
	)
	for {
		call := svc.Events.List(cred.CalendarID).SingleEvents(true).MaxResults(250)
		if cursor != "" {
			call = call.ShowDeleted(true).SyncToken(cursor)
		} else {
			call = call.ShowDeleted(false).TimeMin(since.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			return ChangeSet{}, classify("events.list", err, cursor != "")
		}

		for _, item := range resp.Items {
			ev, err := fromGoogleEvent(item)
			if err != nil {
				// Cancelled instances may come back without times; keep the id.
				if item.Status != "cancelled" {
					continue
				}
				ev = Event{ID: item.Id, Cancelled: true, Marker: markerOf(item)}
			}
			out.Events = append(out.Events, ev)
		}

		if resp.NextPageToken != "" {
			pageToken = resp.NextPageToken
			continue
		}
		out.NextCursor = resp.NextSyncToken
		break
	}

	if out.NextCursor == "" {
		return ChangeSet{}, &Error{Op: "events.list", Kind: ErrPermanent, Err: fmt.Errorf("calendar API did not return nextSyncToken")}
	}
	return out, nil
}

func (g *Google) FreeBusy(ctx context.Context, cred Credential, from, to time.Time) ([]TimeRange, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: cred.CalendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("freebusy.query", err, false)
	}

	cal, ok := resp.Calendars[cred.CalendarID]
	if !ok {
		return nil, &Error{Op: "freebusy.query", Kind: ErrNotFound, Err: fmt.Errorf("calendar %s missing from response", cred.CalendarID)}
	}
	if len(cal.Errors) > 0 {
		return nil, &Error{Op: "freebusy.query", Kind: ErrPermanent, Err: fmt.Errorf("freebusy: %s", cal.Errors[0].Reason)}
	}

	busy := make([]TimeRange, 0, len(cal.Busy))
	for _, period := range cal.Busy {
		start, err1 := time.Parse(time.RFC3339, period.Start)
		end, err2 := time.Parse(time.RFC3339, period.End)
		if err1 != nil || err2 != nil {
			continue
		}
		busy = append(busy, TimeRange{Start: start, End: end})
	}
	return busy, nil
}

func (g *Google) WatchEvents(ctx context.Context, cred Credential, req WatchRequest) (Channel, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return Channel{}, err
	}
	resp, err := svc.Events.Watch(cred.CalendarID, &calendar.Channel{
		Id:         req.ChannelID,
		Type:       "web_hook",
		Address:    req.Address,
		Token:      req.Token,
		Expiration: time.Now().Add(req.TTL).UnixMilli(),
	}).Context(ctx).Do()
	if err != nil {
		return Channel{}, classify("events.watch", err, false)
	}

	expiration := time.Now().Add(req.TTL)
	if resp.Expiration > 0 {
		expiration = time.UnixMilli(resp.Expiration)
	}
	return Channel{ID: resp.Id, ResourceID: resp.ResourceId, Expiration: expiration}, nil
}

func (g *Google) StopChannel(ctx context.Context, cred Credential, channelID, resourceID string) error {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return err
	}
	if err := svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do(); err != nil {
		return classify("channels.stop", err, false)
	}
	return nil
}

func toGoogleEvent(ev Event) *calendar.Event {
	out := &calendar.Event{
		Id:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: a.Email, DisplayName: a.Name})
	}
	if ev.Marker != nil {
		out.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{
				propSource:    ev.Marker.Source,
				propBookingID: ev.Marker.BookingID,
			},
		}
	}
	return out
}

func fromGoogleEvent(item *calendar.Event) (Event, error) {
	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return Event{}, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return Event{}, fmt.Errorf("event %s end: %w", item.Id, err)
	}

	ev := Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Cancelled:   item.Status == "cancelled",
		Transparent: item.Transparency == "transparent",
		Marker:      markerOf(item),
	}
	for _, a := range item.Attendees {
		ev.Attendees = append(ev.Attendees, Attendee{Email: a.Email, Name: a.DisplayName})
	}
	return ev, nil
}

// markerOf reads the booking marker. Private properties written by other
// tools are ignored.
func markerOf(item *calendar.Event) *Marker {
	if item.ExtendedProperties == nil || item.ExtendedProperties.Private == nil {
		return nil
	}
	source, ok := item.ExtendedProperties.Private[propSource]
	if !ok {
		return nil
	}
	return &Marker{Source: source, BookingID: item.ExtendedProperties.Private[propBookingID]}
}

func parseEventTime(dt *calendar.EventDateTime) (time.Time, bool, error) {
	if dt == nil {
		return time.Time{}, false, fmt.Errorf("missing time")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		return t, false, err
	}
	if dt.Date != "" {
		loc := time.UTC
		if dt.TimeZone != "" {
			if l, err := time.LoadLocation(dt.TimeZone); err == nil {
				loc = l
			}
		}
		t, err := time.ParseInLocation("2006-01-02", dt.Date, loc)
		return t, true, err
	}
	return time.Time{}, false, fmt.Errorf("empty time")
}
