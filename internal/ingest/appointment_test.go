package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appointmentEvent(id, calendarID string) AppointmentEvent {
	start := baseTime.Add(48 * time.Hour)
	return AppointmentEvent{
		ID:             id,
		CalendarID:     calendarID,
		LocationID:     "loc-1",
		Title:          "Strategy call",
		ContactID:      "c-1",
		AssignedUserID: "u-rep",
		StartTime:      &start,
	}
}

func TestUnmappedCalendarIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.mapCalendar("cal-disabled", store.TableAppointments, false)

	for _, cal := range []string{"cal-unknown", "cal-disabled"} {
		out, err := f.appts.Process(context.Background(), f.account, appointmentEvent("a-"+cal, cal))
		require.NoError(t, err)
		assert.True(t, out.Skipped)
		assert.Equal(t, "unmapped_calendar", out.Reason)
	}
	assert.Empty(t, f.db.Bookings(store.TableAppointments))
	assert.Empty(t, f.db.Bookings(store.TableDiscoveries))
	assert.Zero(t, f.users.getCalls)
}

func TestAppointmentRoutedByMapping(t *testing.T) {
	f := newFixture(t)
	f.mapCalendar("cal-sales", store.TableAppointments, true)
	f.mapCalendar("cal-disco", store.TableDiscoveries, true)
	ctx := context.Background()

	out, err := f.appts.Process(ctx, f.account, appointmentEvent("a-1", "cal-sales"))
	require.NoError(t, err)
	assert.Equal(t, store.TableAppointments, out.Table)

	out, err = f.appts.Process(ctx, f.account, appointmentEvent("a-2", "cal-disco"))
	require.NoError(t, err)
	assert.Equal(t, store.TableDiscoveries, out.Table)

	appts := f.db.Bookings(store.TableAppointments)
	require.Len(t, appts, 1)
	b := appts[0]
	assert.Equal(t, "a-1", b.GHLAppointmentID)
	assert.Equal(t, "Lee Lead", b.ContactName)
	assert.Equal(t, SetterPlaceholder, b.SetterName)
	assert.Equal(t, "Rita Rep", *b.SalesRepName)
	assert.Equal(t, "Strategy call", *b.Title)
	assert.Equal(t, baseTime, b.DateBooked)
	assert.Equal(t, baseTime.Add(48*time.Hour), *b.DateOfAppointment)
	require.NotNil(t, b.Attribution.UTMSource)
	assert.Equal(t, "facebook", *b.Attribution.UTMSource)

	require.Len(t, f.db.Bookings(store.TableDiscoveries), 1)
}

func TestRedeliveredAppointmentIsNotDuplicated(t *testing.T) {
	f := newFixture(t)
	f.mapCalendar("cal-sales", store.TableAppointments, true)
	ctx := context.Background()

	first, err := f.appts.Process(ctx, f.account, appointmentEvent("a-1", "cal-sales"))
	require.NoError(t, err)
	second, err := f.appts.Process(ctx, f.account, appointmentEvent("a-1", "cal-sales"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, *first.BookingID, *second.BookingID)
	assert.Len(t, f.db.Bookings(store.TableAppointments), 1)
}

func TestLateAppointmentLinksEarlierDial(t *testing.T) {
	f := newFixture(t)
	f.mapCalendar("cal-sales", store.TableAppointments, true)
	ctx := context.Background()

	_, err := f.calls.Process(ctx, f.account, outbound("m-far", 45, baseTime.Add(-50*time.Minute)))
	require.NoError(t, err)
	_, err = f.calls.Process(ctx, f.account, outbound("m-near", 45, baseTime.Add(-10*time.Minute)))
	require.NoError(t, err)

	out, err := f.appts.Process(ctx, f.account, appointmentEvent("a-1", "cal-sales"))
	require.NoError(t, err)
	require.NotNil(t, out.DialID)

	for _, d := range f.db.Dials() {
		if *d.GHLMessageID == "m-near" {
			assert.True(t, d.Booked)
			assert.Equal(t, *out.BookingID, *d.BookedAppointmentID)
		} else {
			assert.False(t, d.Booked)
		}
	}
}

func TestDiscoveryDoesNotLinkDials(t *testing.T) {
	f := newFixture(t)
	f.mapCalendar("cal-disco", store.TableDiscoveries, true)
	ctx := context.Background()

	_, err := f.calls.Process(ctx, f.account, outbound("m-1", 45, baseTime))
	require.NoError(t, err)
	out, err := f.appts.Process(ctx, f.account, appointmentEvent("a-1", "cal-disco"))
	require.NoError(t, err)
	assert.Nil(t, out.DialID)
	assert.False(t, f.db.Dials()[0].Booked)
}

func TestAppointmentDeleteUnlinksDials(t *testing.T) {
	f := newFixture(t)
	f.mapCalendar("cal-sales", store.TableAppointments, true)
	ctx := context.Background()

	_, err := f.appts.Process(ctx, f.account, appointmentEvent("a-1", "cal-sales"))
	require.NoError(t, err)
	_, err = f.calls.Process(ctx, f.account, outbound("m-1", 45, baseTime.Add(5*time.Minute)))
	require.NoError(t, err)
	require.True(t, f.db.Dials()[0].Booked)

	out, err := f.appts.ProcessDelete(ctx, f.account, AppointmentEvent{ID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, DeleteOutcome{Deleted: 1, DialsCleared: 1}, out)
	assert.Empty(t, f.db.Bookings(store.TableAppointments))
	assert.False(t, f.db.Dials()[0].Booked)
	assert.Nil(t, f.db.Dials()[0].BookedAppointmentID)

	out, err = f.appts.ProcessDelete(ctx, f.account, AppointmentEvent{ID: "a-1"})
	require.NoError(t, err)
	assert.Zero(t, out.Deleted)
}
