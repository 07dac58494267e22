package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationThresholds(t *testing.T) {
	tests := []struct {
		duration   int
		status     string
		answered   bool
		meaningful bool
	}{
		{0, "completed", false, false},
		{30, "completed", false, false},
		{31, "no-answer", true, false},
		{120, "busy", true, false},
		{121, "completed", true, true},
		{900, "failed", true, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%ds_%s", tc.duration, tc.status), func(t *testing.T) {
			assert.Equal(t, tc.answered, Answered(tc.duration))
			assert.Equal(t, tc.meaningful, Meaningful(tc.duration))

			f := newFixture(t)
			ev := outbound("m-1", tc.duration, baseTime)
			ev.Status = tc.status
			out, err := f.calls.Process(context.Background(), f.account, ev)
			require.NoError(t, err)
			assert.Equal(t, tc.answered, out.Answered)
			assert.Equal(t, tc.meaningful, out.Meaningful)

			dials := f.db.Dials()
			require.Len(t, dials, 1)
			assert.Equal(t, tc.answered, dials[0].Answered)
			assert.Equal(t, tc.meaningful, dials[0].MeaningfulConversation)
		})
	}
}

func TestReplayedCallKeepsOneDialWithLatestValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.calls.Process(ctx, f.account, outbound("m-1", 20, baseTime))
	require.NoError(t, err)
	_, err = f.calls.Process(ctx, f.account, outbound("m-1", 200, baseTime))
	require.NoError(t, err)

	dials := f.db.Dials()
	require.Len(t, dials, 1)
	assert.Equal(t, 200, dials[0].Duration)
	assert.True(t, dials[0].MeaningfulConversation)
}

func TestInboundCallIsSkipped(t *testing.T) {
	f := newFixture(t)
	ev := outbound("m-1", 60, baseTime)
	ev.Direction = "inbound"

	out, err := f.calls.Process(context.Background(), f.account, ev)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, "inbound", out.Reason)
	assert.Equal(t, StageReceived, out.Stage)
	assert.Empty(t, f.db.Dials())
	assert.Zero(t, f.users.getCalls)
}

func TestCallResolvesSetterAndContact(t *testing.T) {
	f := newFixture(t)
	member := f.db.PutProfile(store.Profile{Email: "sam@acme.test", FullName: "Samuel"}, f.account.ID)

	out, err := f.calls.Process(context.Background(), f.account, outbound("m-1", 45, baseTime))
	require.NoError(t, err)
	assert.Equal(t, StageDialUpserted, out.Stage)
	assert.Equal(t, "Sam Setter", out.SetterName)

	d := f.db.Dials()[0]
	require.NotNil(t, d.SetterUserID)
	assert.Equal(t, member.ID, *d.SetterUserID)
	require.NotNil(t, d.ContactID)
	assert.Equal(t, "Lee Lead", d.ContactName)
	assert.Equal(t, "lee@example.com", *d.Email)
	assert.Equal(t, "outbound", d.Direction)
}

func TestSetterFallsBackToLocationUsers(t *testing.T) {
	f := newFixture(t)
	f.users.getErr = &crm.APIError{Operation: "get_user", Status: 403}

	out, err := f.calls.Process(context.Background(), f.account, outbound("m-1", 45, baseTime))
	require.NoError(t, err)
	assert.Equal(t, "Sam Setter", out.SetterName)
	assert.Equal(t, 1, f.users.listCalls)
	assert.Nil(t, f.db.Dials()[0].SetterUserID)
}

func TestSetterLookupFailurePropagates(t *testing.T) {
	f := newFixture(t)
	f.users.getErr = &crm.APIError{Operation: "get_user", Status: 401}

	_, err := f.calls.Process(context.Background(), f.account, outbound("m-1", 45, baseTime))
	require.Error(t, err)
	assert.True(t, errors.Is(err, crm.ErrUnauthorized))
	assert.Empty(t, f.db.Dials())
}

func TestUnknownContactStillStoresDial(t *testing.T) {
	f := newFixture(t)
	ev := outbound("m-1", 45, baseTime)
	ev.ContactID = "c-gone"

	out, err := f.calls.Process(context.Background(), f.account, ev)
	require.NoError(t, err)
	assert.Equal(t, StageDialUpserted, out.Stage)
	assert.Nil(t, f.db.Dials()[0].ContactID)
}

func TestLinkWindowIsThirtyMinutes(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		linked bool
	}{
		{"29 minutes after", 29 * time.Minute, true},
		{"exactly 30 minutes before", -30 * time.Minute, true},
		{"31 minutes after", 31 * time.Minute, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			apptID := f.putAppointment(t, "a-1", "c-1", baseTime.Add(tc.offset))

			out, err := f.calls.Process(context.Background(), f.account, outbound("m-1", 45, baseTime))
			require.NoError(t, err)

			d := f.db.Dials()[0]
			assert.Equal(t, tc.linked, d.Booked)
			if tc.linked {
				assert.Equal(t, StageAppointmentLinked, out.Stage)
				require.NotNil(t, d.BookedAppointmentID)
				assert.Equal(t, apptID, *d.BookedAppointmentID)
			} else {
				assert.Nil(t, d.BookedAppointmentID)
			}
		})
	}
}

func TestEarliestAppointmentWins(t *testing.T) {
	f := newFixture(t)
	f.putAppointment(t, "a-late", "c-1", baseTime.Add(10*time.Minute))
	early := f.putAppointment(t, "a-early", "c-1", baseTime.Add(5*time.Minute))

	out, err := f.calls.Process(context.Background(), f.account, outbound("m-1", 45, baseTime))
	require.NoError(t, err)
	require.NotNil(t, out.AppointmentID)
	assert.Equal(t, early, *out.AppointmentID)
}

func TestOtherContactsAppointmentIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.putAppointment(t, "a-1", "c-2", baseTime.Add(time.Minute))

	out, err := f.calls.Process(context.Background(), f.account, outbound("m-1", 45, baseTime))
	require.NoError(t, err)
	assert.Nil(t, out.AppointmentID)
}

func TestCallEventFromMessage(t *testing.T) {
	at := baseTime
	ev := CallEventFromMessage(crm.Message{
		ID: "m-9", ContactID: "c-1", UserID: "u-1", Direction: "outbound", Status: "delivered",
		DateAdded: &at, Attachments: []string{"https://rec/1.mp3", "https://rec/2.mp3"},
		Meta: crm.MessageMeta{Call: &crm.CallMeta{Duration: 75, Status: "completed"}},
	})
	assert.Equal(t, "m-9", ev.MessageID)
	assert.Equal(t, 75, ev.Duration)
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, "https://rec/1.mp3", ev.RecordingURL)
	assert.True(t, ev.IsOutbound())
	assert.Equal(t, at, ev.DateAdded)
}
