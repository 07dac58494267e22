package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/contacts"
	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/jw6ventures/leadflow/internal/store/memstore"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{}

func (staticTokens) GetValidAccessToken(context.Context, *store.Account, bool) (string, error) {
	return "tok", nil
}

type fakeUsers struct {
	users     map[string]crm.User
	getErr    error
	listCalls int
	getCalls  int
}

func (f *fakeUsers) GetUser(_ context.Context, _ string, id string) (*crm.User, error) {
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, &crm.APIError{Operation: "get_user", Status: 404}
	}
	return &u, nil
}

func (f *fakeUsers) ListLocationUsers(context.Context, string, string) ([]crm.User, error) {
	f.listCalls++
	var out []crm.User
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

type fakeContacts struct {
	contacts map[string]crm.Contact
}

func (f *fakeContacts) GetContact(_ context.Context, _ string, id string) (*crm.Contact, error) {
	c, ok := f.contacts[id]
	if !ok {
		return nil, &crm.APIError{Operation: "get_contact", Status: 404}
	}
	return &c, nil
}

type fixture struct {
	db      *memstore.DB
	store   *store.Store
	account *store.Account
	users   *fakeUsers
	calls   *CallProcessor
	appts   *AppointmentProcessor
}

var baseTime = time.Date(2024, 5, 6, 15, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memstore.NewDB()
	s := db.Store()
	loc, key := "loc-1", "key"
	acct := db.PutAccount(store.Account{Name: "Acme", AuthType: store.AuthTypeAPIKey, APIKey: &key, LocationID: &loc, Timezone: "UTC"})

	users := &fakeUsers{users: map[string]crm.User{
		"u-setter": {ID: "u-setter", Name: "Sam Setter", Email: "SAM@acme.test"},
		"u-rep":    {ID: "u-rep", FirstName: "Rita", LastName: "Rep", Email: "rita@acme.test"},
	}}
	crmContacts := &fakeContacts{contacts: map[string]crm.Contact{
		"c-1": {ID: "c-1", ContactName: "Lee Lead", Email: "lee@example.com", Phone: "+15550100",
			AttributionSource: &crm.AttributionSource{UTMSource: "facebook", AdID: "ad-1"}},
		"c-2": {ID: "c-2", ContactName: "Other Lead"},
	}}
	svc := contacts.NewService(s.Contacts, crmContacts)

	f := &fixture{
		db:      db,
		store:   s,
		account: &acct,
		users:   users,
		calls:   NewCallProcessor(s, staticTokens{}, users, svc),
		appts:   NewAppointmentProcessor(s, staticTokens{}, users, svc),
	}
	f.calls.now = func() time.Time { return baseTime }
	f.appts.now = func() time.Time { return baseTime }
	return f
}

func (f *fixture) mapCalendar(calendarID string, table store.BookingTable, enabled bool) {
	f.db.PutMapping(store.CalendarMapping{AccountID: f.account.ID, GHLCalendarID: calendarID, IsEnabled: enabled, TargetTable: table})
}

func (f *fixture) contactID(t *testing.T, ghlID string) uuid.UUID {
	t.Helper()
	c, err := f.store.Contacts.GetByGHLID(context.Background(), f.account.ID, ghlID)
	require.NoError(t, err)
	return c.ID
}

func (f *fixture) putAppointment(t *testing.T, ghlID string, contactGHLID string, booked time.Time) uuid.UUID {
	t.Helper()
	_, err := contacts.NewService(f.store.Contacts, &fakeContacts{}).UpsertContact(context.Background(),
		crm.Contact{ID: contactGHLID, ContactName: "Lee Lead"}, f.account.ID, "UTC")
	require.NoError(t, err)
	cid := f.contactID(t, contactGHLID)
	b := f.db.PutBooking(store.Booking{
		AccountID:        f.account.ID,
		Table:            store.TableAppointments,
		GHLAppointmentID: ghlID,
		ContactID:        &cid,
		DateBooked:       booked,
	})
	return b.ID
}

func outbound(msgID string, duration int, at time.Time) CallEvent {
	return CallEvent{
		MessageID:  msgID,
		LocationID: "loc-1",
		ContactID:  "c-1",
		UserID:     "u-setter",
		Duration:   duration,
		Status:     "completed",
		Direction:  "outbound",
		DateAdded:  at,
	}
}
