// Package memstore is an in-memory implementation of the store repositories
// used for local development and service tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/store"
)

// DB holds every table behind a single mutex.
type DB struct {
	mu sync.Mutex

	accounts     map[uuid.UUID]store.Account
	contacts     map[uuid.UUID]store.Contact
	dials        map[uuid.UUID]store.Dial
	bookings     map[store.BookingTable]map[uuid.UUID]store.Booking
	mappings     map[mappingKey]store.CalendarMapping
	profiles     map[uuid.UUID]store.Profile
	members      map[uuid.UUID][]uuid.UUID
	events       []store.AttributionEvent
	tokenUpdates int
}

type mappingKey struct {
	account  uuid.UUID
	calendar string
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{
		accounts: map[uuid.UUID]store.Account{},
		contacts: map[uuid.UUID]store.Contact{},
		dials:    map[uuid.UUID]store.Dial{},
		bookings: map[store.BookingTable]map[uuid.UUID]store.Booking{
			store.TableAppointments: {},
			store.TableDiscoveries:  {},
		},
		mappings: map[mappingKey]store.CalendarMapping{},
		profiles: map[uuid.UUID]store.Profile{},
		members:  map[uuid.UUID][]uuid.UUID{},
	}
}

// New returns a store.Store backed by a fresh in-memory database.
func New() (*store.Store, *DB) {
	db := NewDB()
	return db.Store(), db
}

// Store wires the repositories over db.
func (db *DB) Store() *store.Store {
	s := &store.Store{
		Accounts:          &accounts{db},
		Contacts:          &contacts{db},
		Dials:             &dials{db},
		Appointments:      &bookings{db: db, table: store.TableAppointments},
		Discoveries:       &bookings{db: db, table: store.TableDiscoveries},
		CalendarMappings:  &mappings{db},
		Profiles:          &profiles{db},
		AttributionEvents: &events{db},
	}
	return s.WithHealthCheck(db)
}

// Ping always succeeds.
func (db *DB) Ping(ctx context.Context) error { return nil }

// PutAccount inserts or replaces an account.
func (db *DB) PutAccount(a store.Account) store.Account {
	db.mu.Lock()
	defer db.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = time.Now().UTC()
	db.accounts[a.ID] = a
	return a
}

// PutMapping inserts or replaces a calendar mapping.
func (db *DB) PutMapping(m store.CalendarMapping) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.mappings[mappingKey{m.AccountID, m.GHLCalendarID}] = m
}

// PutProfile inserts a profile and, when accountID is set, makes it a member of that account.
func (db *DB) PutProfile(p store.Profile, accountID uuid.UUID) store.Profile {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	db.profiles[p.ID] = p
	if accountID != uuid.Nil {
		db.members[accountID] = append(db.members[accountID], p.ID)
	}
	return p
}

// Account returns a copy of the stored account.
func (db *DB) Account(id uuid.UUID) (store.Account, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, ok := db.accounts[id]
	return a, ok
}

// TokenUpdates reports how many times UpdateTokens succeeded.
func (db *DB) TokenUpdates() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tokenUpdates
}

// Dials returns all dials ordered by call time.
func (db *DB) Dials() []store.Dial {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.Dial, 0, len(db.dials))
	for _, d := range db.dials {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCalled.Before(out[j].DateCalled) })
	return out
}

// Bookings returns all rows of a booking table ordered by date booked.
func (db *DB) Bookings(table store.BookingTable) []store.Booking {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.Booking, 0, len(db.bookings[table]))
	for _, b := range db.bookings[table] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateBooked.Before(out[j].DateBooked) })
	return out
}

// PutBooking stores a booking row directly.
func (db *DB) PutBooking(b store.Booking) store.Booking {
	db.mu.Lock()
	defer db.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.Table == "" {
		b.Table = store.TableAppointments
	}
	db.bookings[b.Table][b.ID] = b
	return b
}

// Contacts returns all contacts.
func (db *DB) Contacts() []store.Contact {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.Contact, 0, len(db.contacts))
	for _, c := range db.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GHLContactID < out[j].GHLContactID })
	return out
}

// Events returns stored attribution events.
func (db *DB) Events() []store.AttributionEvent {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]store.AttributionEvent(nil), db.events...)
}

type accounts struct{ db *DB }

func (r *accounts) GetByID(ctx context.Context, id uuid.UUID) (*store.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (r *accounts) GetByLocationID(ctx context.Context, locationID string) (*store.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var match *store.Account
	for _, a := range r.db.accounts {
		if a.LocationID != nil && *a.LocationID == locationID {
			if match == nil || a.CreatedAt.Before(match.CreatedAt) {
				a := a
				match = &a
			}
		}
	}
	if match == nil {
		return nil, store.ErrNotFound
	}
	return match, nil
}

func (r *accounts) ListOAuthConnected(ctx context.Context) ([]store.Account, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []store.Account
	for _, a := range r.db.accounts {
		if a.IsOAuthConnected() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *accounts) UpdateTokens(ctx context.Context, id uuid.UUID, update store.TokenUpdate) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	access, refresh, expires := update.AccessToken, update.RefreshToken, update.ExpiresAt
	a.AccessToken, a.RefreshToken, a.TokenExpiresAt = &access, &refresh, &expires
	a.UpdatedAt = time.Now().UTC()
	r.db.accounts[id] = a
	r.db.tokenUpdates++
	return nil
}

func (r *accounts) SetLocationID(ctx context.Context, id uuid.UUID, locationID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	a, ok := r.db.accounts[id]
	if !ok {
		return store.ErrNotFound
	}
	a.LocationID = &locationID
	a.UpdatedAt = time.Now().UTC()
	r.db.accounts[id] = a
	return nil
}

type contacts struct{ db *DB }

func (r *contacts) Upsert(ctx context.Context, c store.Contact) (uuid.UUID, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := time.Now().UTC()
	for id, existing := range r.db.contacts {
		if existing.AccountID == c.AccountID && existing.GHLContactID == c.GHLContactID {
			c.ID = id
			c.CreatedAt = existing.CreatedAt
			c.UpdatedAt = now
			r.db.contacts[id] = c
			return id, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	r.db.contacts[c.ID] = c
	return c.ID, nil
}

func (r *contacts) GetByGHLID(ctx context.Context, accountID uuid.UUID, ghlContactID string) (*store.Contact, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, c := range r.db.contacts {
		if c.AccountID == accountID && c.GHLContactID == ghlContactID {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *contacts) ApplyAttribution(ctx context.Context, accountID uuid.UUID, email, phone *string, attr store.Attribution) ([]uuid.UUID, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []uuid.UUID
	for id, c := range r.db.contacts {
		if c.AccountID != accountID {
			continue
		}
		emailMatch := email != nil && c.Email != nil && strings.EqualFold(*c.Email, *email)
		phoneMatch := phone != nil && c.Phone != nil && *c.Phone == *phone
		if !emailMatch && !phoneMatch {
			continue
		}
		c.Attribution = merge(c.Attribution, attr)
		c.UpdatedAt = time.Now().UTC()
		r.db.contacts[id] = c
		ids = append(ids, id)
	}
	return ids, nil
}

type dials struct{ db *DB }

func (r *dials) ReplaceByMessageID(ctx context.Context, d store.Dial) (*store.Dial, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if d.GHLMessageID != nil && *d.GHLMessageID != "" {
		for id, existing := range r.db.dials {
			if existing.AccountID == d.AccountID && existing.GHLMessageID != nil && *existing.GHLMessageID == *d.GHLMessageID {
				delete(r.db.dials, id)
			}
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = time.Now().UTC()
	r.db.dials[d.ID] = d
	return &d, nil
}

func (r *dials) ExistsByMessageID(ctx context.Context, accountID uuid.UUID, messageID string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, d := range r.db.dials {
		if d.AccountID == accountID && d.GHLMessageID != nil && *d.GHLMessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (r *dials) MarkBooked(ctx context.Context, dialID, appointmentID uuid.UUID) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	d, ok := r.db.dials[dialID]
	if !ok {
		return store.ErrNotFound
	}
	d.Booked = true
	d.BookedAppointmentID = &appointmentID
	r.db.dials[dialID] = d
	return nil
}

func (r *dials) FindUnbookedNear(ctx context.Context, accountID, contactID uuid.UUID, at time.Time, window time.Duration) (*store.Dial, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var best *store.Dial
	var bestDist time.Duration
	for _, d := range r.db.dials {
		if d.AccountID != accountID || d.Booked || d.ContactID == nil || *d.ContactID != contactID {
			continue
		}
		dist := absDuration(d.DateCalled.Sub(at))
		if dist > window {
			continue
		}
		if best == nil || dist < bestDist || (dist == bestDist && d.DateCalled.Before(best.DateCalled)) {
			d := d
			best, bestDist = &d, dist
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

type bookings struct {
	db    *DB
	table store.BookingTable
}

func (r *bookings) Insert(ctx context.Context, b store.Booking) (uuid.UUID, bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rows := r.db.bookings[r.table]
	for id, existing := range rows {
		if existing.AccountID == b.AccountID && existing.GHLAppointmentID == b.GHLAppointmentID {
			return id, false, nil
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Table = r.table
	b.CreatedAt = time.Now().UTC()
	rows[b.ID] = b
	return b.ID, true, nil
}

func (r *bookings) FindLinkCandidate(ctx context.Context, accountID, contactID uuid.UUID, from, to time.Time) (*store.Booking, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var best *store.Booking
	for _, b := range r.db.bookings[r.table] {
		if b.AccountID != accountID || b.ContactID == nil || *b.ContactID != contactID {
			continue
		}
		if b.DateBooked.Before(from) || b.DateBooked.After(to) {
			continue
		}
		if best == nil || b.DateBooked.Before(best.DateBooked) {
			b := b
			best = &b
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (r *bookings) DeleteByGHLID(ctx context.Context, accountID uuid.UUID, ghlAppointmentID string) (store.DeleteResult, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var res store.DeleteResult
	for id, b := range r.db.bookings[r.table] {
		if b.AccountID != accountID || b.GHLAppointmentID != ghlAppointmentID {
			continue
		}
		if r.table == store.TableAppointments {
			res.DialsCleared += r.db.unbookDials(id)
		}
		res.Bookings = append(res.Bookings, b)
		delete(r.db.bookings[r.table], id)
	}
	return res, nil
}

// unbookDials clears dials linked to appointmentID. Callers hold db.mu.
func (db *DB) unbookDials(appointmentID uuid.UUID) int64 {
	var n int64
	for id, d := range db.dials {
		if d.BookedAppointmentID != nil && *d.BookedAppointmentID == appointmentID {
			d.Booked = false
			d.BookedAppointmentID = nil
			db.dials[id] = d
			n++
		}
	}
	return n
}

func (r *bookings) ApplyAttribution(ctx context.Context, accountID uuid.UUID, contactIDs []uuid.UUID, attr store.Attribution) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(contactIDs))
	for _, id := range contactIDs {
		wanted[id] = true
	}
	for id, b := range r.db.bookings[r.table] {
		if b.AccountID == accountID && b.ContactID != nil && wanted[*b.ContactID] {
			b.Attribution = merge(b.Attribution, attr)
			r.db.bookings[r.table][id] = b
		}
	}
	return nil
}

type mappings struct{ db *DB }

func (r *mappings) Get(ctx context.Context, accountID uuid.UUID, ghlCalendarID string) (*store.CalendarMapping, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.mappings[mappingKey{accountID, ghlCalendarID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

type profiles struct{ db *DB }

func (r *profiles) GetBySubject(ctx context.Context, subject string) (*store.Profile, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, p := range r.db.profiles {
		if p.Subject == subject {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *profiles) FindMemberByEmail(ctx context.Context, accountID uuid.UUID, email string) (*store.Profile, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	email = strings.TrimSpace(email)
	for _, id := range r.db.members[accountID] {
		if p, ok := r.db.profiles[id]; ok && strings.EqualFold(p.Email, email) {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

type events struct{ db *DB }

func (r *events) Insert(ctx context.Context, e store.AttributionEvent) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	r.db.events = append(r.db.events, e)
	return nil
}

// merge mirrors the COALESCE update used by the SQL repositories.
func merge(current, incoming store.Attribution) store.Attribution {
	pick := func(cur, in *string) *string {
		if in != nil {
			return in
		}
		return cur
	}
	return store.Attribution{
		UTMSource:   pick(current.UTMSource, incoming.UTMSource),
		UTMMedium:   pick(current.UTMMedium, incoming.UTMMedium),
		UTMCampaign: pick(current.UTMCampaign, incoming.UTMCampaign),
		UTMContent:  pick(current.UTMContent, incoming.UTMContent),
		UTMTerm:     pick(current.UTMTerm, incoming.UTMTerm),
		FBCLID:      pick(current.FBCLID, incoming.FBCLID),
		GCLID:       pick(current.GCLID, incoming.GCLID),
		AdID:        pick(current.AdID, incoming.AdID),
		CampaignID:  pick(current.CampaignID, incoming.CampaignID),
		AdsetID:     pick(current.AdsetID, incoming.AdsetID),
		LandingURL:  pick(current.LandingURL, incoming.LandingURL),
		Referrer:    pick(current.Referrer, incoming.Referrer),
		FBP:         pick(current.FBP, incoming.FBP),
		FBC:         pick(current.FBC, incoming.FBC),
		Quality:     pick(current.Quality, incoming.Quality),
		Method:      pick(current.Method, incoming.Method),
		Fingerprint: pick(current.Fingerprint, incoming.Fingerprint),
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
