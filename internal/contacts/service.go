// Package contacts keeps the local contact table in step with the CRM.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/attribution"
	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// ContactFetcher loads a single contact from the CRM.
type ContactFetcher interface {
	GetContact(ctx context.Context, token, id string) (*crm.Contact, error)
}

type Service struct {
	contacts store.ContactRepository
	crm      ContactFetcher
}

func NewService(contacts store.ContactRepository, client ContactFetcher) *Service {
	return &Service{contacts: contacts, crm: client}
}

// UpsertContact stores c for accountID, overwriting any previous copy. Local time
// buckets use the contact's timezone, then accountTimezone, then UTC.
func (s *Service) UpsertContact(ctx context.Context, c crm.Contact, accountID uuid.UUID, accountTimezone string) (uuid.UUID, error) {
	if strings.TrimSpace(c.ID) == "" {
		return uuid.Nil, errors.New("contact id is required")
	}

	row := store.Contact{
		AccountID:    accountID,
		GHLContactID: c.ID,
		Name:         c.DisplayName(),
		FirstName:    strings.TrimSpace(c.FirstName),
		LastName:     strings.TrimSpace(c.LastName),
		Email:        optional(strings.ToLower(c.Email)),
		Phone:        optional(c.Phone),
		Source:       optional(c.Source),
		Tags:         c.Tags,
		Timezone:     optional(c.Timezone),
		Attribution:  MapAttribution(c.AttributionSource),
	}

	if c.DateAdded != nil {
		created := c.DateAdded.UTC()
		loc := resolveLocation(c.Timezone, accountTimezone)
		date, week, month := LocalBuckets(created, loc)
		row.GHLCreatedAt = &created
		row.GHLLocalDate, row.GHLLocalWeek, row.GHLLocalMonth = &date, &week, &month
	}

	id, err := s.contacts.Upsert(ctx, row)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert contact %s: %w", c.ID, err)
	}
	return id, nil
}

// EnsureContactExists returns the local contact, fetching and storing it from
// the CRM on a miss.
func (s *Service) EnsureContactExists(ctx context.Context, account *store.Account, token, ghlContactID string) (*store.Contact, error) {
	existing, err := s.contacts.GetByGHLID(ctx, account.ID, ghlContactID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup contact: %w", err)
	}

	remote, err := s.crm.GetContact(ctx, token, ghlContactID)
	if err != nil {
		return nil, fmt.Errorf("fetch contact %s: %w", ghlContactID, err)
	}
	if remote.ID == "" {
		remote.ID = ghlContactID
	}
	if _, err := s.UpsertContact(ctx, *remote, account.ID, account.Timezone); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Str("ghl_contact_id", ghlContactID).Msg("contact synced on demand")
	return s.contacts.GetByGHLID(ctx, account.ID, ghlContactID)
}

// LocalBuckets returns the local date, the Monday that starts its week and the
// first of its month, all formatted yyyy-MM-dd in loc.
func LocalBuckets(createdAt time.Time, loc *time.Location) (date, week, month string) {
	if loc == nil {
		loc = time.UTC
	}
	local := createdAt.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := (int(day.Weekday()) + 6) % 7
	weekStart := day.AddDate(0, 0, -offset)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	return day.Format(dateLayout), weekStart.Format(dateLayout), monthStart.Format(dateLayout)
}

func resolveLocation(names ...string) *time.Location {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// MapAttribution converts the CRM first-touch record into stored fields and
// classifies it.
func MapAttribution(src *crm.AttributionSource) store.Attribution {
	if src == nil {
		return store.Attribution{}
	}
	campaign := src.UTMCampaign
	if strings.TrimSpace(campaign) == "" {
		campaign = src.Campaign
	}
	a := store.Attribution{
		UTMSource:   optional(src.UTMSource),
		UTMMedium:   optional(src.UTMMedium),
		UTMCampaign: optional(campaign),
		UTMContent:  optional(src.UTMContent),
		UTMTerm:     optional(src.UTMTerm),
		FBCLID:      optional(src.FBCLID),
		GCLID:       optional(src.GCLID),
		AdID:        optional(src.AdID),
		CampaignID:  optional(src.CampaignID),
		AdsetID:     optional(src.AdsetID),
		LandingURL:  optional(src.URL),
		Referrer:    optional(src.Referrer),
		FBP:         optional(src.FBP),
		FBC:         optional(src.FBC),
	}
	if a.IsEmpty() {
		return a
	}
	res := attribution.Classify(attribution.SignalsFrom(a, a.FBP != nil || a.FBC != nil))
	a.Quality, a.Method = &res.Quality, &res.Method
	return a
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
