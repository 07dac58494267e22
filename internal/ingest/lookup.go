package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
)

// resolver holds the lookups shared by both processors.
type resolver struct {
	users    UserDirectory
	contacts ContactEnsurer
	profiles store.ProfileRepository
}

type person struct {
	Name   string
	UserID *uuid.UUID
}

// resolveUser fetches a CRM user and matches it to an account member by email.
// When the user endpoint is off limits the location's user list is searched
// instead. Failing that, the returned person is empty.
func (r resolver) resolveUser(ctx context.Context, account *store.Account, token, userID string) (person, error) {
	var p person
	if userID == "" {
		return p, nil
	}
	logger := zerolog.Ctx(ctx)

	user, err := r.users.GetUser(ctx, token, userID)
	if errors.Is(err, crm.ErrForbidden) || errors.Is(err, crm.ErrNotFound) {
		user, err = r.findInLocation(ctx, account, token, userID)
		if err != nil {
			logger.Warn().Err(err).Str("ghl_user_id", userID).Msg("user lookup via location failed")
			return p, nil
		}
	} else if err != nil {
		return p, fmt.Errorf("fetch user %s: %w", userID, err)
	}
	if user == nil {
		logger.Debug().Str("ghl_user_id", userID).Msg("crm user not found")
		return p, nil
	}

	p.Name = user.DisplayName()
	if user.Email == "" {
		return p, nil
	}
	member, err := r.profiles.FindMemberByEmail(ctx, account.ID, user.Email)
	switch {
	case err == nil:
		p.UserID = &member.ID
		if p.Name == "" {
			p.Name = member.FullName
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return p, fmt.Errorf("match member: %w", err)
	}
	return p, nil
}

func (r resolver) findInLocation(ctx context.Context, account *store.Account, token, userID string) (*crm.User, error) {
	if account.LocationID == nil {
		return nil, nil
	}
	users, err := r.users.ListLocationUsers(ctx, token, *account.LocationID)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID == userID {
			return &users[i], nil
		}
	}
	return nil, nil
}

// resolveContact ensures the contact exists locally. A contact the CRM no longer
// knows about yields nil.
func (r resolver) resolveContact(ctx context.Context, account *store.Account, token, ghlContactID string) (*store.Contact, error) {
	if ghlContactID == "" {
		return nil, nil
	}
	c, err := r.contacts.EnsureContactExists(ctx, account, token, ghlContactID)
	if errors.Is(err, crm.ErrNotFound) {
		zerolog.Ctx(ctx).Warn().Str("ghl_contact_id", ghlContactID).Msg("contact missing in crm")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
