package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const attributionColumns = "utm_source, utm_medium, utm_campaign, utm_content, utm_term, fbclid, gclid, " +
	"ad_id, campaign_id, adset_id, landing_url, referrer, fbp, fbc, " +
	"attribution_quality, attribution_method, fingerprint"

func (a *Attribution) scanTargets() []any {
	return []any{
		&a.UTMSource, &a.UTMMedium, &a.UTMCampaign, &a.UTMContent, &a.UTMTerm,
		&a.FBCLID, &a.GCLID, &a.AdID, &a.CampaignID, &a.AdsetID,
		&a.LandingURL, &a.Referrer, &a.FBP, &a.FBC,
		&a.Quality, &a.Method, &a.Fingerprint,
	}
}

func (a Attribution) args() []any {
	vals := a.values()
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// placeholders renders "$from, $from+1, ..." for n parameters.
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

// attributionAssignments sets each attribution column from parameter $from onward,
// keeping the stored value where the parameter is NULL.
func attributionAssignments(from int) string {
	cols := strings.Split(attributionColumns, ", ")
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf("%s = COALESCE($%d, %s)", col, from+i, col)
	}
	return strings.Join(parts, ", ")
}

func excludedAssignments(cols []string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// accountRepo implements AccountRepository.
type accountRepo struct {
	pool PgxPool
}

const accountColumns = "id, name, auth_type, api_key, access_token, refresh_token, token_expires_at, " +
	"location_id, timezone, created_at, updated_at"

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Name, &a.AuthType, &a.APIKey, &a.AccessToken, &a.RefreshToken,
		&a.TokenExpiresAt, &a.LocationID, &a.Timezone, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *accountRepo) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	defer observeDB(ctx, "accounts.get_by_id")()
	row := r.pool.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err)
	}
	return acct, nil
}

func (r *accountRepo) GetByLocationID(ctx context.Context, locationID string) (*Account, error) {
	defer observeDB(ctx, "accounts.get_by_location")()
	row := r.pool.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE location_id = $1 ORDER BY created_at LIMIT 1", locationID)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err)
	}
	return acct, nil
}

func (r *accountRepo) ListOAuthConnected(ctx context.Context) ([]Account, error) {
	defer observeDB(ctx, "accounts.list_oauth")()
	rows, err := r.pool.Query(ctx, "SELECT "+accountColumns+` FROM accounts
		WHERE auth_type = $1 AND (COALESCE(access_token, '') <> '' OR COALESCE(refresh_token, '') <> '')
		ORDER BY created_at`, AuthTypeOAuth2)
	if err != nil {
		return nil, fmt.Errorf("list oauth accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

func (r *accountRepo) UpdateTokens(ctx context.Context, id uuid.UUID, update TokenUpdate) error {
	defer observeDB(ctx, "accounts.update_tokens")()
	tag, err := r.pool.Exec(ctx, `UPDATE accounts
		SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = NOW()
		WHERE id = $1`, id, update.AccessToken, update.RefreshToken, update.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) SetLocationID(ctx context.Context, id uuid.UUID, locationID string) error {
	defer observeDB(ctx, "accounts.set_location")()
	tag, err := r.pool.Exec(ctx, "UPDATE accounts SET location_id = $2, updated_at = NOW() WHERE id = $1", id, locationID)
	if err != nil {
		return fmt.Errorf("set location id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// contactRepo implements ContactRepository.
type contactRepo struct {
	pool PgxPool
}

var contactDataColumns = []string{
	"name", "first_name", "last_name", "email", "phone", "source", "tags", "timezone",
	"ghl_created_at", "ghl_local_date", "ghl_local_week", "ghl_local_month",
}

var contactSelect = "SELECT id, account_id, ghl_contact_id, name, first_name, last_name, email, phone, source, tags, " +
	"timezone, ghl_created_at, ghl_local_date, ghl_local_week, ghl_local_month, " +
	attributionColumns + ", created_at, updated_at FROM contacts"

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	dest := []any{&c.ID, &c.AccountID, &c.GHLContactID, &c.Name, &c.FirstName, &c.LastName, &c.Email, &c.Phone,
		&c.Source, &c.Tags, &c.Timezone, &c.GHLCreatedAt, &c.GHLLocalDate, &c.GHLLocalWeek, &c.GHLLocalMonth}
	dest = append(dest, c.Attribution.scanTargets()...)
	dest = append(dest, &c.CreatedAt, &c.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *contactRepo) Upsert(ctx context.Context, contact Contact) (uuid.UUID, error) {
	defer observeDB(ctx, "contacts.upsert")()
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	if contact.Tags == nil {
		contact.Tags = []string{}
	}
	updateCols := append(append([]string{}, contactDataColumns...), strings.Split(attributionColumns, ", ")...)
	query := fmt.Sprintf(`INSERT INTO contacts (id, account_id, ghl_contact_id, %s, %s, created_at, updated_at)
		VALUES (%s, NOW(), NOW())
		ON CONFLICT (account_id, ghl_contact_id) DO UPDATE SET %s, updated_at = NOW()
		RETURNING id`,
		strings.Join(contactDataColumns, ", "), attributionColumns,
		placeholders(1, 3+len(updateCols)),
		excludedAssignments(updateCols))

	args := []any{contact.ID, contact.AccountID, contact.GHLContactID,
		contact.Name, contact.FirstName, contact.LastName, contact.Email, contact.Phone, contact.Source,
		contact.Tags, contact.Timezone, contact.GHLCreatedAt, contact.GHLLocalDate, contact.GHLLocalWeek,
		contact.GHLLocalMonth}
	args = append(args, contact.Attribution.args()...)

	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("upsert contact: %w", err)
	}
	return id, nil
}

func (r *contactRepo) GetByGHLID(ctx context.Context, accountID uuid.UUID, ghlContactID string) (*Contact, error) {
	defer observeDB(ctx, "contacts.get_by_ghl_id")()
	row := r.pool.QueryRow(ctx, contactSelect+" WHERE account_id = $1 AND ghl_contact_id = $2", accountID, ghlContactID)
	c, err := scanContact(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (r *contactRepo) ApplyAttribution(ctx context.Context, accountID uuid.UUID, email, phone *string, attr Attribution) ([]uuid.UUID, error) {
	defer observeDB(ctx, "contacts.apply_attribution")()
	query := fmt.Sprintf(`UPDATE contacts SET %s, updated_at = NOW()
		WHERE account_id = $1
		  AND (($2::text IS NOT NULL AND LOWER(email) = LOWER($2::text)) OR ($3::text IS NOT NULL AND phone = $3::text))
		RETURNING id`, attributionAssignments(4))
	args := append([]any{accountID, email, phone}, attr.args()...)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("apply contact attribution: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// dialRepo implements DialRepository.
type dialRepo struct {
	pool PgxPool
}

const dialColumns = "id, account_id, ghl_message_id, ghl_contact_id, contact_id, contact_name, email, phone, " +
	"setter_name, setter_user_id, date_called, duration, call_status, direction, recording_url, " +
	"answered, meaningful_conversation, booked, booked_appointment_id, created_at"

func scanDial(row rowScanner) (*Dial, error) {
	var d Dial
	if err := row.Scan(&d.ID, &d.AccountID, &d.GHLMessageID, &d.GHLContactID, &d.ContactID, &d.ContactName,
		&d.Email, &d.Phone, &d.SetterName, &d.SetterUserID, &d.DateCalled, &d.Duration, &d.CallStatus,
		&d.Direction, &d.RecordingURL, &d.Answered, &d.MeaningfulConversation, &d.Booked,
		&d.BookedAppointmentID, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *dialRepo) ReplaceByMessageID(ctx context.Context, dial Dial) (*Dial, error) {
	defer observeDB(ctx, "dials.replace")()
	if dial.ID == uuid.Nil {
		dial.ID = uuid.New()
	}
	saved, err := r.replace(ctx, dial)
	if isUniqueViolation(err) {
		// A concurrent delivery inserted the same message between our delete and insert.
		saved, err = r.replace(ctx, dial)
	}
	if err != nil {
		return nil, fmt.Errorf("replace dial: %w", err)
	}
	return saved, nil
}

func (r *dialRepo) replace(ctx context.Context, dial Dial) (*Dial, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if dial.GHLMessageID != nil && *dial.GHLMessageID != "" {
		if _, err := tx.Exec(ctx, "DELETE FROM dials WHERE account_id = $1 AND ghl_message_id = $2", dial.AccountID, *dial.GHLMessageID); err != nil {
			return nil, err
		}
	}

	err = tx.QueryRow(ctx, `INSERT INTO dials (id, account_id, ghl_message_id, ghl_contact_id, contact_id, contact_name,
			email, phone, setter_name, setter_user_id, date_called, duration, call_status, direction, recording_url,
			answered, meaningful_conversation, booked, booked_appointment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW())
		RETURNING created_at`,
		dial.ID, dial.AccountID, dial.GHLMessageID, dial.GHLContactID, dial.ContactID, dial.ContactName,
		dial.Email, dial.Phone, dial.SetterName, dial.SetterUserID, dial.DateCalled, dial.Duration, dial.CallStatus,
		dial.Direction, dial.RecordingURL, dial.Answered, dial.MeaningfulConversation, dial.Booked,
		dial.BookedAppointmentID).Scan(&dial.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &dial, nil
}

func (r *dialRepo) ExistsByMessageID(ctx context.Context, accountID uuid.UUID, messageID string) (bool, error) {
	defer observeDB(ctx, "dials.exists")()
	var exists bool
	err := r.pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM dials WHERE account_id = $1 AND ghl_message_id = $2)",
		accountID, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dial: %w", err)
	}
	return exists, nil
}

func (r *dialRepo) MarkBooked(ctx context.Context, dialID, appointmentID uuid.UUID) error {
	defer observeDB(ctx, "dials.mark_booked")()
	tag, err := r.pool.Exec(ctx, "UPDATE dials SET booked = TRUE, booked_appointment_id = $2 WHERE id = $1", dialID, appointmentID)
	if err != nil {
		return fmt.Errorf("mark dial booked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *dialRepo) FindUnbookedNear(ctx context.Context, accountID, contactID uuid.UUID, at time.Time, window time.Duration) (*Dial, error) {
	defer observeDB(ctx, "dials.find_unbooked")()
	row := r.pool.QueryRow(ctx, "SELECT "+dialColumns+` FROM dials
		WHERE account_id = $1 AND contact_id = $2 AND booked = FALSE AND date_called BETWEEN $3 AND $4
		ORDER BY ABS(EXTRACT(EPOCH FROM (date_called - $5::timestamptz))), date_called
		LIMIT 1`, accountID, contactID, at.Add(-window), at.Add(window), at)
	d, err := scanDial(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// bookingRepo implements BookingRepository for one of the booking tables.
type bookingRepo struct {
	pool  PgxPool
	table BookingTable
}

const bookingColumns = "id, account_id, ghl_appointment_id, ghl_calendar_id, ghl_contact_id, contact_id, contact_name, " +
	"email, phone, title, setter_name, sales_rep_name, sales_rep_user_id, date_booked, date_of_appointment, " +
	attributionColumns + ", created_at"

func (r *bookingRepo) scan(row rowScanner) (*Booking, error) {
	b := Booking{Table: r.table}
	dest := []any{&b.ID, &b.AccountID, &b.GHLAppointmentID, &b.GHLCalendarID, &b.GHLContactID, &b.ContactID,
		&b.ContactName, &b.Email, &b.Phone, &b.Title, &b.SetterName, &b.SalesRepName, &b.SalesRepUserID,
		&b.DateBooked, &b.DateOfAppointment}
	dest = append(dest, b.Attribution.scanTargets()...)
	dest = append(dest, &b.CreatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *bookingRepo) op(name string) string {
	return string(r.table) + "." + name
}

func (r *bookingRepo) Insert(ctx context.Context, booking Booking) (uuid.UUID, bool, error) {
	defer observeDB(ctx, r.op("insert"))()
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, account_id, ghl_appointment_id, ghl_calendar_id, ghl_contact_id, contact_id,
			contact_name, email, phone, title, setter_name, sales_rep_name, sales_rep_user_id, date_booked,
			date_of_appointment, %s, created_at)
		VALUES (%s, NOW())
		ON CONFLICT (account_id, ghl_appointment_id) DO NOTHING
		RETURNING id`, r.table, attributionColumns, placeholders(1, 15+17))
	args := []any{booking.ID, booking.AccountID, booking.GHLAppointmentID, booking.GHLCalendarID, booking.GHLContactID,
		booking.ContactID, booking.ContactName, booking.Email, booking.Phone, booking.Title, booking.SetterName,
		booking.SalesRepName, booking.SalesRepUserID, booking.DateBooked, booking.DateOfAppointment}
	args = append(args, booking.Attribution.args()...)

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, args...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("insert %s: %w", r.table, err)
	}

	err = r.pool.QueryRow(ctx, fmt.Sprintf("SELECT id FROM %s WHERE account_id = $1 AND ghl_appointment_id = $2", r.table),
		booking.AccountID, booking.GHLAppointmentID).Scan(&id)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("load existing %s: %w", r.table, err)
	}
	return id, false, nil
}

func (r *bookingRepo) FindLinkCandidate(ctx context.Context, accountID, contactID uuid.UUID, from, to time.Time) (*Booking, error) {
	defer observeDB(ctx, r.op("find_link_candidate"))()
	row := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s
		WHERE account_id = $1 AND contact_id = $2 AND date_booked BETWEEN $3 AND $4
		ORDER BY date_booked ASC
		LIMIT 1`, bookingColumns, r.table), accountID, contactID, from, to)
	b, err := r.scan(row)
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (r *bookingRepo) DeleteByGHLID(ctx context.Context, accountID uuid.UUID, ghlAppointmentID string) (DeleteResult, error) {
	defer observeDB(ctx, r.op("delete"))()
	var res DeleteResult

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("delete %s: %w", r.table, err)
	}
	defer tx.Rollback(ctx)

	// Must run before the delete: ON DELETE SET NULL clears the link but leaves booked set.
	if r.table == TableAppointments {
		tag, err := tx.Exec(ctx, `UPDATE dials SET booked = FALSE, booked_appointment_id = NULL
			WHERE booked_appointment_id IN (SELECT id FROM appointments WHERE account_id = $1 AND ghl_appointment_id = $2)`,
			accountID, ghlAppointmentID)
		if err != nil {
			return res, fmt.Errorf("unbook dials: %w", err)
		}
		res.DialsCleared = tag.RowsAffected()
	}

	res.Bookings, err = r.deleteRows(ctx, tx, accountID, ghlAppointmentID)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return DeleteResult{}, fmt.Errorf("commit %s delete: %w", r.table, err)
	}
	return res, nil
}

func (r *bookingRepo) deleteRows(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, ghlAppointmentID string) ([]Booking, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf("DELETE FROM %s WHERE account_id = $1 AND ghl_appointment_id = $2 RETURNING %s",
		r.table, bookingColumns), accountID, ghlAppointmentID)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", r.table, err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		b, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.table, err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *bookingRepo) ApplyAttribution(ctx context.Context, accountID uuid.UUID, contactIDs []uuid.UUID, attr Attribution) error {
	if len(contactIDs) == 0 {
		return nil
	}
	defer observeDB(ctx, r.op("apply_attribution"))()
	query := fmt.Sprintf("UPDATE %s SET %s WHERE account_id = $1 AND contact_id = ANY($2)",
		r.table, attributionAssignments(3))
	args := append([]any{accountID, contactIDs}, attr.args()...)
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("apply %s attribution: %w", r.table, err)
	}
	return nil
}

// calendarMappingRepo implements CalendarMappingRepository.
type calendarMappingRepo struct {
	pool PgxPool
}

func (r *calendarMappingRepo) Get(ctx context.Context, accountID uuid.UUID, ghlCalendarID string) (*CalendarMapping, error) {
	defer observeDB(ctx, "calendar_mappings.get")()
	m := CalendarMapping{AccountID: accountID, GHLCalendarID: ghlCalendarID}
	var target string
	err := r.pool.QueryRow(ctx, "SELECT is_enabled, target_table FROM calendar_mappings WHERE account_id = $1 AND ghl_calendar_id = $2",
		accountID, ghlCalendarID).Scan(&m.IsEnabled, &target)
	if err != nil {
		return nil, notFound(err)
	}
	table, ok := ParseBookingTable(target)
	if !ok {
		return nil, fmt.Errorf("calendar mapping %s: unknown target table %q", ghlCalendarID, target)
	}
	m.TargetTable = table
	return &m, nil
}

// profileRepo implements ProfileRepository.
type profileRepo struct {
	pool PgxPool
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	if err := row.Scan(&p.ID, &p.Subject, &p.Email, &p.FullName, &p.Role); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *profileRepo) GetBySubject(ctx context.Context, subject string) (*Profile, error) {
	defer observeDB(ctx, "profiles.get_by_subject")()
	p, err := scanProfile(r.pool.QueryRow(ctx, "SELECT id, subject, email, full_name, role FROM profiles WHERE subject = $1", subject))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (r *profileRepo) FindMemberByEmail(ctx context.Context, accountID uuid.UUID, email string) (*Profile, error) {
	defer observeDB(ctx, "profiles.find_member")()
	p, err := scanProfile(r.pool.QueryRow(ctx, `SELECT p.id, p.subject, p.email, p.full_name, p.role
		FROM profiles p
		JOIN account_members m ON m.profile_id = p.id
		WHERE m.account_id = $1 AND LOWER(p.email) = LOWER($2)
		LIMIT 1`, accountID, strings.TrimSpace(email)))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

// attributionEventRepo implements AttributionEventRepository.
type attributionEventRepo struct {
	pool PgxPool
}

func (r *attributionEventRepo) Insert(ctx context.Context, event AttributionEvent) error {
	defer observeDB(ctx, "attribution_events.insert")()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO attribution_events (id, account_id, event_type, session_id, page_url, email, phone,
			pixel_found, received_at, %s)
		VALUES (%s)`, attributionColumns, placeholders(1, 9+17))
	args := []any{event.ID, event.AccountID, event.EventType, event.SessionID, event.PageURL, event.Email, event.Phone,
		event.PixelFound, event.ReceivedAt}
	args = append(args, event.Attribution.args()...)
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert attribution event: %w", err)
	}
	return nil
}
