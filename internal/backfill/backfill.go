// Package backfill replays historical CRM calls through the call processor in
// resumable batches.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/ingest"
	"github.com/jw6ventures/leadflow/internal/metrics"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize = 50
	MaxBatchSize     = 200

	exportChannel  = "Call"
	exportPageSize = 100
	// maxPages guards against a cursor that never terminates.
	maxPages = 10000
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountNotConnected = errors.New("account is not connected to the crm")
)

// MessageExporter pages through a location's message history.
type MessageExporter interface {
	ExportMessages(ctx context.Context, token string, query crm.ExportQuery) (*crm.MessagePage, error)
}

// CallProcessor handles a single call event.
type CallProcessor interface {
	Process(ctx context.Context, account *store.Account, ev ingest.CallEvent) (ingest.CallOutcome, error)
}

type Request struct {
	AccountID uuid.UUID
	StartDate time.Time
	EndDate   time.Time
	Skip      int
	BatchSize int
}

type Result struct {
	Total      int  `json:"total"`
	BatchTotal int  `json:"batchTotal"`
	BatchStart int  `json:"batchStart"`
	BatchEnd   int  `json:"batchEnd"`
	HasMore    bool `json:"hasMore"`
	NextSkip   *int `json:"nextSkip"`
	Processed  int  `json:"processed"`
	Skipped    int  `json:"skipped"`
	Errors     int  `json:"errors"`
	Duplicates int  `json:"duplicates"`
	Inbound    int  `json:"inbound"`
}

type Orchestrator struct {
	accounts  store.AccountRepository
	dials     store.DialRepository
	tokens    ingest.TokenSource
	exporter  MessageExporter
	processor CallProcessor
}

func NewOrchestrator(s *store.Store, tokens ingest.TokenSource, exporter MessageExporter, processor CallProcessor) *Orchestrator {
	return &Orchestrator{
		accounts:  s.Accounts,
		dials:     s.Dials,
		tokens:    tokens,
		exporter:  exporter,
		processor: processor,
	}
}

// Run fetches every call in the window, then processes the outbound slice
// [Skip, Skip+BatchSize). Item failures are counted and do not stop the batch.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	account, err := o.accounts.GetByID(ctx, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !account.IsCRMConnected() {
		return nil, ErrAccountNotConnected
	}

	logger := zerolog.Ctx(ctx).With().Str("account_id", account.ID.String()).Logger()
	ctx = logger.WithContext(ctx)

	token, err := o.tokens.GetValidAccessToken(ctx, account, false)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}

	messages, err := o.exportAll(ctx, token, *account.LocationID, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	calls := make([]ingest.CallEvent, 0, len(messages))
	for _, m := range messages {
		if !m.IsCall() {
			continue
		}
		ev := ingest.CallEventFromMessage(m)
		if !ev.IsOutbound() {
			res.Inbound++
			continue
		}
		calls = append(calls, ev)
	}

	batchSize := clampBatchSize(req.BatchSize)
	skip := req.Skip
	if skip < 0 {
		skip = 0
	}
	start := min(skip, len(calls))
	end := min(skip+batchSize, len(calls))

	res.Total = len(calls)
	res.BatchStart, res.BatchEnd, res.BatchTotal = start, end, end-start
	if end < len(calls) {
		next := end
		res.HasMore, res.NextSkip = true, &next
	}

	for _, ev := range calls[start:end] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if ev.MessageID != "" {
			exists, err := o.dials.ExistsByMessageID(ctx, account.ID, ev.MessageID)
			if err != nil {
				logger.Warn().Err(err).Str("ghl_message_id", ev.MessageID).Msg("duplicate check failed")
				res.Errors++
				metrics.BackfillItem("error")
				continue
			}
			if exists {
				res.Duplicates++
				res.Skipped++
				metrics.BackfillItem("duplicate")
				continue
			}
		}
		out, err := o.processor.Process(ctx, account, ev)
		if err != nil {
			logger.Warn().Err(err).Str("ghl_message_id", ev.MessageID).Msg("backfill item failed")
			res.Errors++
			metrics.BackfillItem("error")
			continue
		}
		if out.Skipped {
			res.Skipped++
			metrics.BackfillItem("skipped")
			continue
		}
		res.Processed++
		metrics.BackfillItem("processed")
	}

	logger.Info().
		Int("total", res.Total).
		Int("batch_start", res.BatchStart).
		Int("batch_end", res.BatchEnd).
		Int("processed", res.Processed).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("backfill batch finished")
	return res, nil
}

func (o *Orchestrator) exportAll(ctx context.Context, token, locationID string, from, to time.Time) ([]crm.Message, error) {
	query := crm.ExportQuery{
		LocationID: locationID,
		Channel:    exportChannel,
		StartDate:  from,
		EndDate:    to,
		Limit:      exportPageSize,
	}
	var all []crm.Message
	for page := 0; page < maxPages; page++ {
		resp, err := o.exporter.ExportMessages(ctx, token, query)
		if err != nil {
			return nil, fmt.Errorf("export messages: %w", err)
		}
		all = append(all, resp.Messages...)
		if resp.NextCursor == "" || resp.NextCursor == query.Cursor {
			return all, nil
		}
		query.Cursor = resp.NextCursor
	}
	return nil, fmt.Errorf("export messages: more than %d pages", maxPages)
}

func clampBatchSize(n int) int {
	switch {
	case n <= 0:
		return DefaultBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	}
	return n
}
