// Package driver implements the pagination driver: the state machine that
// walks a paginated source page by page, hands records to the
// deduplicating writer, and advances the durable checkpoint.
//
// The ordering guarantee is write-then-checkpoint: a page's records are
// durably committed before the cursor advances. A crash between the two
// re-fetches and re-writes the last page on resume, which dedup in the
// writer makes safe (at-least-once delivery, exactly-once storage).
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/convoharvest/convoharvest/pkg/fetch"
	"github.com/convoharvest/convoharvest/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for driver operations.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_total",
		Help: "Total pages processed by result",
	}, []string{"result"}) // "ok", "empty", "no_progress"

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_sessions_total",
		Help: "Total finished sessions by outcome",
	}, []string{"outcome"})
)

// ErrRetriesExhausted is returned when all retry attempts for a page are
// exhausted. The session is aborted but the checkpoint is unchanged from
// before the failing page, so the run can be resumed later.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// Config holds the driver configuration.
type Config struct {
	// MaxRetries is the maximum number of attempts per page, including
	// the initial one.
	MaxRetries int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMax is the maximum backoff duration.
	BackoffMax time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// MaxRecords caps newly inserted records per run (0 = unlimited).
	// The batch that reaches the cap is truncated, and the checkpoint
	// is not advanced past the truncated page, so a later run picks up
	// the remainder without gaps.
	MaxRecords int

	// SkipEmpty drops items whose payload carries no messages.
	SkipEmpty bool

	// AllowCheckpointReset treats a corrupted checkpoint as a fresh
	// start instead of a fatal error. Destructive: earlier progress is
	// re-fetched.
	AllowCheckpointReset bool
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BackoffBase:       1 * time.Second,
		BackoffMax:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Result is the outcome of one Run call.
type Result struct {
	Outcome         store.SessionOutcome
	Checkpoint      store.Checkpoint
	PagesFetched    int
	RecordsInserted int
}

// Driver orchestrates page-by-page collection for one session. A single
// driver runs one session sequentially; run multiple drivers for multiple
// sessions, sharing the stores.
type Driver struct {
	fetcher     fetch.Fetcher
	writer      store.RecordWriter
	checkpoints store.CheckpointStore
	sessions    store.SessionStore
	config      Config
	logger      zerolog.Logger
}

// New creates a driver.
func New(fetcher fetch.Fetcher, writer store.RecordWriter, checkpoints store.CheckpointStore, sessions store.SessionStore, cfg Config) *Driver {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	return &Driver{
		fetcher:     fetcher,
		writer:      writer,
		checkpoints: checkpoints,
		sessions:    sessions,
		config:      cfg,
		logger:      log.With().Str("component", "driver").Logger(),
	}
}

// Run collects pages for a session until the source is exhausted, a fatal
// error occurs, or retries run out. If a committed checkpoint exists for
// the session, collection resumes from its cursor; otherwise it starts
// from the beginning.
//
// The returned Result always carries the last committed checkpoint and
// the final session outcome, also when err is non-nil.
func (d *Driver) Run(ctx context.Context, sessionID string) (*Result, error) {
	logger := d.logger.With().Str("session_id", sessionID).Logger()

	if err := d.sessions.StartSession(ctx, sessionID, time.Now()); err != nil {
		return nil, err
	}

	res := &Result{Outcome: store.OutcomeRunning}

	cp, err := d.checkpoints.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrCheckpointCorrupt) && d.config.AllowCheckpointReset {
			logger.Warn().Err(err).Msg("Checkpoint corrupt, resetting per configuration")
			cp = nil
		} else {
			// Fatal without the reset flag: operator intervention needed.
			return d.finish(ctx, sessionID, res, store.OutcomeAborted, err)
		}
	}

	cursor := ""
	if cp != nil {
		if cp.Status == store.StatusComplete {
			logger.Info().Msg("Checkpoint already complete, nothing to collect")
			res.Checkpoint = *cp
			return d.finish(ctx, sessionID, res, store.OutcomeSucceeded, nil)
		}
		cursor = cp.Cursor
		res.Checkpoint = *cp
		logger.Info().Str("cursor", cursor).Msg("Resuming from committed checkpoint")
	}

	for {
		// Cancellation is only observed here and during backoff waits,
		// never mid-batch.
		select {
		case <-ctx.Done():
			logger.Warn().Msg("Run cancelled")
			return d.finish(ctx, sessionID, res, store.OutcomeAborted, ctx.Err())
		default:
		}

		if d.config.MaxRecords > 0 && res.RecordsInserted >= d.config.MaxRecords {
			logger.Info().
				Int("records", res.RecordsInserted).
				Msg("Record cap reached, stopping early")
			return d.finish(ctx, sessionID, res, store.OutcomeSucceeded, nil)
		}

		page, err := d.fetchWithRetry(ctx, logger, cursor)
		if err != nil {
			switch {
			case errors.Is(err, ErrRetriesExhausted):
				logger.Warn().Err(err).Str("cursor", cursor).
					Msg("Retries exhausted, suspending session (resumable)")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				logger.Warn().Str("cursor", cursor).Msg("Run cancelled during backoff")
			default:
				logger.Error().Err(err).Str("cursor", cursor).Msg("Fatal fetch error")
				d.markFailed(ctx, sessionID, cursor, res, logger)
			}
			return d.finish(ctx, sessionID, res, store.OutcomeAborted, err)
		}

		res.PagesFetched++

		records := d.normalize(page.Items)
		truncated := false
		if d.config.MaxRecords > 0 {
			if room := d.config.MaxRecords - res.RecordsInserted; len(records) > room {
				records = records[:room]
				truncated = true
			}
		}
		inserted := 0
		if len(records) > 0 {
			inserted, err = d.writer.WriteBatch(ctx, sessionID, records)
			if err != nil {
				logger.Error().Err(err).Str("cursor", cursor).Msg("Batch write failed")
				return d.finish(ctx, sessionID, res, store.OutcomeAborted, err)
			}
			res.RecordsInserted += inserted
		}

		switch {
		case len(records) == 0:
			pagesTotal.WithLabelValues("empty").Inc()
		case inserted == 0:
			// Every record on the page was already stored. The cursor
			// still advances; this is a hint that the upstream data is
			// exhausted even though pagination continues.
			pagesTotal.WithLabelValues("no_progress").Inc()
		default:
			pagesTotal.WithLabelValues("ok").Inc()
		}

		if truncated {
			// Committing this page's next cursor would skip the records
			// cut at the cap. The checkpoint stays at the current page;
			// a later run re-fetches it and dedup absorbs the overlap.
			logger.Info().
				Int("records", res.RecordsInserted).
				Msg("Record cap reached, stopping early")
			return d.finish(ctx, sessionID, res, store.OutcomeSucceeded, nil)
		}

		logger.Debug().
			Str("cursor", cursor).
			Int("items", len(page.Items)).
			Int("inserted", inserted).
			Str("next_cursor", page.NextCursor).
			Msg("Page committed")

		// Records are durable now; only now does the cursor advance.
		next := store.Checkpoint{
			Cursor:          page.NextCursor,
			Status:          store.StatusInProgress,
			LastCommittedAt: time.Now(),
		}
		if page.NextCursor == "" {
			next.Status = store.StatusComplete
		}
		if err := d.checkpoints.Commit(ctx, sessionID, next); err != nil {
			logger.Error().Err(err).Msg("Checkpoint commit failed")
			return d.finish(ctx, sessionID, res, store.OutcomeAborted, err)
		}
		res.Checkpoint = next

		if page.NextCursor == "" {
			logger.Info().
				Int("pages", res.PagesFetched).
				Int("records", res.RecordsInserted).
				Msg("Source exhausted, session complete")
			return d.finish(ctx, sessionID, res, store.OutcomeSucceeded, nil)
		}
		cursor = page.NextCursor
	}
}

// finish records the session outcome and returns the result. The original
// error always wins over bookkeeping failures.
func (d *Driver) finish(ctx context.Context, sessionID string, res *Result, outcome store.SessionOutcome, runErr error) (*Result, error) {
	res.Outcome = outcome
	sessionsTotal.WithLabelValues(string(outcome)).Inc()

	// Use a detached context so cancellation does not lose the outcome.
	finishCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finishCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := d.sessions.FinishSession(finishCtx, sessionID, outcome, time.Now()); err != nil {
		d.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to record session outcome")
		if runErr == nil {
			runErr = err
		}
	}
	return res, runErr
}

// markFailed commits a failed checkpoint at the cursor the fatal error
// occurred on. The cursor stays valid, so the session remains resumable
// once the underlying fault is fixed.
func (d *Driver) markFailed(ctx context.Context, sessionID, cursor string, res *Result, logger zerolog.Logger) {
	cp := store.Checkpoint{
		Cursor:          cursor,
		Status:          store.StatusFailed,
		LastCommittedAt: time.Now(),
	}
	if err := d.checkpoints.Commit(ctx, sessionID, cp); err != nil {
		logger.Error().Err(err).Msg("Failed to record failed checkpoint")
		return
	}
	res.Checkpoint = cp
}

// payloadMessages is the best-effort peek used by the empty-payload filter.
type payloadMessages struct {
	Messages []json.RawMessage `json:"messages"`
}

// normalize converts raw fetched items into records. Items with payloads
// carrying no messages are dropped when SkipEmpty is set.
func (d *Driver) normalize(items []fetch.Item) []store.Record {
	now := time.Now()
	records := make([]store.Record, 0, len(items))
	for _, item := range items {
		if d.config.SkipEmpty {
			var pm payloadMessages
			if err := json.Unmarshal(item.Raw, &pm); err == nil && len(pm.Messages) == 0 {
				continue
			}
		}
		records = append(records, store.Record{
			ExternalID:  item.ID,
			ParentID:    item.ParentID,
			Payload:     item.Raw,
			CollectedAt: now,
		})
	}
	return records
}
