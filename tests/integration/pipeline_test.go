package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/convoharvest/convoharvest/internal/testutil"
	"github.com/convoharvest/convoharvest/pkg/driver"
	"github.com/convoharvest/convoharvest/pkg/export"
	"github.com/convoharvest/convoharvest/pkg/fetch"
	"github.com/convoharvest/convoharvest/pkg/ratelimit"
	"github.com/convoharvest/convoharvest/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

func setupSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harvest.db")
	st, err := store.NewSQLiteStore(store.SQLiteDSN(path), store.MergeSkip)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newFetcher(t *testing.T, src *testutil.MockSource, gate *ratelimit.Gate) *fetch.HTTPFetcher {
	t.Helper()
	f, err := fetch.NewHTTPFetcher(fetch.DefaultHTTPConfig(src.URL()), gate)
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	return f
}

func fastConfig() driver.Config {
	return driver.Config{
		MaxRetries:        3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// TestFullCollectionFlow runs the complete pipeline against the mock
// source: HTTP fetch through the Redis-backed gate, SQLite persistence,
// checkpointing, and export.
func TestFullCollectionFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	src := testutil.NewMockSource()
	defer src.Close()

	src.SetPages([]testutil.MockPage{
		{Items: []testutil.Conversation{
			testutil.NewConversation("conv-1", 4),
			testutil.NewConversation("conv-2", 2),
		}},
		{Items: []testutil.Conversation{
			testutil.NewConversation("conv-3", 6),
		}},
		{Items: []testutil.Conversation{}},
	})

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	gate := ratelimit.NewGate(redisClient, "mock-source", 0, logger)

	st := setupSQLite(t)
	d := driver.New(newFetcher(t, src, gate), st, st, st, fastConfig())

	res, err := d.Run(context.Background(), "sess-full")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != store.OutcomeSucceeded {
		t.Errorf("outcome = %s, want %s", res.Outcome, store.OutcomeSucceeded)
	}
	if res.RecordsInserted != 3 {
		t.Errorf("inserted = %d, want 3", res.RecordsInserted)
	}
	if res.Checkpoint.Status != store.StatusComplete {
		t.Errorf("checkpoint status = %s, want %s", res.Checkpoint.Status, store.StatusComplete)
	}

	// The gate saw the mock source's rate limit headers.
	state, err := gate.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if !state.IsHealthy {
		t.Error("gate state should be healthy after mock responses")
	}

	// Export the collected session and verify the round trip.
	exporter := export.NewExporter(st, export.Options{
		Format:           export.FormatJSON,
		Directory:        t.TempDir(),
		FilenameTemplate: "full_flow",
		IncludeMetadata:  true,
	})
	path, err := exporter.Export(context.Background(), "sess-full")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var env struct {
		Records []store.Record `json:"records"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("parse export: %v", err)
	}
	if len(env.Records) != 3 {
		t.Errorf("exported %d records, want 3", len(env.Records))
	}
}

// TestInterruptedRunResumes aborts a run with persistent rate limiting
// mid-collection, then resumes it against a recovered source. The resumed
// run must pick up at the committed cursor and must not duplicate records.
func TestInterruptedRunResumes(t *testing.T) {
	src := testutil.NewMockSource()
	defer src.Close()

	src.SetPages([]testutil.MockPage{
		{Items: []testutil.Conversation{
			testutil.NewConversation("conv-1", 2),
			testutil.NewConversation("conv-2", 2),
		}},
		{Items: []testutil.Conversation{
			testutil.NewConversation("conv-3", 2),
		}},
	})

	st := setupSQLite(t)
	ctx := context.Background()

	// The source rejects page-1 long enough to exhaust the retry budget.
	src.FailNext("page-1",
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	)

	d := driver.New(newFetcher(t, src, nil), st, st, st, fastConfig())
	res, err := d.Run(ctx, "sess-resume")
	if !errors.Is(err, driver.ErrRetriesExhausted) {
		t.Fatalf("expected retries exhausted, got %v", err)
	}
	if res.Outcome != store.OutcomeAborted {
		t.Errorf("outcome = %s, want %s", res.Outcome, store.OutcomeAborted)
	}
	if res.RecordsInserted != 2 {
		t.Errorf("first run inserted = %d, want 2", res.RecordsInserted)
	}

	cp, err := st.Load(ctx, "sess-resume")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.Cursor != "page-1" || cp.Status != store.StatusInProgress {
		t.Errorf("checkpoint = %+v, want in_progress at page-1", cp)
	}

	// Second run against the recovered source.
	firstRunRequests := src.GetRequestCount()
	d2 := driver.New(newFetcher(t, src, nil), st, st, st, fastConfig())
	res2, err := d2.Run(ctx, "sess-resume")
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if res2.Outcome != store.OutcomeSucceeded {
		t.Errorf("resumed outcome = %s, want %s", res2.Outcome, store.OutcomeSucceeded)
	}

	// Only the remaining page was fetched.
	if got := src.GetRequestCount() - firstRunRequests; got != 1 {
		t.Errorf("resumed run made %d requests, want 1", got)
	}

	recs, err := st.RecordsForSession(ctx, "sess-resume")
	if err != nil {
		t.Fatalf("RecordsForSession: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("total records = %d, want 3", len(recs))
	}
}

// TestSessionsAreIsolated runs two sessions against sources with
// overlapping conversations and verifies record-level dedup across
// sessions with per-session bookkeeping.
func TestSessionsAreIsolated(t *testing.T) {
	srcA := testutil.NewMockSource()
	defer srcA.Close()
	srcA.SetPages([]testutil.MockPage{
		{Items: []testutil.Conversation{
			testutil.NewConversation("conv-1", 2),
			testutil.NewConversation("conv-2", 2),
		}},
	})

	srcB := testutil.NewMockSource()
	defer srcB.Close()
	srcB.SetPages([]testutil.MockPage{
		{Items: []testutil.Conversation{
			testutil.NewConversation("conv-2", 2), // overlaps with session A
			testutil.NewConversation("conv-4", 2),
		}},
	})

	st := setupSQLite(t)
	ctx := context.Background()

	dA := driver.New(newFetcher(t, srcA, nil), st, st, st, fastConfig())
	resA, err := dA.Run(ctx, "sess-a")
	if err != nil {
		t.Fatalf("Run(a): %v", err)
	}
	if resA.RecordsInserted != 2 {
		t.Errorf("session a inserted = %d, want 2", resA.RecordsInserted)
	}

	dB := driver.New(newFetcher(t, srcB, nil), st, st, st, fastConfig())
	resB, err := dB.Run(ctx, "sess-b")
	if err != nil {
		t.Fatalf("Run(b): %v", err)
	}
	// conv-2 was already stored by session A.
	if resB.RecordsInserted != 1 {
		t.Errorf("session b inserted = %d, want 1", resB.RecordsInserted)
	}

	// Session checkpoints are independent.
	cpA, err := st.Load(ctx, "sess-a")
	if err != nil {
		t.Fatalf("Load(a): %v", err)
	}
	cpB, err := st.Load(ctx, "sess-b")
	if err != nil {
		t.Fatalf("Load(b): %v", err)
	}
	if cpA.Status != store.StatusComplete || cpB.Status != store.StatusComplete {
		t.Errorf("both checkpoints should be complete, got %s / %s", cpA.Status, cpB.Status)
	}

	countA, err := st.CountRecords(ctx, "sess-a")
	if err != nil {
		t.Fatalf("CountRecords(a): %v", err)
	}
	countB, err := st.CountRecords(ctx, "sess-b")
	if err != nil {
		t.Fatalf("CountRecords(b): %v", err)
	}
	if countA != 2 || countB != 1 {
		t.Errorf("per-session counts = %d / %d, want 2 / 1", countA, countB)
	}
}

// TestConcurrentSessionsShareStore runs several sessions in parallel
// against one SQLite store. Sessions overlap on a set of shared
// conversation IDs, so the test exercises both the store's write
// serialization and cross-session dedup under contention.
func TestConcurrentSessionsShareStore(t *testing.T) {
	const sessions = 4

	st := setupSQLite(t)
	ctx := context.Background()

	drivers := make([]*driver.Driver, sessions)
	for i := 0; i < sessions; i++ {
		src := testutil.NewMockSource()
		defer src.Close()

		shared := make([]testutil.Conversation, 0, 5)
		for j := 0; j < 5; j++ {
			shared = append(shared, testutil.NewConversation(fmt.Sprintf("shared-%d", j), 2))
		}
		unique := make([]testutil.Conversation, 0, 5)
		for j := 0; j < 5; j++ {
			unique = append(unique, testutil.NewConversation(fmt.Sprintf("sess-%d-conv-%d", i, j), 2))
		}
		src.SetPages([]testutil.MockPage{{Items: shared}, {Items: unique}})

		drivers[i] = driver.New(newFetcher(t, src, nil), st, st, st, fastConfig())
	}

	type outcome struct {
		res *driver.Result
		err error
	}
	results := make([]outcome, sessions)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := drivers[i].Run(ctx, fmt.Sprintf("concurrent-%d", i))
			results[i] = outcome{res, err}
		}(i)
	}
	wg.Wait()

	totalInserted := 0
	for i, r := range results {
		if r.err != nil {
			t.Fatalf("session %d: %v", i, r.err)
		}
		if r.res.Outcome != store.OutcomeSucceeded {
			t.Errorf("session %d outcome = %s, want %s", i, r.res.Outcome, store.OutcomeSucceeded)
		}

		cp, err := st.Load(ctx, fmt.Sprintf("concurrent-%d", i))
		if err != nil {
			t.Fatalf("Load(%d): %v", i, err)
		}
		if cp.Status != store.StatusComplete {
			t.Errorf("session %d checkpoint = %s, want %s", i, cp.Status, store.StatusComplete)
		}

		// Inserted counts match the store's per-session attribution.
		count, err := st.CountRecords(ctx, fmt.Sprintf("concurrent-%d", i))
		if err != nil {
			t.Fatalf("CountRecords(%d): %v", i, err)
		}
		if count != r.res.RecordsInserted {
			t.Errorf("session %d: count %d != reported inserted %d", i, count, r.res.RecordsInserted)
		}
		totalInserted += r.res.RecordsInserted
	}

	// Each shared conversation lands exactly once across all sessions.
	want := 5 + sessions*5
	if totalInserted != want {
		t.Errorf("total inserted = %d, want %d", totalInserted, want)
	}
}
