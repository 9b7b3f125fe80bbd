package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CrowderSoup/taskboard/database"
)

var (
	alice = Principal{UserID: "u-alice", Email: "alice@example.com", Name: "Alice"}
	bob   = Principal{UserID: "u-bob", Email: "bob@example.com", Name: "Bob"}
	carol = Principal{UserID: "u-carol", Email: "carol@example.com", Name: "Carol"}
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder is a Broadcaster that keeps every event in publish order.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []string {
	var out []string
	for _, ev := range r.all() {
		out = append(out, eventType(ev))
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func eventType(ev Event) string {
	switch p := ev.Payload.(type) {
	case Message:
		return p.Type
	case CardMoved:
		return p.Type
	}
	return ""
}

type fixture struct {
	repo   database.Repository
	engine *Engine
	events *recorder
	repair *Repairer
	svc    *BoardService
}

func newFixture(t *testing.T) *fixture {
	return newFixtureOn(t, database.NewMemoryStore())
}

func newSQLiteRepo(t *testing.T) database.Repository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, filepath.Join(t.TempDir(), "board.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(ctx, db, database.DriverSQLite, nil))
	repo := database.NewSQLStore(db, database.DriverSQLite)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// forEachRepo runs fn against the memory store and a sqlite store.
func forEachRepo(t *testing.T, fn func(t *testing.T, repo database.Repository)) {
	stores := map[string]func(*testing.T) database.Repository{
		"memory": func(*testing.T) database.Repository { return database.NewMemoryStore() },
		"sqlite": newSQLiteRepo,
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func newFixtureOn(t *testing.T, repo database.Repository) *fixture {
	t.Helper()
	engine := NewEngine(repo, EngineOptions{RetryDelay: time.Millisecond})
	events := &recorder{}
	repair := NewRepairer(repo, engine, nil)
	f := &fixture{
		repo:   repo,
		engine: engine,
		events: events,
		repair: repair,
		svc:    NewBoardService(repo, engine, events, repair, nil),
	}
	for _, p := range []Principal{alice, bob, carol} {
		_, err := f.svc.EnsureUser(context.Background(), p)
		require.NoError(t, err)
	}
	return f
}

// board creates a board owned by p and returns it with its seeded columns.
func (f *fixture) board(t *testing.T, p Principal, name string) (database.Board, []database.Column) {
	t.Helper()
	b, err := f.svc.CreateBoard(context.Background(), p, BoardInput{Name: name})
	require.NoError(t, err)
	return b, f.columns(t, b.ID)
}

func (f *fixture) columns(t *testing.T, boardID string) []database.Column {
	t.Helper()
	columns, err := f.repo.ListColumns(context.Background(), boardID)
	require.NoError(t, err)
	return columns
}

func (f *fixture) card(t *testing.T, p Principal, columnID, title string) database.Card {
	t.Helper()
	c, err := f.svc.CreateCard(context.Background(), p, columnID, CardInput{Title: title})
	require.NoError(t, err)
	return c
}

func (f *fixture) cardsIn(t *testing.T, columnID string) []string {
	t.Helper()
	col, err := f.repo.GetColumn(context.Background(), columnID)
	require.NoError(t, err)
	if col.Cards == nil {
		return []string{}
	}
	return col.Cards
}

// consistent fails the test when the board breaks any structural invariant.
func (f *fixture) consistent(t *testing.T, boardID string) {
	t.Helper()
	violations, err := f.repair.CheckBoard(context.Background(), boardID)
	require.NoError(t, err)
	require.Empty(t, violations)
}

func seedBoard(t *testing.T, repo database.Repository, id string, members ...string) {
	t.Helper()
	require.NoError(t, repo.CreateBoard(context.Background(), database.Board{
		ID:             id,
		Name:           "Board " + id,
		ThumbnailColor: database.DefaultThumbnailColor,
		Members:        members,
		LastModified:   t0,
	}))
}

// faultyRepo wraps the memory store to inject storage failures. With direct
// set, Atomic runs without a transaction so every write commits at once.
type faultyRepo struct {
	*database.MemoryStore

	mu             sync.Mutex
	direct         bool
	touchConflicts int
	deleteColumn   error
}

func newFaultyRepo() *faultyRepo {
	return &faultyRepo{MemoryStore: database.NewMemoryStore()}
}

func (r *faultyRepo) Atomic(ctx context.Context, fn func(ctx context.Context, tx database.Tx) error) error {
	r.mu.Lock()
	direct := r.direct
	r.mu.Unlock()
	if direct {
		return fn(ctx, faultyTx{Tx: r.MemoryStore, repo: r})
	}
	return r.MemoryStore.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
		return fn(ctx, faultyTx{Tx: tx, repo: r})
	})
}

func (r *faultyRepo) set(fn func(r *faultyRepo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *faultyRepo) takeConflict() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touchConflicts == 0 {
		return false
	}
	r.touchConflicts--
	return true
}

func (r *faultyRepo) deleteColumnErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteColumn
}

type faultyTx struct {
	database.Tx
	repo *faultyRepo
}

func (t faultyTx) TouchBoard(ctx context.Context, id string, version int64, at time.Time) error {
	if t.repo.takeConflict() {
		return database.ErrConflict
	}
	return t.Tx.TouchBoard(ctx, id, version, at)
}

func (t faultyTx) DeleteColumn(ctx context.Context, id string) error {
	if err := t.repo.deleteColumnErr(); err != nil {
		return err
	}
	return t.Tx.DeleteColumn(ctx, id)
}
