package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/CrowderSoup/taskboard/database"
	"github.com/CrowderSoup/taskboard/logging"
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 10 * time.Millisecond
)

// Boards are the boards a unit of work touches, loaded inside it. A unit of
// work may edit name, description or thumbnail color in place; the change
// is persisted with the version check.
type Boards map[string]*database.Board

// Check runs inside the unit of work before any write. A non-nil error
// aborts it.
type Check func(boards Boards) error

// Move describes a completed relocation.
type Move struct {
	Card       database.Card
	FromColumn string
	FromBoard  string
	ToColumn   string
	ToBoard    string
	Position   int
}

type EngineOptions struct {
	MaxRetries int
	RetryDelay time.Duration
	Logger     logging.Logger
	Now        func() time.Time
}

// Engine owns the order of columns within a board and of cards within a
// column. Every mutation holds the per-board lock of each board it touches
// and runs as one atomic unit that bumps those boards' versions; a version
// race with another process is retried.
type Engine struct {
	repo       database.Repository
	locks      *boardLocks
	maxRetries uint64
	retryDelay time.Duration
	log        logging.Logger
	now        func() time.Time
}

func NewEngine(repo database.Repository, opts EngineOptions) *Engine {
	e := &Engine{
		repo:       repo,
		locks:      newBoardLocks(),
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if opts.MaxRetries > 0 {
		e.maxRetries = uint64(opts.MaxRetries)
	}
	if opts.RetryDelay > 0 {
		e.retryDelay = opts.RetryDelay
	}
	if e.log == nil {
		e.log = logging.Discard()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

func fixedBoards(ids ...string) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) { return ids, nil }
}

// mutate resolves the boards involved, locks them, and runs fn in one
// atomic unit. A unit that loses a version race, or finds its resolved
// boards no longer cover the entities it touches, is retried from
// resolution. committed runs after a successful commit while the locks are
// still held, so it observes commits of a board in order.
func (e *Engine) mutate(
	ctx context.Context,
	resolve func(ctx context.Context) ([]string, error),
	checks []Check,
	fn func(ctx context.Context, tx database.Tx, boards Boards) error,
	committed func(),
) error {
	backoff := retry.WithMaxRetries(e.maxRetries, retry.NewExponential(e.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ids, err := resolve(ctx)
		if err != nil {
			return err
		}
		unlock := e.locks.Lock(ids...)
		defer unlock()

		err = e.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
			return e.unit(ctx, tx, ids, checks, fn)
		})
		if errors.Is(err, database.ErrConflict) {
			return retry.RetryableError(err)
		}
		if err == nil && committed != nil {
			committed()
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrConflict) {
		e.log.Warn(ctx, "board mutation gave up after conflicts", "retries", e.maxRetries)
		return conflict(err)
	}
	return storeError(err, "resource")
}

func (e *Engine) unit(
	ctx context.Context,
	tx database.Tx,
	ids []string,
	checks []Check,
	fn func(ctx context.Context, tx database.Tx, boards Boards) error,
) error {
	loaded := make(map[string]database.Board, len(ids))
	boards := make(Boards, len(ids))
	for _, id := range ids {
		if _, ok := loaded[id]; ok {
			continue
		}
		b, err := tx.GetBoard(ctx, id)
		if err != nil {
			return storeError(err, "board")
		}
		loaded[id] = b
		cp := b
		boards[id] = &cp
	}

	for _, check := range checks {
		if err := check(boards); err != nil {
			return err
		}
	}
	if err := fn(ctx, tx, boards); err != nil {
		return err
	}

	now := e.now()
	for id, before := range loaded {
		after := boards[id]
		if after.Name != before.Name || after.Description != before.Description || after.ThumbnailColor != before.ThumbnailColor {
			after.Version = before.Version
			after.LastModified = now
			if err := tx.UpdateBoard(ctx, *after); err != nil {
				return err
			}
			continue
		}
		if err := tx.TouchBoard(ctx, id, before.Version, now); err != nil {
			return err
		}
	}
	return nil
}

// AppendColumn adds a column after the board's last column.
func (e *Engine) AppendColumn(ctx context.Context, boardID string, draft database.Column, checks ...Check) (database.Column, error) {
	var created database.Column
	err := e.mutate(ctx, fixedBoards(boardID), checks, func(ctx context.Context, tx database.Tx, _ Boards) error {
		var err error
		created, err = appendColumn(ctx, tx, boardID, draft)
		return err
	}, nil)
	return created, err
}

// ReorderColumns rewrites column orders so the board lists ids in the given
// sequence. ids must be a permutation of the board's columns.
func (e *Engine) ReorderColumns(ctx context.Context, boardID string, ids []string, checks ...Check) ([]database.Column, error) {
	var reordered []database.Column
	err := e.mutate(ctx, fixedBoards(boardID), checks, func(ctx context.Context, tx database.Tx, _ Boards) error {
		var err error
		reordered, err = reorderColumns(ctx, tx, boardID, ids)
		return err
	}, nil)
	return reordered, err
}

// DeleteColumn removes the column and its cards. Remaining columns keep
// their orders.
func (e *Engine) DeleteColumn(ctx context.Context, columnID string, checks ...Check) (database.Column, error) {
	var deleted database.Column
	err := e.mutate(ctx, e.columnBoard(columnID), checks, func(ctx context.Context, tx database.Tx, boards Boards) error {
		var err error
		deleted, err = deleteColumnIn(ctx, tx, boards, columnID)
		return err
	}, nil)
	return deleted, err
}

// AppendCard adds a card at the end of the column. The card's column and
// board are taken from the column.
func (e *Engine) AppendCard(ctx context.Context, columnID string, draft database.Card, checks ...Check) (database.Card, error) {
	var created database.Card
	err := e.mutate(ctx, e.columnBoard(columnID), checks, func(ctx context.Context, tx database.Tx, boards Boards) error {
		var err error
		created, err = appendCardIn(ctx, tx, boards, columnID, draft)
		return err
	}, nil)
	return created, err
}

// MoveCard relocates a card to position pos of the target column, which may
// be the card's own column or one on another board. The card is taken out
// first; pos is then clamped to the bounds of the remaining sequence.
func (e *Engine) MoveCard(ctx context.Context, cardID, toColumnID string, pos int, checks ...Check) (Move, error) {
	var move Move
	err := e.mutate(ctx, e.moveBoards(cardID, toColumnID), checks, func(ctx context.Context, tx database.Tx, boards Boards) error {
		var err error
		move, err = moveCardIn(ctx, tx, boards, cardID, toColumnID, pos)
		return err
	}, nil)
	return move, err
}

// DeleteCard removes the card and closes the gap it leaves in its column.
func (e *Engine) DeleteCard(ctx context.Context, cardID string, checks ...Check) (database.Card, error) {
	var deleted database.Card
	err := e.mutate(ctx, e.cardBoard(cardID), checks, func(ctx context.Context, tx database.Tx, boards Boards) error {
		var err error
		deleted, err = deleteCardIn(ctx, tx, boards, cardID)
		return err
	}, nil)
	return deleted, err
}

func appendColumn(ctx context.Context, tx database.Tx, boardID string, draft database.Column) (database.Column, error) {
	columns, err := tx.ListColumns(ctx, boardID)
	if err != nil {
		return database.Column{}, err
	}
	order := 0
	for _, c := range columns {
		if c.Order >= order {
			order = c.Order + 1
		}
	}

	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.Color == "" {
		draft.Color = database.DefaultColumnColor
	}
	draft.BoardID = boardID
	draft.Order = order
	if err := tx.CreateColumn(ctx, draft); err != nil {
		return database.Column{}, err
	}
	return tx.GetColumn(ctx, draft.ID)
}

func reorderColumns(ctx context.Context, tx database.Tx, boardID string, ids []string) ([]database.Column, error) {
	columns, err := tx.ListColumns(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if !isPermutation(database.ColumnIDs(columns), ids) {
		return nil, invalidField("columnIds", "must list every column of the board exactly once")
	}
	if err := tx.SetColumnOrders(ctx, boardID, ids); err != nil {
		return nil, err
	}
	return tx.ListColumns(ctx, boardID)
}

func deleteColumnIn(ctx context.Context, tx database.Tx, boards Boards, columnID string) (database.Column, error) {
	column, err := tx.GetColumn(ctx, columnID)
	if err != nil {
		return database.Column{}, storeError(err, "column")
	}
	if _, ok := boards[column.BoardID]; !ok {
		return database.Column{}, database.ErrConflict
	}
	if err := deleteColumn(ctx, tx, column); err != nil {
		return database.Column{}, err
	}
	return column, nil
}

func deleteColumn(ctx context.Context, tx database.Tx, column database.Column) error {
	cards, err := tx.ListCards(ctx, column.ID)
	if err != nil {
		return err
	}
	for _, c := range cards {
		if err := tx.DeleteCard(ctx, c.ID); err != nil {
			return err
		}
	}
	return tx.DeleteColumn(ctx, column.ID)
}

func appendCardIn(ctx context.Context, tx database.Tx, boards Boards, columnID string, draft database.Card) (database.Card, error) {
	column, err := tx.GetColumn(ctx, columnID)
	if err != nil {
		return database.Card{}, storeError(err, "column")
	}
	if _, ok := boards[column.BoardID]; !ok {
		return database.Card{}, database.ErrConflict
	}

	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.Status == "" {
		draft.Status = database.StatusNotStarted
	}
	if draft.Assignees == nil {
		draft.Assignees = []string{}
	}
	draft.ColumnID = column.ID
	draft.BoardID = column.BoardID
	draft.Position = len(column.Cards)
	if err := tx.CreateCard(ctx, draft); err != nil {
		return database.Card{}, err
	}
	return tx.GetCard(ctx, draft.ID)
}

func moveCardIn(ctx context.Context, tx database.Tx, boards Boards, cardID, toColumnID string, pos int) (Move, error) {
	card, err := tx.GetCard(ctx, cardID)
	if err != nil {
		return Move{}, storeError(err, "card")
	}
	target, err := tx.GetColumn(ctx, toColumnID)
	if err != nil {
		return Move{}, storeError(err, "column")
	}
	dest, ok := boards[target.BoardID]
	if _, src := boards[card.BoardID]; !src || !ok {
		return Move{}, database.ErrConflict
	}

	move := Move{
		FromColumn: card.ColumnID,
		FromBoard:  card.BoardID,
		ToColumn:   target.ID,
		ToBoard:    target.BoardID,
	}

	source, err := tx.ListCards(ctx, card.ColumnID)
	if err != nil {
		return Move{}, err
	}
	rest := without(database.CardIDs(source), card.ID)

	seq := rest
	if card.ColumnID != target.ID {
		seq = without(target.Cards, card.ID)
	}
	pos = clamp(pos, 0, len(seq))
	seq = insertAt(seq, pos, card.ID)

	if card.ColumnID != target.ID {
		if err := tx.SetCardPositions(ctx, card.ColumnID, rest); err != nil {
			return Move{}, err
		}
	}
	if err := tx.SetCardPositions(ctx, target.ID, seq); err != nil {
		return Move{}, err
	}

	card.ColumnID = target.ID
	card.Position = pos
	if card.BoardID != target.BoardID {
		card.BoardID = target.BoardID
		card.Assignees = onlyMembers(card.Assignees, *dest)
		if err := tx.UpdateCard(ctx, card); err != nil {
			return Move{}, err
		}
	}

	move.Card = card
	move.Position = pos
	return move, nil
}

func deleteCardIn(ctx context.Context, tx database.Tx, boards Boards, cardID string) (database.Card, error) {
	card, err := tx.GetCard(ctx, cardID)
	if err != nil {
		return database.Card{}, storeError(err, "card")
	}
	if _, ok := boards[card.BoardID]; !ok {
		return database.Card{}, database.ErrConflict
	}
	siblings, err := tx.ListCards(ctx, card.ColumnID)
	if err != nil {
		return database.Card{}, err
	}
	if err := tx.DeleteCard(ctx, card.ID); err != nil {
		return database.Card{}, err
	}
	if err := tx.SetCardPositions(ctx, card.ColumnID, without(database.CardIDs(siblings), card.ID)); err != nil {
		return database.Card{}, err
	}
	return card, nil
}

func (e *Engine) moveBoards(cardID, toColumnID string) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		card, err := e.repo.GetCard(ctx, cardID)
		if err != nil {
			return nil, storeError(err, "card")
		}
		target, err := e.repo.GetColumn(ctx, toColumnID)
		if err != nil {
			return nil, storeError(err, "column")
		}
		return []string{card.BoardID, target.BoardID}, nil
	}
}

func (e *Engine) columnBoard(columnID string) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		column, err := e.repo.GetColumn(ctx, columnID)
		if err != nil {
			return nil, storeError(err, "column")
		}
		return []string{column.BoardID}, nil
	}
}

func (e *Engine) cardBoard(cardID string) func(context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		card, err := e.repo.GetCard(ctx, cardID)
		if err != nil {
			return nil, storeError(err, "card")
		}
		return []string{card.BoardID}, nil
	}
}

func isPermutation(have, want []string) bool {
	if len(have) != len(want) {
		return false
	}
	counts := make(map[string]int, len(have))
	for _, id := range have {
		counts[id]++
	}
	for _, id := range want {
		if counts[id] == 0 {
			return false
		}
		counts[id]--
	}
	return true
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func insertAt(ids []string, pos int, id string) []string {
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:pos]...)
	out = append(out, id)
	return append(out, ids[pos:]...)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func onlyMembers(userIDs []string, board database.Board) []string {
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if board.HasMember(id) {
			out = append(out, id)
		}
	}
	return out
}
