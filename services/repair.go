package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CrowderSoup/taskboard/database"
	"github.com/CrowderSoup/taskboard/logging"
)

// Violation is one broken structural invariant found on a board.
type Violation struct {
	BoardID string `json:"boardId"`
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail"`
}

const (
	ViolationNoMembers      = "no-members"
	ViolationDuplicateOrder = "duplicate-column-order"
	ViolationCardBoard      = "card-board-mismatch"
	ViolationPositions      = "card-positions"
	ViolationLeftover       = "leftover"
)

// SweepReport counts what a sweep repaired or removed.
type SweepReport struct {
	Boards  int
	Columns int
	Cards   int
}

// Repairer restores board invariants after a failure left a board half
// written, and removes columns and cards whose parent is gone.
type Repairer struct {
	repo   database.Repository
	engine *Engine
	log    logging.Logger

	mu    sync.Mutex
	queue map[string]struct{}
}

func NewRepairer(repo database.Repository, engine *Engine, log logging.Logger) *Repairer {
	if log == nil {
		log = logging.Discard()
	}
	return &Repairer{
		repo:   repo,
		engine: engine,
		log:    log.With("component", "repair"),
		queue:  make(map[string]struct{}),
	}
}

// Enqueue marks a board for the next sweep.
func (r *Repairer) Enqueue(boardID string) {
	r.mu.Lock()
	r.queue[boardID] = struct{}{}
	r.mu.Unlock()
}

// Pending returns the queued board ids in sorted order.
func (r *Repairer) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.queue))
	for id := range r.queue {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Repairer) drain() []string {
	ids := r.Pending()
	r.mu.Lock()
	for _, id := range ids {
		delete(r.queue, id)
	}
	r.mu.Unlock()
	return ids
}

// CheckBoard lists every structural violation on the board. A deleted board
// is reported only for columns or cards it left behind.
func (r *Repairer) CheckBoard(ctx context.Context, boardID string) ([]Violation, error) {
	var found []Violation
	report := func(kind, subject, detail string) {
		found = append(found, Violation{BoardID: boardID, Kind: kind, Subject: subject, Detail: detail})
	}

	err := r.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
		board, err := tx.GetBoard(ctx, boardID)
		exists := err == nil
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		columns, err := tx.ListColumns(ctx, boardID)
		if err != nil {
			return err
		}
		cards, err := tx.ListBoardCards(ctx, boardID)
		if err != nil {
			return err
		}

		if !exists {
			for _, c := range columns {
				report(ViolationLeftover, c.ID, "column of a deleted board")
			}
			for _, c := range cards {
				report(ViolationLeftover, c.ID, "card of a deleted board")
			}
			return nil
		}

		if len(board.Members) == 0 {
			report(ViolationNoMembers, boardID, "board has no members")
		}

		orders := make(map[int]string, len(columns))
		onBoard := make(map[string]struct{}, len(columns))
		for _, col := range columns {
			onBoard[col.ID] = struct{}{}
			if other, dup := orders[col.Order]; dup {
				report(ViolationDuplicateOrder, col.ID, fmt.Sprintf("order %d also used by column %s", col.Order, other))
			}
			orders[col.Order] = col.ID

			colCards, err := tx.ListCards(ctx, col.ID)
			if err != nil {
				return err
			}
			for i, c := range colCards {
				if c.Position != i {
					report(ViolationPositions, col.ID, fmt.Sprintf("card %s at position %d, expected %d", c.ID, c.Position, i))
					break
				}
			}
			for _, c := range colCards {
				if c.BoardID != boardID {
					report(ViolationCardBoard, c.ID, "card board differs from its column's board "+boardID)
				}
			}
		}
		for _, c := range cards {
			if _, ok := onBoard[c.ColumnID]; !ok {
				report(ViolationCardBoard, c.ID, "card column "+c.ColumnID+" is not on this board")
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeError(err, "board")
	}
	return found, nil
}

// RepairBoard fixes what CheckBoard reports, except an empty member set,
// which needs a person to decide. Leftovers of a deleted board are removed.
func (r *Repairer) RepairBoard(ctx context.Context, boardID string) error {
	unlock := r.engine.locks.Lock(boardID)
	defer unlock()

	err := r.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
		board, err := tx.GetBoard(ctx, boardID)
		if errors.Is(err, database.ErrNotFound) {
			return removeLeftovers(ctx, tx, boardID)
		}
		if err != nil {
			return err
		}

		columns, err := tx.ListColumns(ctx, boardID)
		if err != nil {
			return err
		}
		if err := tx.SetColumnOrders(ctx, boardID, database.ColumnIDs(columns)); err != nil {
			return err
		}

		onBoard := make(map[string]struct{}, len(columns))
		for _, col := range columns {
			onBoard[col.ID] = struct{}{}
			cards, err := tx.ListCards(ctx, col.ID)
			if err != nil {
				return err
			}
			for _, c := range cards {
				if c.BoardID != boardID {
					c.BoardID = boardID
					if err := tx.UpdateCard(ctx, c); err != nil {
						return err
					}
				}
			}
			if err := tx.SetCardPositions(ctx, col.ID, database.CardIDs(cards)); err != nil {
				return err
			}
		}

		stray, err := tx.ListBoardCards(ctx, boardID)
		if err != nil {
			return err
		}
		for _, c := range stray {
			if _, ok := onBoard[c.ColumnID]; ok {
				continue
			}
			col, err := tx.GetColumn(ctx, c.ColumnID)
			if errors.Is(err, database.ErrNotFound) {
				if err := tx.DeleteCard(ctx, c.ID); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			// The column is authoritative for which board a card is on.
			c.BoardID = col.BoardID
			if err := tx.UpdateCard(ctx, c); err != nil {
				return err
			}
		}

		return tx.TouchBoard(ctx, boardID, board.Version, r.engine.now())
	})
	if err != nil {
		return storeError(err, "board")
	}
	return nil
}

func removeLeftovers(ctx context.Context, tx database.Tx, boardID string) error {
	columns, err := tx.ListColumns(ctx, boardID)
	if err != nil {
		return err
	}
	for _, col := range columns {
		if err := deleteColumn(ctx, tx, col); err != nil {
			return err
		}
	}
	cards, err := tx.ListBoardCards(ctx, boardID)
	if err != nil {
		return err
	}
	for _, c := range cards {
		if err := tx.DeleteCard(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// Sweep repairs every queued board and deletes orphaned columns and cards.
// Boards that fail to repair stay queued.
func (r *Repairer) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   []error
	)

	for _, boardID := range r.drain() {
		if err := r.RepairBoard(ctx, boardID); err != nil {
			r.Enqueue(boardID)
			errs = append(errs, fmt.Errorf("repair board %s: %w", boardID, err))
			continue
		}
		report.Boards++
	}

	columns, err := r.repo.ListOrphanColumns(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list orphan columns: %w", err))
	}
	for _, col := range columns {
		removed, err := r.removeOrphanColumn(ctx, col)
		if err != nil {
			errs = append(errs, fmt.Errorf("remove orphan column %s: %w", col.ID, err))
			continue
		}
		if removed {
			report.Columns++
		}
	}

	cards, err := r.repo.ListOrphanCards(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list orphan cards: %w", err))
	}
	for _, c := range cards {
		removed := false
		err := r.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
			if _, err := tx.GetColumn(ctx, c.ColumnID); !errors.Is(err, database.ErrNotFound) {
				return err
			}
			err := tx.DeleteCard(ctx, c.ID)
			if errors.Is(err, database.ErrNotFound) {
				return nil
			}
			removed = err == nil
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("remove orphan card %s: %w", c.ID, err))
			continue
		}
		if removed {
			report.Cards++
		}
	}

	if report.Boards+report.Columns+report.Cards > 0 {
		r.log.Info(ctx, "repair sweep finished",
			"boards", report.Boards, "columns", report.Columns, "cards", report.Cards)
	}
	return report, errors.Join(errs...)
}

func (r *Repairer) removeOrphanColumn(ctx context.Context, col database.Column) (bool, error) {
	unlock := r.engine.locks.Lock(col.BoardID)
	defer unlock()

	removed := false
	err := r.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
		if _, err := tx.GetBoard(ctx, col.BoardID); !errors.Is(err, database.ErrNotFound) {
			return err
		}
		current, err := tx.GetColumn(ctx, col.ID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return deleteColumn(ctx, tx, current)
	})
	return removed, err
}

// RepairScheduler runs Sweep on a cron schedule.
type RepairScheduler struct {
	cron     *cron.Cron
	repairer *Repairer
	timeout  time.Duration
	log      logging.Logger
}

// NewRepairScheduler accepts standard five-field specs and descriptors such
// as "@every 10m".
func NewRepairScheduler(spec string, repairer *Repairer, log logging.Logger) (*RepairScheduler, error) {
	if log == nil {
		log = logging.Discard()
	}
	s := &RepairScheduler{
		cron:     cron.New(),
		repairer: repairer,
		timeout:  5 * time.Minute,
		log:      log.With("component", "repair-scheduler"),
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid repair schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *RepairScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.repairer.Sweep(ctx); err != nil {
		s.log.Error(ctx, "repair sweep failed", "error", err)
	}
}

func (s *RepairScheduler) Start() {
	s.cron.Start()
}

// Stop waits for a running sweep to finish.
func (s *RepairScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
