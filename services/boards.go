package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CrowderSoup/taskboard/database"
	"github.com/CrowderSoup/taskboard/logging"
)

var defaultColumns = []string{"To Do", "In Progress", "Done"}

// BoardService is the entry point for every board, column and card
// operation. Each call authorizes, validates, persists and then publishes,
// in that order; a call that fails before persisting changes nothing.
type BoardService struct {
	repo   database.Repository
	gate   *Gate
	engine *Engine
	events Broadcaster
	repair *Repairer
	log    logging.Logger
	now    func() time.Time
}

func NewBoardService(repo database.Repository, engine *Engine, events Broadcaster, repair *Repairer, log logging.Logger) *BoardService {
	if events == nil {
		events = nopBroadcaster{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &BoardService{
		repo:   repo,
		gate:   NewGate(repo),
		engine: engine,
		events: events,
		repair: repair,
		log:    log.With("component", "boards"),
		now:    engine.now,
	}
}

func (s *BoardService) Gate() *Gate { return s.gate }

// memberOf re-checks membership against the boards loaded inside the unit
// of work.
func memberOf(p Principal) Check {
	return func(boards Boards) error {
		for _, b := range boards {
			if !b.HasMember(p.UserID) {
				return forbidden()
			}
		}
		return nil
	}
}

// BoardDetail is a board with its members resolved to users and its
// columns carrying their cards.
type BoardDetail struct {
	database.Board
	Members []database.User `json:"members"`
	Columns []ColumnDetail  `json:"columns"`
}

type ColumnDetail struct {
	database.Column
	Cards []database.Card `json:"cards"`
}

type Profile struct {
	database.User
	Boards []string `json:"boards"`
}

// EnsureUser creates or refreshes the user record for p.
func (s *BoardService) EnsureUser(ctx context.Context, p Principal) (database.User, error) {
	if p.UserID == "" || p.Email == "" {
		return database.User{}, forbidden()
	}
	user := database.User{ID: p.UserID, Email: p.Email, Name: p.Name, Avatar: p.Avatar}
	if err := s.repo.UpsertUser(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			s.log.Warn(ctx, "email already belongs to another user", "user_id", p.UserID)
			return database.User{}, duplicate("email", err)
		}
		s.log.Error(ctx, "failed to upsert user", "user_id", p.UserID, "error", err)
		return database.User{}, storeError(err, "user")
	}
	return user, nil
}

// Profile returns the caller with the ids of the boards they belong to.
func (s *BoardService) Profile(ctx context.Context, p Principal) (Profile, error) {
	user, err := s.repo.GetUser(ctx, p.UserID)
	if err != nil {
		return Profile{}, storeError(err, "user")
	}
	boards, err := s.repo.ListBoardsForUser(ctx, p.UserID)
	if err != nil {
		return Profile{}, storeError(err, "board")
	}
	ids := make([]string, 0, len(boards))
	for _, b := range boards {
		ids = append(ids, b.ID)
	}
	return Profile{User: user, Boards: ids}, nil
}

func (s *BoardService) ListBoards(ctx context.Context, p Principal) ([]database.Board, error) {
	boards, err := s.repo.ListBoardsForUser(ctx, p.UserID)
	if err != nil {
		return nil, storeError(err, "board")
	}
	return boards, nil
}

// CreateBoard makes p the sole member of a new board seeded with the
// default columns.
func (s *BoardService) CreateBoard(ctx context.Context, p Principal, in BoardInput) (database.Board, error) {
	if p.UserID == "" {
		return database.Board{}, forbidden()
	}
	if err := in.validate(); err != nil {
		return database.Board{}, err
	}

	board := database.Board{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		ThumbnailColor: in.ThumbnailColor,
		Members:        []string{p.UserID},
		LastModified:   s.now(),
	}
	if board.ThumbnailColor == "" {
		board.ThumbnailColor = database.DefaultThumbnailColor
	}

	err := s.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
		if err := tx.CreateBoard(ctx, board); err != nil {
			return err
		}
		for i, name := range defaultColumns {
			err := tx.CreateColumn(ctx, database.Column{
				ID:      uuid.NewString(),
				BoardID: board.ID,
				Name:    name,
				Color:   database.DefaultColumnColor,
				Order:   i,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error(ctx, "failed to create board", "user_id", p.UserID, "error", err)
		return database.Board{}, storeError(err, "board")
	}

	created, err := s.repo.GetBoard(ctx, board.ID)
	if err != nil {
		return database.Board{}, storeError(err, "board")
	}
	s.log.Info(ctx, "board created", "board_id", board.ID, "user_id", p.UserID)
	return created, nil
}

// GetBoard returns the board detail from one consistent read.
func (s *BoardService) GetBoard(ctx context.Context, p Principal, boardID string) (BoardDetail, error) {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermRead); err != nil {
		return BoardDetail{}, err
	}

	var detail BoardDetail
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
		board, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return storeError(err, "board")
		}
		columns, err := tx.ListColumns(ctx, boardID)
		if err != nil {
			return err
		}
		cards, err := tx.ListBoardCards(ctx, boardID)
		if err != nil {
			return err
		}

		byColumn := make(map[string][]database.Card, len(columns))
		for _, c := range cards {
			byColumn[c.ColumnID] = append(byColumn[c.ColumnID], c)
		}
		detail = BoardDetail{
			Board:   board,
			Members: make([]database.User, 0, len(board.Members)),
			Columns: make([]ColumnDetail, 0, len(columns)),
		}
		for _, col := range columns {
			colCards := byColumn[col.ID]
			if colCards == nil {
				colCards = []database.Card{}
			}
			detail.Columns = append(detail.Columns, ColumnDetail{Column: col, Cards: colCards})
		}
		for _, id := range board.Members {
			user, err := tx.GetUser(ctx, id)
			if errors.Is(err, database.ErrNotFound) {
				user = database.User{ID: id}
			} else if err != nil {
				return err
			}
			detail.Members = append(detail.Members, user)
		}
		return nil
	})
	if err != nil {
		return BoardDetail{}, storeError(err, "board")
	}
	return detail, nil
}

// UpdateBoard overwrites the fields present in patch.
func (s *BoardService) UpdateBoard(ctx context.Context, p Principal, boardID string, patch BoardPatch) (database.Board, error) {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermWrite); err != nil {
		return database.Board{}, err
	}
	if err := patch.validate(); err != nil {
		return database.Board{}, err
	}

	var updated database.Board
	err := s.engine.mutate(ctx, fixedBoards(boardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, boards Boards) error {
			b := boards[boardID]
			if patch.Name != nil {
				b.Name = strings.TrimSpace(*patch.Name)
			}
			if patch.Description != nil {
				b.Description = *patch.Description
			}
			if patch.ThumbnailColor != nil {
				b.ThumbnailColor = *patch.ThumbnailColor
				if b.ThumbnailColor == "" {
					b.ThumbnailColor = database.DefaultThumbnailColor
				}
			}
			return nil
		},
		func() {
			var err error
			updated, err = s.repo.GetBoard(ctx, boardID)
			if err != nil {
				s.log.Warn(ctx, "failed to reload updated board", "board_id", boardID, "error", err)
				return
			}
			s.events.Publish(ctx, boardEvent(ctx, EventBoardUpdated, boardID, updated))
		})
	if err != nil {
		return database.Board{}, err
	}
	return updated, nil
}

// DeleteBoard removes the board, its memberships, its columns and their
// cards as one unit. The board row goes first so a store that fails half
// way leaves only unreachable leftovers, which the repair pass removes.
func (s *BoardService) DeleteBoard(ctx context.Context, p Principal, boardID string) error {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermWrite); err != nil {
		return err
	}

	unlock := s.engine.locks.Lock(boardID)
	defer unlock()

	err := s.repo.Atomic(ctx, func(ctx context.Context, tx database.Tx) error {
		board, err := tx.GetBoard(ctx, boardID)
		if err != nil {
			return storeError(err, "board")
		}
		if err := s.gate.check(p, board, PermWrite); err != nil {
			return err
		}
		if err := tx.DeleteBoard(ctx, boardID); err != nil {
			return err
		}
		columns, err := tx.ListColumns(ctx, boardID)
		if err != nil {
			return err
		}
		for _, col := range columns {
			if err := deleteColumn(ctx, tx, col); err != nil {
				return err
			}
		}
		stray, err := tx.ListBoardCards(ctx, boardID)
		if err != nil {
			return err
		}
		for _, c := range stray {
			if err := tx.DeleteCard(ctx, c.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var de *DomainError
		if errors.As(err, &de) && !errors.Is(err, ErrUnavailable) {
			return err
		}
		s.log.Error(ctx, "failed to delete board", "board_id", boardID, "error", err)
		if s.repair != nil {
			s.repair.Enqueue(boardID)
		}
		return storeError(err, "board")
	}

	s.log.Info(ctx, "board deleted", "board_id", boardID, "user_id", p.UserID)
	s.events.Publish(ctx, boardEvent(ctx, EventBoardDeleted, boardID, map[string]string{"id": boardID}))
	return nil
}

// AddMember grants a user, found by id or email, access to the board.
func (s *BoardService) AddMember(ctx context.Context, p Principal, boardID string, in MemberInput) (database.User, error) {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermWrite); err != nil {
		return database.User{}, err
	}

	var (
		user database.User
		err  error
	)
	switch {
	case in.UserID != "":
		user, err = s.repo.GetUser(ctx, in.UserID)
	case strings.TrimSpace(in.Email) != "":
		user, err = s.repo.GetUserByEmail(ctx, strings.TrimSpace(in.Email))
	default:
		return database.User{}, invalidField("userId", "userId or email is required")
	}
	if err != nil {
		return database.User{}, storeError(err, "user")
	}

	err = s.engine.mutate(ctx, fixedBoards(boardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, _ Boards) error {
			return tx.AddBoardMember(ctx, boardID, user.ID)
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventMemberAdded, boardID, user))
		})
	if err != nil {
		return database.User{}, err
	}
	s.log.Info(ctx, "member added", "board_id", boardID, "member_id", user.ID)
	return user, nil
}

// RemoveMember revokes a user's access. The last member cannot be removed.
// The user is also dropped from the assignees of the board's cards, and
// their realtime sessions leave the board.
func (s *BoardService) RemoveMember(ctx context.Context, p Principal, boardID, userID string) error {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermWrite); err != nil {
		return err
	}

	err := s.engine.mutate(ctx, fixedBoards(boardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, boards Boards) error {
			b := boards[boardID]
			if !b.HasMember(userID) {
				return notFound("member")
			}
			if len(b.Members) == 1 {
				return invalidField("members", "a board must keep at least one member")
			}
			if err := tx.RemoveBoardMember(ctx, boardID, userID); err != nil {
				return err
			}
			cards, err := tx.ListBoardCards(ctx, boardID)
			if err != nil {
				return err
			}
			for _, c := range cards {
				kept := without(c.Assignees, userID)
				if len(kept) == len(c.Assignees) {
					continue
				}
				c.Assignees = kept
				if err := tx.UpdateCard(ctx, c); err != nil {
					return err
				}
			}
			return nil
		},
		func() {
			ev := boardEvent(ctx, EventMemberRemoved, boardID, map[string]string{"userId": userID})
			ev.Evict = userID
			s.events.Publish(ctx, ev)
		})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "member removed", "board_id", boardID, "member_id", userID)
	return nil
}
