package services

import (
	"context"
	"errors"

	"github.com/CrowderSoup/taskboard/database"
)

func (s *BoardService) cardFor(ctx context.Context, p Principal, cardID string, perm Permission) (database.Card, error) {
	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return database.Card{}, storeError(err, "card")
	}
	if _, err := s.gate.Authorize(ctx, p, card.BoardID, perm); err != nil {
		return database.Card{}, err
	}
	return card, nil
}

// knownUsers fails validation when any id is not a registered user.
func (s *BoardService) knownUsers(ctx context.Context, ids []string) error {
	for _, id := range ids {
		_, err := s.repo.GetUser(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			return invalidField("assignees", "unknown user "+id)
		}
		if err != nil {
			return storeError(err, "user")
		}
	}
	return nil
}

// assigneesOn requires every id to be a member of the board.
func assigneesOn(boardID string, ids []string) Check {
	return func(boards Boards) error {
		b, ok := boards[boardID]
		if !ok {
			return database.ErrConflict
		}
		for _, id := range ids {
			if !b.HasMember(id) {
				return invalidField("assignees", "user "+id+" is not a member of this board")
			}
		}
		return nil
	}
}

func (s *BoardService) ListBoardCards(ctx context.Context, p Principal, boardID string) ([]database.Card, error) {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermRead); err != nil {
		return nil, err
	}
	cards, err := s.repo.ListBoardCards(ctx, boardID)
	if err != nil {
		return nil, storeError(err, "card")
	}
	return cards, nil
}

func (s *BoardService) ListColumnCards(ctx context.Context, p Principal, columnID string) ([]database.Card, error) {
	if _, err := s.columnFor(ctx, p, columnID, PermRead); err != nil {
		return nil, err
	}
	cards, err := s.repo.ListCards(ctx, columnID)
	if err != nil {
		return nil, storeError(err, "card")
	}
	return cards, nil
}

func (s *BoardService) GetCard(ctx context.Context, p Principal, cardID string) (database.Card, error) {
	return s.cardFor(ctx, p, cardID, PermRead)
}

// CreateCard appends a card to the column.
func (s *BoardService) CreateCard(ctx context.Context, p Principal, columnID string, in CardInput) (database.Card, error) {
	column, err := s.columnFor(ctx, p, columnID, PermWrite)
	if err != nil {
		return database.Card{}, err
	}
	draft, err := in.draft()
	if err != nil {
		return database.Card{}, err
	}
	if err := s.knownUsers(ctx, draft.Assignees); err != nil {
		return database.Card{}, err
	}

	checks := []Check{memberOf(p), assigneesOn(column.BoardID, draft.Assignees)}
	var created database.Card
	err = s.engine.mutate(ctx, fixedBoards(column.BoardID), checks,
		func(ctx context.Context, tx database.Tx, boards Boards) error {
			var err error
			created, err = appendCardIn(ctx, tx, boards, columnID, draft)
			return err
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventCardCreated, created.BoardID, created))
		})
	if err != nil {
		return database.Card{}, err
	}
	return created, nil
}

// UpdateCard overwrites the fields present in patch. Column, board and
// position change only through MoveCard.
func (s *BoardService) UpdateCard(ctx context.Context, p Principal, cardID string, patch CardPatch) (database.Card, error) {
	card, err := s.cardFor(ctx, p, cardID, PermWrite)
	if err != nil {
		return database.Card{}, err
	}
	if _, err := patch.apply(card); err != nil {
		return database.Card{}, err
	}
	if patch.Assignees != nil {
		if err := s.knownUsers(ctx, *patch.Assignees); err != nil {
			return database.Card{}, err
		}
	}

	var updated database.Card
	err = s.engine.mutate(ctx, s.engine.cardBoard(cardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, boards Boards) error {
			current, err := tx.GetCard(ctx, cardID)
			if err != nil {
				return storeError(err, "card")
			}
			if _, ok := boards[current.BoardID]; !ok {
				return database.ErrConflict
			}
			next, err := patch.apply(current)
			if err != nil {
				return err
			}
			if patch.Assignees != nil {
				if err := assigneesOn(current.BoardID, next.Assignees)(boards); err != nil {
					return err
				}
			}
			if err := tx.UpdateCard(ctx, next); err != nil {
				return err
			}
			updated = next
			return nil
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventCardEdited, updated.BoardID, updated))
		})
	if err != nil {
		return database.Card{}, err
	}
	return updated, nil
}

// MoveCard relocates a card. Moving to a column on another board requires
// write access to both boards; the relocation is announced on each.
func (s *BoardService) MoveCard(ctx context.Context, p Principal, cardID, toColumnID string, pos int) (Move, error) {
	card, err := s.cardFor(ctx, p, cardID, PermWrite)
	if err != nil {
		return Move{}, err
	}
	target, err := s.repo.GetColumn(ctx, toColumnID)
	if err != nil {
		return Move{}, storeError(err, "column")
	}
	if target.BoardID != card.BoardID {
		if _, err := s.gate.Authorize(ctx, p, target.BoardID, PermWrite); err != nil {
			return Move{}, err
		}
	}

	var move Move
	err = s.engine.mutate(ctx, s.engine.moveBoards(cardID, toColumnID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, boards Boards) error {
			var err error
			move, err = moveCardIn(ctx, tx, boards, cardID, toColumnID, pos)
			return err
		},
		func() {
			s.publishMove(ctx, move)
		})
	if err != nil {
		return Move{}, err
	}
	s.log.Debug(ctx, "card moved",
		"card_id", cardID, "from_column", move.FromColumn, "to_column", move.ToColumn, "position", move.Position)
	return move, nil
}

func (s *BoardService) publishMove(ctx context.Context, move Move) {
	boards := []string{move.FromBoard}
	if move.ToBoard != move.FromBoard {
		boards = append(boards, move.ToBoard)
	}
	for _, boardID := range boards {
		s.events.Publish(ctx, Event{
			BoardID: boardID,
			Origin:  OriginFrom(ctx),
			Payload: CardMoved{
				Type:       EventCardUpdated,
				BoardID:    boardID,
				CardID:     move.Card.ID,
				FromColumn: move.FromColumn,
				ToColumn:   move.ToColumn,
				Position:   move.Position,
			},
		})
	}
}

// DeleteCard removes the card and renumbers the rest of its column.
func (s *BoardService) DeleteCard(ctx context.Context, p Principal, cardID string) (database.Card, error) {
	if _, err := s.cardFor(ctx, p, cardID, PermWrite); err != nil {
		return database.Card{}, err
	}

	var deleted database.Card
	err := s.engine.mutate(ctx, s.engine.cardBoard(cardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, boards Boards) error {
			var err error
			deleted, err = deleteCardIn(ctx, tx, boards, cardID)
			return err
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventCardDeleted, deleted.BoardID, map[string]string{
				"id":     deleted.ID,
				"column": deleted.ColumnID,
			}))
		})
	if err != nil {
		return database.Card{}, err
	}
	return deleted, nil
}
