package services

import (
	"context"
	"strings"

	"github.com/CrowderSoup/taskboard/database"
)

// columnFor loads a column and authorizes perm on its board.
func (s *BoardService) columnFor(ctx context.Context, p Principal, columnID string, perm Permission) (database.Column, error) {
	column, err := s.repo.GetColumn(ctx, columnID)
	if err != nil {
		return database.Column{}, storeError(err, "column")
	}
	if _, err := s.gate.Authorize(ctx, p, column.BoardID, perm); err != nil {
		return database.Column{}, err
	}
	return column, nil
}

func (s *BoardService) ListColumns(ctx context.Context, p Principal, boardID string) ([]database.Column, error) {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermRead); err != nil {
		return nil, err
	}
	columns, err := s.repo.ListColumns(ctx, boardID)
	if err != nil {
		return nil, storeError(err, "column")
	}
	return columns, nil
}

func (s *BoardService) GetColumn(ctx context.Context, p Principal, columnID string) (database.Column, error) {
	return s.columnFor(ctx, p, columnID, PermRead)
}

func (s *BoardService) CreateColumn(ctx context.Context, p Principal, boardID string, in ColumnInput) (database.Column, error) {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermWrite); err != nil {
		return database.Column{}, err
	}
	if err := in.validate(); err != nil {
		return database.Column{}, err
	}

	draft := database.Column{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		WIP:         in.WIP,
		Color:       in.Color,
	}
	var created database.Column
	err := s.engine.mutate(ctx, fixedBoards(boardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, _ Boards) error {
			var err error
			created, err = appendColumn(ctx, tx, boardID, draft)
			return err
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventColumnCreated, boardID, created))
		})
	if err != nil {
		return database.Column{}, err
	}
	return created, nil
}

// UpdateColumn overwrites the fields present in patch. A column never
// changes boards.
func (s *BoardService) UpdateColumn(ctx context.Context, p Principal, columnID string, patch ColumnPatch) (database.Column, error) {
	column, err := s.columnFor(ctx, p, columnID, PermWrite)
	if err != nil {
		return database.Column{}, err
	}
	if err := patch.validate(); err != nil {
		return database.Column{}, err
	}

	var updated database.Column
	err = s.engine.mutate(ctx, fixedBoards(column.BoardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, _ Boards) error {
			c, err := tx.GetColumn(ctx, columnID)
			if err != nil {
				return storeError(err, "column")
			}
			if patch.Name != nil {
				c.Name = strings.TrimSpace(*patch.Name)
			}
			if patch.Description != nil {
				c.Description = *patch.Description
			}
			if patch.Color != nil {
				c.Color = *patch.Color
				if c.Color == "" {
					c.Color = database.DefaultColumnColor
				}
			}
			if patch.WIP.Set {
				c.WIP = nil
				if !patch.WIP.Null {
					wip := patch.WIP.Value
					c.WIP = &wip
				}
			}
			if err := tx.UpdateColumn(ctx, c); err != nil {
				return err
			}
			updated = c
			return nil
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventColumnUpdated, column.BoardID, updated))
		})
	if err != nil {
		return database.Column{}, err
	}
	return updated, nil
}

// DeleteColumn removes the column with every card in it.
func (s *BoardService) DeleteColumn(ctx context.Context, p Principal, columnID string) (database.Column, error) {
	column, err := s.columnFor(ctx, p, columnID, PermWrite)
	if err != nil {
		return database.Column{}, err
	}

	var deleted database.Column
	err = s.engine.mutate(ctx, fixedBoards(column.BoardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, boards Boards) error {
			var err error
			deleted, err = deleteColumnIn(ctx, tx, boards, columnID)
			return err
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventColumnDeleted, column.BoardID, map[string]any{
				"id":    deleted.ID,
				"cards": deleted.Cards,
			}))
		})
	if err != nil {
		return database.Column{}, err
	}
	return deleted, nil
}

// ReorderColumns sets the board's column sequence to ids, which must be a
// permutation of its columns.
func (s *BoardService) ReorderColumns(ctx context.Context, p Principal, boardID string, ids []string) ([]database.Column, error) {
	if _, err := s.gate.Authorize(ctx, p, boardID, PermWrite); err != nil {
		return nil, err
	}
	var columns []database.Column
	err := s.engine.mutate(ctx, fixedBoards(boardID), []Check{memberOf(p)},
		func(ctx context.Context, tx database.Tx, _ Boards) error {
			var err error
			columns, err = reorderColumns(ctx, tx, boardID, ids)
			return err
		},
		func() {
			s.events.Publish(ctx, boardEvent(ctx, EventColumnsReordered, boardID, map[string]any{
				"columnIds": database.ColumnIDs(columns),
			}))
		})
	if err != nil {
		return nil, err
	}
	return columns, nil
}
