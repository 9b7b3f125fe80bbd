package services

import (
	"context"

	"github.com/CrowderSoup/taskboard/database"
)

type Permission int

const (
	PermRead Permission = iota
	PermWrite
)

func (p Permission) String() string {
	if p == PermWrite {
		return "write"
	}
	return "read"
}

type boardReader interface {
	GetBoard(ctx context.Context, id string) (database.Board, error)
}

// Gate decides whether a principal may read or write a board. Membership
// grants both; anything else grants nothing.
type Gate struct {
	boards boardReader
}

func NewGate(boards boardReader) *Gate {
	return &Gate{boards: boards}
}

func (g *Gate) CanRead(p Principal, board database.Board) bool {
	return p.UserID != "" && board.HasMember(p.UserID)
}

func (g *Gate) CanWrite(p Principal, board database.Board) bool {
	return p.UserID != "" && board.HasMember(p.UserID)
}

func (g *Gate) check(p Principal, board database.Board, perm Permission) error {
	allowed := g.CanRead(p, board)
	if perm == PermWrite {
		allowed = g.CanWrite(p, board)
	}
	if !allowed {
		return forbidden()
	}
	return nil
}

// Authorize loads the board and checks perm. A missing board is reported as
// not found before membership is considered; any other lookup failure
// denies access.
func (g *Gate) Authorize(ctx context.Context, p Principal, boardID string, perm Permission) (database.Board, error) {
	board, err := g.boards.GetBoard(ctx, boardID)
	if err != nil {
		return database.Board{}, storeError(err, "board")
	}
	if err := g.check(p, board, perm); err != nil {
		return database.Board{}, err
	}
	return board, nil
}
