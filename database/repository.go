package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a version-checked write lost a race.
	ErrConflict = errors.New("version conflict")
	// ErrDuplicate is returned when a write would reuse a unique value,
	// such as another user's email.
	ErrDuplicate = errors.New("duplicate value")
)

// Tx is the document-level access the services need. Both the plain
// repository and the handle passed to Atomic satisfy it.
type Tx interface {
	UpsertUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	CreateBoard(ctx context.Context, board Board) error
	GetBoard(ctx context.Context, id string) (Board, error)
	ListBoardsForUser(ctx context.Context, userID string) ([]Board, error)
	// UpdateBoard writes name, description and thumbnail color when the
	// stored version equals board.Version, and bumps the version.
	UpdateBoard(ctx context.Context, board Board) error
	// TouchBoard bumps the version and last-modified time when the stored
	// version equals version.
	TouchBoard(ctx context.Context, id string, version int64, at time.Time) error
	AddBoardMember(ctx context.Context, boardID, userID string) error
	RemoveBoardMember(ctx context.Context, boardID, userID string) error
	// DeleteBoard removes the board row and its memberships only.
	DeleteBoard(ctx context.Context, id string) error

	CreateColumn(ctx context.Context, column Column) error
	GetColumn(ctx context.Context, id string) (Column, error)
	ListColumns(ctx context.Context, boardID string) ([]Column, error)
	UpdateColumn(ctx context.Context, column Column) error
	SetColumnOrders(ctx context.Context, boardID string, ids []string) error
	DeleteColumn(ctx context.Context, id string) error
	ListOrphanColumns(ctx context.Context) ([]Column, error)

	CreateCard(ctx context.Context, card Card) error
	GetCard(ctx context.Context, id string) (Card, error)
	ListCards(ctx context.Context, columnID string) ([]Card, error)
	ListBoardCards(ctx context.Context, boardID string) ([]Card, error)
	UpdateCard(ctx context.Context, card Card) error
	// SetCardPositions assigns column and position = index for each id.
	SetCardPositions(ctx context.Context, columnID string, ids []string) error
	DeleteCard(ctx context.Context, id string) error
	ListOrphanCards(ctx context.Context) ([]Card, error)
}

// Repository is shared by every component and safe for concurrent use.
type Repository interface {
	Tx
	// Atomic runs fn as one all-or-nothing unit; an error from fn discards
	// every write fn made.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// CardIDs returns the ids of cards in slice order.
func CardIDs(cards []Card) []string {
	ids := make([]string, 0, len(cards))
	for _, c := range cards {
		ids = append(ids, c.ID)
	}
	return ids
}

// ColumnIDs returns the ids of columns in slice order.
func ColumnIDs(columns []Column) []string {
	ids := make([]string, 0, len(columns))
	for _, c := range columns {
		ids = append(ids, c.ID)
	}
	return ids
}
