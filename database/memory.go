package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps every entity in process memory. Atomic keeps an undo
// log and replays it backwards when fn fails, so a failed unit of work
// leaves no trace.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	users   map[string]User
	boards  map[string]Board
	columns map[string]Column
	cards   map[string]Card
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		users:   make(map[string]User),
		boards:  make(map[string]Board),
		columns: make(map[string]Column),
		cards:   make(map[string]Card),
	}}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{s: m.state}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) run(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{s: m.state})
}

func (m *MemoryStore) UpsertUser(ctx context.Context, user User) error {
	return m.run(func(tx *memTx) error { return tx.UpsertUser(ctx, user) })
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (user User, err error) {
	err = m.run(func(tx *memTx) error { user, err = tx.GetUser(ctx, id); return err })
	return user, err
}

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (user User, err error) {
	err = m.run(func(tx *memTx) error { user, err = tx.GetUserByEmail(ctx, email); return err })
	return user, err
}

func (m *MemoryStore) CreateBoard(ctx context.Context, board Board) error {
	return m.run(func(tx *memTx) error { return tx.CreateBoard(ctx, board) })
}

func (m *MemoryStore) GetBoard(ctx context.Context, id string) (board Board, err error) {
	err = m.run(func(tx *memTx) error { board, err = tx.GetBoard(ctx, id); return err })
	return board, err
}

func (m *MemoryStore) ListBoardsForUser(ctx context.Context, userID string) (boards []Board, err error) {
	err = m.run(func(tx *memTx) error { boards, err = tx.ListBoardsForUser(ctx, userID); return err })
	return boards, err
}

func (m *MemoryStore) UpdateBoard(ctx context.Context, board Board) error {
	return m.run(func(tx *memTx) error { return tx.UpdateBoard(ctx, board) })
}

func (m *MemoryStore) TouchBoard(ctx context.Context, id string, version int64, at time.Time) error {
	return m.run(func(tx *memTx) error { return tx.TouchBoard(ctx, id, version, at) })
}

func (m *MemoryStore) AddBoardMember(ctx context.Context, boardID, userID string) error {
	return m.run(func(tx *memTx) error { return tx.AddBoardMember(ctx, boardID, userID) })
}

func (m *MemoryStore) RemoveBoardMember(ctx context.Context, boardID, userID string) error {
	return m.run(func(tx *memTx) error { return tx.RemoveBoardMember(ctx, boardID, userID) })
}

func (m *MemoryStore) DeleteBoard(ctx context.Context, id string) error {
	return m.run(func(tx *memTx) error { return tx.DeleteBoard(ctx, id) })
}

func (m *MemoryStore) CreateColumn(ctx context.Context, column Column) error {
	return m.run(func(tx *memTx) error { return tx.CreateColumn(ctx, column) })
}

func (m *MemoryStore) GetColumn(ctx context.Context, id string) (column Column, err error) {
	err = m.run(func(tx *memTx) error { column, err = tx.GetColumn(ctx, id); return err })
	return column, err
}

func (m *MemoryStore) ListColumns(ctx context.Context, boardID string) (columns []Column, err error) {
	err = m.run(func(tx *memTx) error { columns, err = tx.ListColumns(ctx, boardID); return err })
	return columns, err
}

func (m *MemoryStore) UpdateColumn(ctx context.Context, column Column) error {
	return m.run(func(tx *memTx) error { return tx.UpdateColumn(ctx, column) })
}

func (m *MemoryStore) SetColumnOrders(ctx context.Context, boardID string, ids []string) error {
	return m.run(func(tx *memTx) error { return tx.SetColumnOrders(ctx, boardID, ids) })
}

func (m *MemoryStore) DeleteColumn(ctx context.Context, id string) error {
	return m.run(func(tx *memTx) error { return tx.DeleteColumn(ctx, id) })
}

func (m *MemoryStore) ListOrphanColumns(ctx context.Context) (columns []Column, err error) {
	err = m.run(func(tx *memTx) error { columns, err = tx.ListOrphanColumns(ctx); return err })
	return columns, err
}

func (m *MemoryStore) CreateCard(ctx context.Context, card Card) error {
	return m.run(func(tx *memTx) error { return tx.CreateCard(ctx, card) })
}

func (m *MemoryStore) GetCard(ctx context.Context, id string) (card Card, err error) {
	err = m.run(func(tx *memTx) error { card, err = tx.GetCard(ctx, id); return err })
	return card, err
}

func (m *MemoryStore) ListCards(ctx context.Context, columnID string) (cards []Card, err error) {
	err = m.run(func(tx *memTx) error { cards, err = tx.ListCards(ctx, columnID); return err })
	return cards, err
}

func (m *MemoryStore) ListBoardCards(ctx context.Context, boardID string) (cards []Card, err error) {
	err = m.run(func(tx *memTx) error { cards, err = tx.ListBoardCards(ctx, boardID); return err })
	return cards, err
}

func (m *MemoryStore) UpdateCard(ctx context.Context, card Card) error {
	return m.run(func(tx *memTx) error { return tx.UpdateCard(ctx, card) })
}

func (m *MemoryStore) SetCardPositions(ctx context.Context, columnID string, ids []string) error {
	return m.run(func(tx *memTx) error { return tx.SetCardPositions(ctx, columnID, ids) })
}

func (m *MemoryStore) DeleteCard(ctx context.Context, id string) error {
	return m.run(func(tx *memTx) error { return tx.DeleteCard(ctx, id) })
}

func (m *MemoryStore) ListOrphanCards(ctx context.Context) (cards []Card, err error) {
	err = m.run(func(tx *memTx) error { cards, err = tx.ListOrphanCards(ctx); return err })
	return cards, err
}

// memTx operates on the shared state; the caller holds MemoryStore.mu.
type memTx struct {
	s    *memState
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) keepUser(id string) {
	prev, ok := t.s.users[id]
	t.undo = append(t.undo, func() {
		if ok {
			t.s.users[id] = prev
		} else {
			delete(t.s.users, id)
		}
	})
}

func (t *memTx) keepBoard(id string) {
	prev, ok := t.s.boards[id]
	t.undo = append(t.undo, func() {
		if ok {
			t.s.boards[id] = prev
		} else {
			delete(t.s.boards, id)
		}
	})
}

func (t *memTx) keepColumn(id string) {
	prev, ok := t.s.columns[id]
	t.undo = append(t.undo, func() {
		if ok {
			t.s.columns[id] = prev
		} else {
			delete(t.s.columns, id)
		}
	})
}

func (t *memTx) keepCard(id string) {
	prev, ok := t.s.cards[id]
	t.undo = append(t.undo, func() {
		if ok {
			t.s.cards[id] = prev
		} else {
			delete(t.s.cards, id)
		}
	})
}

func (t *memTx) UpsertUser(_ context.Context, user User) error {
	for id, u := range t.s.users {
		if id != user.ID && strings.EqualFold(u.Email, user.Email) {
			return fmt.Errorf("upsert user %s: email %q: %w", user.ID, user.Email, ErrDuplicate)
		}
	}
	if prev, ok := t.s.users[user.ID]; ok {
		user.CreatedAt = prev.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	t.keepUser(user.ID)
	t.s.users[user.ID] = user
	return nil
}

func (t *memTx) GetUser(_ context.Context, id string) (User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (t *memTx) GetUserByEmail(_ context.Context, email string) (User, error) {
	for _, u := range t.s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (t *memTx) CreateBoard(_ context.Context, board Board) error {
	if _, ok := t.s.boards[board.ID]; ok {
		return fmt.Errorf("create board %s: already exists", board.ID)
	}
	board.Members = dedupe(board.Members)
	board.Columns = nil
	t.keepBoard(board.ID)
	t.s.boards[board.ID] = board
	return nil
}

func (t *memTx) GetBoard(_ context.Context, id string) (Board, error) {
	b, ok := t.s.boards[id]
	if !ok {
		return Board{}, ErrNotFound
	}
	return t.populateBoard(b), nil
}

func (t *memTx) populateBoard(b Board) Board {
	b.Members = copyIDs(b.Members)
	b.Columns = ColumnIDs(t.columnsOf(b.ID))
	return b
}

func (t *memTx) ListBoardsForUser(_ context.Context, userID string) ([]Board, error) {
	out := []Board{}
	for _, b := range t.s.boards {
		if b.HasMember(userID) {
			out = append(out, t.populateBoard(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateBoard(_ context.Context, board Board) error {
	stored, ok := t.s.boards[board.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != board.Version {
		return ErrConflict
	}
	t.keepBoard(board.ID)
	stored.Name = board.Name
	stored.Description = board.Description
	stored.ThumbnailColor = board.ThumbnailColor
	stored.LastModified = board.LastModified
	stored.Version++
	t.s.boards[board.ID] = stored
	return nil
}

func (t *memTx) TouchBoard(_ context.Context, id string, version int64, at time.Time) error {
	stored, ok := t.s.boards[id]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != version {
		return ErrConflict
	}
	t.keepBoard(id)
	stored.LastModified = at
	stored.Version++
	t.s.boards[id] = stored
	return nil
}

func (t *memTx) AddBoardMember(_ context.Context, boardID, userID string) error {
	stored, ok := t.s.boards[boardID]
	if !ok {
		return ErrNotFound
	}
	if stored.HasMember(userID) {
		return nil
	}
	t.keepBoard(boardID)
	stored.Members = append(copyIDs(stored.Members), userID)
	t.s.boards[boardID] = stored
	return nil
}

func (t *memTx) RemoveBoardMember(_ context.Context, boardID, userID string) error {
	stored, ok := t.s.boards[boardID]
	if !ok {
		return ErrNotFound
	}
	t.keepBoard(boardID)
	members := make([]string, 0, len(stored.Members))
	for _, id := range stored.Members {
		if id != userID {
			members = append(members, id)
		}
	}
	stored.Members = members
	t.s.boards[boardID] = stored
	return nil
}

func (t *memTx) DeleteBoard(_ context.Context, id string) error {
	if _, ok := t.s.boards[id]; !ok {
		return ErrNotFound
	}
	t.keepBoard(id)
	delete(t.s.boards, id)
	return nil
}

func (t *memTx) CreateColumn(_ context.Context, column Column) error {
	if _, ok := t.s.columns[column.ID]; ok {
		return fmt.Errorf("create column %s: already exists", column.ID)
	}
	column.Cards = nil
	column.WIP = cloneInt(column.WIP)
	t.keepColumn(column.ID)
	t.s.columns[column.ID] = column
	return nil
}

func (t *memTx) GetColumn(_ context.Context, id string) (Column, error) {
	c, ok := t.s.columns[id]
	if !ok {
		return Column{}, ErrNotFound
	}
	return t.populateColumn(c), nil
}

func (t *memTx) populateColumn(c Column) Column {
	c.WIP = cloneInt(c.WIP)
	c.Cards = CardIDs(t.cardsOf(c.ID))
	return c
}

func (t *memTx) columnsOf(boardID string) []Column {
	out := []Column{}
	for _, c := range t.s.columns {
		if c.BoardID == boardID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) ListColumns(_ context.Context, boardID string) ([]Column, error) {
	columns := t.columnsOf(boardID)
	for i := range columns {
		columns[i] = t.populateColumn(columns[i])
	}
	return columns, nil
}

func (t *memTx) UpdateColumn(_ context.Context, column Column) error {
	stored, ok := t.s.columns[column.ID]
	if !ok {
		return ErrNotFound
	}
	t.keepColumn(column.ID)
	stored.Name = column.Name
	stored.Description = column.Description
	stored.WIP = cloneInt(column.WIP)
	stored.Color = column.Color
	t.s.columns[column.ID] = stored
	return nil
}

func (t *memTx) SetColumnOrders(_ context.Context, boardID string, ids []string) error {
	for i, id := range ids {
		stored, ok := t.s.columns[id]
		if !ok || stored.BoardID != boardID {
			return fmt.Errorf("set column order %s: %w", id, ErrNotFound)
		}
		t.keepColumn(id)
		stored.Order = i
		t.s.columns[id] = stored
	}
	return nil
}

func (t *memTx) DeleteColumn(_ context.Context, id string) error {
	if _, ok := t.s.columns[id]; !ok {
		return ErrNotFound
	}
	t.keepColumn(id)
	delete(t.s.columns, id)
	return nil
}

func (t *memTx) ListOrphanColumns(_ context.Context) ([]Column, error) {
	out := []Column{}
	for _, c := range t.s.columns {
		if _, ok := t.s.boards[c.BoardID]; !ok {
			out = append(out, t.populateColumn(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreateCard(_ context.Context, card Card) error {
	if _, ok := t.s.cards[card.ID]; ok {
		return fmt.Errorf("create card %s: already exists", card.ID)
	}
	t.keepCard(card.ID)
	t.s.cards[card.ID] = cloneCard(card)
	return nil
}

func (t *memTx) GetCard(_ context.Context, id string) (Card, error) {
	c, ok := t.s.cards[id]
	if !ok {
		return Card{}, ErrNotFound
	}
	return cloneCard(c), nil
}

func (t *memTx) cardsOf(columnID string) []Card {
	out := []Card{}
	for _, c := range t.s.cards {
		if c.ColumnID == columnID {
			out = append(out, cloneCard(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memTx) ListCards(_ context.Context, columnID string) ([]Card, error) {
	return t.cardsOf(columnID), nil
}

func (t *memTx) ListBoardCards(_ context.Context, boardID string) ([]Card, error) {
	out := []Card{}
	for _, c := range t.s.cards {
		if c.BoardID == boardID {
			out = append(out, cloneCard(c))
		}
	}
	orderOf := func(columnID string) int {
		if col, ok := t.s.columns[columnID]; ok {
			return col.Order
		}
		return -1
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := orderOf(out[i].ColumnID), orderOf(out[j].ColumnID)
		if oi != oj {
			return oi < oj
		}
		if out[i].ColumnID != out[j].ColumnID {
			return out[i].ColumnID < out[j].ColumnID
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) UpdateCard(_ context.Context, card Card) error {
	if _, ok := t.s.cards[card.ID]; !ok {
		return ErrNotFound
	}
	t.keepCard(card.ID)
	t.s.cards[card.ID] = cloneCard(card)
	return nil
}

func (t *memTx) SetCardPositions(_ context.Context, columnID string, ids []string) error {
	for i, id := range ids {
		stored, ok := t.s.cards[id]
		if !ok {
			return fmt.Errorf("set card position %s: %w", id, ErrNotFound)
		}
		t.keepCard(id)
		stored.ColumnID = columnID
		stored.Position = i
		t.s.cards[id] = stored
	}
	return nil
}

func (t *memTx) DeleteCard(_ context.Context, id string) error {
	if _, ok := t.s.cards[id]; !ok {
		return ErrNotFound
	}
	t.keepCard(id)
	delete(t.s.cards, id)
	return nil
}

func (t *memTx) ListOrphanCards(_ context.Context) ([]Card, error) {
	out := []Card{}
	for _, c := range t.s.cards {
		if _, ok := t.s.columns[c.ColumnID]; !ok {
			out = append(out, cloneCard(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneCard(c Card) Card {
	c.Assignees = copyIDs(c.Assignees)
	if c.DueDate != nil {
		d := *c.DueDate
		c.DueDate = &d
	}
	return c
}

func copyIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
