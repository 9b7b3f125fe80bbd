package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Repository on top of database/sql. Queries are
// written with ? placeholders and rebound for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	sqlTx
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{
		db:     db,
		driver: driver,
		sqlTx:  sqlTx{q: db, driver: driver},
	}
}

func (s *SQLStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return WithTx(ctx, s.db, nil, func(ctx context.Context, q DBTX) error {
		return fn(ctx, &sqlTx{q: q, driver: s.driver})
	})
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// sqlTx runs every query against q, which is either the pool or an open
// transaction. Result sets are drained before the next query is issued so
// a single connection is never asked to interleave statements.
type sqlTx struct {
	q      DBTX
	driver string
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.q.ExecContext(ctx, rebind(t.driver, query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.q.QueryContext(ctx, rebind(t.driver, query), args...)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(ctx, rebind(t.driver, query), args...)
}

func (t *sqlTx) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *sqlTx) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := t.queryRow(ctx, "SELECT COUNT(1) FROM "+table+" WHERE id = ?", id).Scan(&n)
	return n > 0, err
}

// missOrConflict decides why a version-checked update touched no rows.
func (t *sqlTx) missOrConflict(ctx context.Context, id string) error {
	ok, err := t.exists(ctx, "boards", id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrConflict
}

func (t *sqlTx) UpsertUser(ctx context.Context, user User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	var holder string
	err := t.queryRow(ctx, "SELECT id FROM users WHERE LOWER(email) = LOWER(?) AND id <> ?", user.Email, user.ID).Scan(&holder)
	switch {
	case err == nil:
		return fmt.Errorf("upsert user %s: email %q: %w", user.ID, user.Email, ErrDuplicate)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	_, err = t.exec(ctx, `
		INSERT INTO users (id, email, name, avatar, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			avatar = excluded.avatar`,
		user.ID, user.Email, user.Name, user.Avatar, user.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("upsert user %s: email %q: %w", user.ID, user.Email, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

const userColumns = "id, email, name, avatar, created_at"

func scanUser(row *sql.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Avatar, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (t *sqlTx) GetUser(ctx context.Context, id string) (User, error) {
	return scanUser(t.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

func (t *sqlTx) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(t.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE LOWER(email) = LOWER(?)", email))
}

func (t *sqlTx) CreateBoard(ctx context.Context, board Board) error {
	now := time.Now().UTC()
	if board.LastModified.IsZero() {
		board.LastModified = now
	}
	_, err := t.exec(ctx, `
		INSERT INTO boards (id, name, description, thumbnail_color, version, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		board.ID, board.Name, board.Description, board.ThumbnailColor, board.Version, board.LastModified.UTC(), now)
	if err != nil {
		return fmt.Errorf("create board %s: %w", board.ID, err)
	}
	for i, userID := range dedupe(board.Members) {
		if _, err := t.exec(ctx, "INSERT INTO board_members (board_id, user_id, seq) VALUES (?, ?, ?)", board.ID, userID, i); err != nil {
			return fmt.Errorf("create board %s member %s: %w", board.ID, userID, err)
		}
	}
	return nil
}

const boardColumns = "b.id, b.name, b.description, b.thumbnail_color, b.version, b.last_modified"

func (t *sqlTx) populateBoard(ctx context.Context, b *Board) error {
	var err error
	b.Members, err = t.queryStrings(ctx, "SELECT user_id FROM board_members WHERE board_id = ? ORDER BY seq, user_id", b.ID)
	if err != nil {
		return fmt.Errorf("list members of %s: %w", b.ID, err)
	}
	b.Columns, err = t.queryStrings(ctx, "SELECT id FROM board_columns WHERE board_id = ? ORDER BY sort_order, id", b.ID)
	if err != nil {
		return fmt.Errorf("list columns of %s: %w", b.ID, err)
	}
	return nil
}

func (t *sqlTx) GetBoard(ctx context.Context, id string) (Board, error) {
	var b Board
	err := t.queryRow(ctx, "SELECT "+boardColumns+" FROM boards b WHERE b.id = ?", id).
		Scan(&b.ID, &b.Name, &b.Description, &b.ThumbnailColor, &b.Version, &b.LastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, ErrNotFound
	}
	if err != nil {
		return Board{}, fmt.Errorf("get board %s: %w", id, err)
	}
	if err := t.populateBoard(ctx, &b); err != nil {
		return Board{}, err
	}
	return b, nil
}

func (t *sqlTx) ListBoardsForUser(ctx context.Context, userID string) ([]Board, error) {
	rows, err := t.query(ctx, `
		SELECT `+boardColumns+`
		FROM boards b
		JOIN board_members m ON m.board_id = b.id
		WHERE m.user_id = ?
		ORDER BY b.last_modified DESC, b.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards for %s: %w", userID, err)
	}
	boards := []Board{}
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.ThumbnailColor, &b.Version, &b.LastModified); err != nil {
			rows.Close()
			return nil, err
		}
		boards = append(boards, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range boards {
		if err := t.populateBoard(ctx, &boards[i]); err != nil {
			return nil, err
		}
	}
	return boards, nil
}

func (t *sqlTx) UpdateBoard(ctx context.Context, board Board) error {
	n, err := t.exec(ctx, `
		UPDATE boards
		SET name = ?, description = ?, thumbnail_color = ?, last_modified = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		board.Name, board.Description, board.ThumbnailColor, board.LastModified.UTC(), board.ID, board.Version)
	if err != nil {
		return fmt.Errorf("update board %s: %w", board.ID, err)
	}
	if n == 0 {
		return t.missOrConflict(ctx, board.ID)
	}
	return nil
}

func (t *sqlTx) TouchBoard(ctx context.Context, id string, version int64, at time.Time) error {
	n, err := t.exec(ctx,
		"UPDATE boards SET last_modified = ?, version = version + 1 WHERE id = ? AND version = ?",
		at.UTC(), id, version)
	if err != nil {
		return fmt.Errorf("touch board %s: %w", id, err)
	}
	if n == 0 {
		return t.missOrConflict(ctx, id)
	}
	return nil
}

func (t *sqlTx) AddBoardMember(ctx context.Context, boardID, userID string) error {
	ok, err := t.exists(ctx, "boards", boardID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	_, err = t.exec(ctx, `
		INSERT INTO board_members (board_id, user_id, seq)
		SELECT ?, ?, COALESCE(MAX(seq), -1) + 1 FROM board_members WHERE board_id = ?
		ON CONFLICT (board_id, user_id) DO NOTHING`,
		boardID, userID, boardID)
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, boardID, err)
	}
	return nil
}

func (t *sqlTx) RemoveBoardMember(ctx context.Context, boardID, userID string) error {
	ok, err := t.exists(ctx, "boards", boardID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if _, err := t.exec(ctx, "DELETE FROM board_members WHERE board_id = ? AND user_id = ?", boardID, userID); err != nil {
		return fmt.Errorf("remove member %s from %s: %w", userID, boardID, err)
	}
	return nil
}

func (t *sqlTx) DeleteBoard(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "DELETE FROM boards WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete board %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := t.exec(ctx, "DELETE FROM board_members WHERE board_id = ?", id); err != nil {
		return fmt.Errorf("delete members of %s: %w", id, err)
	}
	return nil
}

func (t *sqlTx) CreateColumn(ctx context.Context, column Column) error {
	_, err := t.exec(ctx, `
		INSERT INTO board_columns (id, board_id, name, description, wip, color, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		column.ID, column.BoardID, column.Name, column.Description, nullInt(column.WIP), column.Color, column.Order)
	if err != nil {
		return fmt.Errorf("create column %s: %w", column.ID, err)
	}
	return nil
}

const columnColumns = "id, board_id, name, description, wip, color, sort_order"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanColumn(row rowScanner) (Column, error) {
	var (
		c   Column
		wip sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.BoardID, &c.Name, &c.Description, &wip, &c.Color, &c.Order); err != nil {
		return Column{}, err
	}
	if wip.Valid {
		n := int(wip.Int64)
		c.WIP = &n
	}
	return c, nil
}

func (t *sqlTx) columnCards(ctx context.Context, columnID string) ([]string, error) {
	ids, err := t.queryStrings(ctx, "SELECT id FROM cards WHERE column_id = ? ORDER BY position, id", columnID)
	if err != nil {
		return nil, fmt.Errorf("list cards of %s: %w", columnID, err)
	}
	return ids, nil
}

func (t *sqlTx) GetColumn(ctx context.Context, id string) (Column, error) {
	c, err := scanColumn(t.queryRow(ctx, "SELECT "+columnColumns+" FROM board_columns WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Column{}, ErrNotFound
	}
	if err != nil {
		return Column{}, fmt.Errorf("get column %s: %w", id, err)
	}
	if c.Cards, err = t.columnCards(ctx, id); err != nil {
		return Column{}, err
	}
	return c, nil
}

func (t *sqlTx) listColumns(ctx context.Context, query string, args ...any) ([]Column, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	columns := []Column{}
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range columns {
		if columns[i].Cards, err = t.columnCards(ctx, columns[i].ID); err != nil {
			return nil, err
		}
	}
	return columns, nil
}

func (t *sqlTx) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	columns, err := t.listColumns(ctx,
		"SELECT "+columnColumns+" FROM board_columns WHERE board_id = ? ORDER BY sort_order, id", boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", boardID, err)
	}
	return columns, nil
}

func (t *sqlTx) UpdateColumn(ctx context.Context, column Column) error {
	n, err := t.exec(ctx,
		"UPDATE board_columns SET name = ?, description = ?, wip = ?, color = ? WHERE id = ?",
		column.Name, column.Description, nullInt(column.WIP), column.Color, column.ID)
	if err != nil {
		return fmt.Errorf("update column %s: %w", column.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) SetColumnOrders(ctx context.Context, boardID string, ids []string) error {
	for i, id := range ids {
		n, err := t.exec(ctx, "UPDATE board_columns SET sort_order = ? WHERE id = ? AND board_id = ?", i, id, boardID)
		if err != nil {
			return fmt.Errorf("set column order %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("set column order %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func (t *sqlTx) DeleteColumn(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "DELETE FROM board_columns WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete column %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) ListOrphanColumns(ctx context.Context) ([]Column, error) {
	columns, err := t.listColumns(ctx, `
		SELECT `+columnColumns+` FROM board_columns c
		WHERE NOT EXISTS (SELECT 1 FROM boards b WHERE b.id = c.board_id)
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("list orphan columns: %w", err)
	}
	return columns, nil
}

func (t *sqlTx) CreateCard(ctx context.Context, card Card) error {
	_, err := t.exec(ctx, `
		INSERT INTO cards (id, board_id, column_id, title, description, priority, status, due_date, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.BoardID, card.ColumnID, card.Title, card.Description,
		string(card.Priority), string(card.Status), nullTime(card.DueDate), card.Position)
	if err != nil {
		return fmt.Errorf("create card %s: %w", card.ID, err)
	}
	return t.writeAssignees(ctx, card.ID, card.Assignees)
}

func (t *sqlTx) writeAssignees(ctx context.Context, cardID string, assignees []string) error {
	if _, err := t.exec(ctx, "DELETE FROM card_assignees WHERE card_id = ?", cardID); err != nil {
		return fmt.Errorf("clear assignees of %s: %w", cardID, err)
	}
	for i, userID := range dedupe(assignees) {
		if _, err := t.exec(ctx, "INSERT INTO card_assignees (card_id, user_id, seq) VALUES (?, ?, ?)", cardID, userID, i); err != nil {
			return fmt.Errorf("assign %s to %s: %w", userID, cardID, err)
		}
	}
	return nil
}

const cardColumns = "c.id, c.board_id, c.column_id, c.title, c.description, c.priority, c.status, c.due_date, c.position"

func scanCard(row rowScanner) (Card, error) {
	var (
		c        Card
		priority string
		status   string
		due      sql.NullTime
	)
	err := row.Scan(&c.ID, &c.BoardID, &c.ColumnID, &c.Title, &c.Description, &priority, &status, &due, &c.Position)
	if err != nil {
		return Card{}, err
	}
	c.Priority = Priority(priority)
	c.Status = Status(status)
	if due.Valid {
		d := due.Time.UTC()
		c.DueDate = &d
	}
	return c, nil
}

func (t *sqlTx) cardAssignees(ctx context.Context, cardID string) ([]string, error) {
	ids, err := t.queryStrings(ctx, "SELECT user_id FROM card_assignees WHERE card_id = ? ORDER BY seq, user_id", cardID)
	if err != nil {
		return nil, fmt.Errorf("list assignees of %s: %w", cardID, err)
	}
	return ids, nil
}

func (t *sqlTx) GetCard(ctx context.Context, id string) (Card, error) {
	c, err := scanCard(t.queryRow(ctx, "SELECT "+cardColumns+" FROM cards c WHERE c.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, ErrNotFound
	}
	if err != nil {
		return Card{}, fmt.Errorf("get card %s: %w", id, err)
	}
	if c.Assignees, err = t.cardAssignees(ctx, id); err != nil {
		return Card{}, err
	}
	return c, nil
}

func (t *sqlTx) listCards(ctx context.Context, query string, args ...any) ([]Card, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cards := []Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range cards {
		if cards[i].Assignees, err = t.cardAssignees(ctx, cards[i].ID); err != nil {
			return nil, err
		}
	}
	return cards, nil
}

func (t *sqlTx) ListCards(ctx context.Context, columnID string) ([]Card, error) {
	cards, err := t.listCards(ctx,
		"SELECT "+cardColumns+" FROM cards c WHERE c.column_id = ? ORDER BY c.position, c.id", columnID)
	if err != nil {
		return nil, fmt.Errorf("list cards of %s: %w", columnID, err)
	}
	return cards, nil
}

func (t *sqlTx) ListBoardCards(ctx context.Context, boardID string) ([]Card, error) {
	cards, err := t.listCards(ctx, `
		SELECT `+cardColumns+` FROM cards c
		LEFT JOIN board_columns col ON col.id = c.column_id
		WHERE c.board_id = ?
		ORDER BY COALESCE(col.sort_order, -1), c.column_id, c.position, c.id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list cards of board %s: %w", boardID, err)
	}
	return cards, nil
}

func (t *sqlTx) UpdateCard(ctx context.Context, card Card) error {
	n, err := t.exec(ctx, `
		UPDATE cards
		SET board_id = ?, column_id = ?, title = ?, description = ?, priority = ?, status = ?, due_date = ?, position = ?
		WHERE id = ?`,
		card.BoardID, card.ColumnID, card.Title, card.Description,
		string(card.Priority), string(card.Status), nullTime(card.DueDate), card.Position, card.ID)
	if err != nil {
		return fmt.Errorf("update card %s: %w", card.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return t.writeAssignees(ctx, card.ID, card.Assignees)
}

func (t *sqlTx) SetCardPositions(ctx context.Context, columnID string, ids []string) error {
	for i, id := range ids {
		n, err := t.exec(ctx, "UPDATE cards SET column_id = ?, position = ? WHERE id = ?", columnID, i, id)
		if err != nil {
			return fmt.Errorf("set card position %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("set card position %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func (t *sqlTx) DeleteCard(ctx context.Context, id string) error {
	n, err := t.exec(ctx, "DELETE FROM cards WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete card %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := t.exec(ctx, "DELETE FROM card_assignees WHERE card_id = ?", id); err != nil {
		return fmt.Errorf("delete assignees of %s: %w", id, err)
	}
	return nil
}

func (t *sqlTx) ListOrphanCards(ctx context.Context) ([]Card, error) {
	cards, err := t.listCards(ctx, `
		SELECT `+cardColumns+` FROM cards c
		WHERE NOT EXISTS (SELECT 1 FROM board_columns col WHERE col.id = c.column_id)
		ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("list orphan cards: %w", err)
	}
	return cards, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}
