package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrowderSoup/taskboard/database"
)

func TestCreateBoard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	board, columns := f.board(t, alice, "  Launch  ")
	assert.Equal(t, "Launch", board.Name)
	assert.Equal(t, []string{alice.UserID}, board.Members)
	assert.Equal(t, database.DefaultThumbnailColor, board.ThumbnailColor)
	require.Len(t, columns, 3)
	for i, name := range []string{"To Do", "In Progress", "Done"} {
		assert.Equal(t, name, columns[i].Name)
		assert.Equal(t, i, columns[i].Order)
		assert.Equal(t, board.ID, columns[i].BoardID)
	}
	assert.Equal(t, database.ColumnIDs(columns), board.Columns)

	profile, err := f.svc.Profile(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{board.ID}, profile.Boards)
	f.consistent(t, board.ID)
}

func TestCreateBoard_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBoard(ctx, alice, BoardInput{Name: "   "})
	require.ErrorIs(t, err, ErrValidation)
	var de *DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "is required", de.Details["name"])

	boards, err := f.svc.ListBoards(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, boards)

	_, err = f.svc.CreateBoard(ctx, Principal{}, BoardInput{Name: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetBoard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Launch")
	c1 := f.card(t, alice, columns[0].ID, "first")
	c2 := f.card(t, alice, columns[0].ID, "second")

	detail, err := f.svc.GetBoard(ctx, alice, board.ID)
	require.NoError(t, err)
	require.Len(t, detail.Members, 1)
	assert.Equal(t, alice.Email, detail.Members[0].Email)
	require.Len(t, detail.Columns, 3)
	assert.Equal(t, []string{c1.ID, c2.ID}, database.CardIDs(detail.Columns[0].Cards))
	assert.NotNil(t, detail.Columns[1].Cards)
	assert.Empty(t, detail.Columns[1].Cards)

	_, err = f.svc.GetBoard(ctx, bob, board.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetBoard(ctx, bob, "no-such-board")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBoard_Partial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board, err := f.svc.CreateBoard(ctx, alice, BoardInput{Name: "Launch", Description: "Q3", ThumbnailColor: "#000000"})
	require.NoError(t, err)

	var patch BoardPatch
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Relaunch"}`), &patch))
	updated, err := f.svc.UpdateBoard(ctx, alice, board.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, "Relaunch", updated.Name)
	assert.Equal(t, "Q3", updated.Description)
	assert.Equal(t, "#000000", updated.ThumbnailColor)
	assert.Greater(t, updated.Version, board.Version)

	empty := ""
	_, err = f.svc.UpdateBoard(ctx, alice, board.ID, BoardPatch{Name: &empty})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, []string{EventBoardUpdated}, f.events.types())
}

func TestNonMemberWritesAreForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Private")
	card := f.card(t, alice, columns[0].ID, "secret")
	f.events.reset()

	before, err := f.svc.GetBoard(ctx, alice, board.ID)
	require.NoError(t, err)

	name := "hijacked"
	attempts := map[string]func() error{
		"update board": func() error {
			_, err := f.svc.UpdateBoard(ctx, bob, board.ID, BoardPatch{Name: &name})
			return err
		},
		"delete board": func() error { return f.svc.DeleteBoard(ctx, bob, board.ID) },
		"add member": func() error {
			_, err := f.svc.AddMember(ctx, bob, board.ID, MemberInput{UserID: bob.UserID})
			return err
		},
		"remove member": func() error { return f.svc.RemoveMember(ctx, bob, board.ID, alice.UserID) },
		"create column": func() error {
			_, err := f.svc.CreateColumn(ctx, bob, board.ID, ColumnInput{Name: "x"})
			return err
		},
		"update column": func() error {
			_, err := f.svc.UpdateColumn(ctx, bob, columns[0].ID, ColumnPatch{Name: &name})
			return err
		},
		"delete column": func() error {
			_, err := f.svc.DeleteColumn(ctx, bob, columns[0].ID)
			return err
		},
		"reorder columns": func() error {
			ids := database.ColumnIDs(columns)
			_, err := f.svc.ReorderColumns(ctx, bob, board.ID, []string{ids[2], ids[1], ids[0]})
			return err
		},
		"create card": func() error {
			_, err := f.svc.CreateCard(ctx, bob, columns[0].ID, CardInput{Title: "x"})
			return err
		},
		"update card": func() error {
			_, err := f.svc.UpdateCard(ctx, bob, card.ID, CardPatch{Title: &name})
			return err
		},
		"move card": func() error {
			_, err := f.svc.MoveCard(ctx, bob, card.ID, columns[2].ID, 0)
			return err
		},
		"delete card": func() error {
			_, err := f.svc.DeleteCard(ctx, bob, card.ID)
			return err
		},
	}
	for name, attempt := range attempts {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, attempt(), ErrForbidden)
			after, err := f.svc.GetBoard(ctx, alice, board.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
	assert.Empty(t, f.events.all())
}

func TestDeleteBoard_Cascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Doomed")
	_, err := f.svc.AddMember(ctx, alice, board.ID, MemberInput{Email: bob.Email})
	require.NoError(t, err)
	other, _ := f.board(t, alice, "Survivor")

	var cards []database.Card
	for i, col := range columns {
		for j := 0; j <= i; j++ {
			cards = append(cards, f.card(t, alice, col.ID, "task"))
		}
	}
	require.Len(t, cards, 6)
	f.events.reset()

	require.NoError(t, f.svc.DeleteBoard(WithOrigin(ctx, "s-1"), alice, board.ID))

	for _, col := range columns {
		_, err := f.svc.GetColumn(ctx, alice, col.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for _, c := range cards {
		_, err := f.svc.GetCard(ctx, alice, c.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for _, p := range []Principal{alice, bob} {
		profile, err := f.svc.Profile(ctx, p)
		require.NoError(t, err)
		assert.NotContains(t, profile.Boards, board.ID)
	}
	_, err = f.svc.GetBoard(ctx, alice, board.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.GetBoard(ctx, alice, other.ID)
	assert.NoError(t, err)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventBoardDeleted, eventType(events[0]))
	assert.Equal(t, "s-1", events[0].Origin)
}

func TestDeleteBoard_FailureRollsBackAndQueuesRepair(t *testing.T) {
	repo := newFaultyRepo()
	f := newFixtureOn(t, repo)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Fragile")
	f.card(t, alice, columns[0].ID, "keep me")
	before, err := f.svc.GetBoard(ctx, alice, board.ID)
	require.NoError(t, err)

	repo.set(func(r *faultyRepo) { r.deleteColumn = errors.New("connection reset") })
	err = f.svc.DeleteBoard(ctx, alice, board.ID)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{board.ID}, f.repair.Pending())

	after, err := f.svc.GetBoard(ctx, alice, board.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	repo.set(func(r *faultyRepo) { r.deleteColumn = nil })
	report, err := f.repair.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Boards)
	assert.Empty(t, f.repair.Pending())
	f.consistent(t, board.ID)
}

func TestDeleteBoard_PartialWriteIsRepaired(t *testing.T) {
	repo := newFaultyRepo()
	f := newFixtureOn(t, repo)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Half gone")
	var cards []database.Card
	for _, col := range columns {
		cards = append(cards, f.card(t, alice, col.ID, "task"))
	}

	repo.set(func(r *faultyRepo) {
		r.direct = true
		r.deleteColumn = errors.New("connection reset")
	})
	err := f.svc.DeleteBoard(ctx, alice, board.ID)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{board.ID}, f.repair.Pending())

	violations, err := f.repair.CheckBoard(ctx, board.ID)
	require.NoError(t, err)
	require.NotEmpty(t, violations)
	for _, v := range violations {
		assert.Equal(t, ViolationLeftover, v.Kind)
	}

	repo.set(func(r *faultyRepo) {
		r.direct = false
		r.deleteColumn = nil
	})
	report, err := f.repair.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Boards)

	leftColumns, err := repo.ListColumns(ctx, board.ID)
	require.NoError(t, err)
	assert.Empty(t, leftColumns)
	for _, c := range cards {
		_, err := repo.GetCard(ctx, c.ID)
		assert.ErrorIs(t, err, database.ErrNotFound)
	}
	f.consistent(t, board.ID)
}

func TestMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Team")

	_, err := f.svc.AddMember(ctx, alice, board.ID, MemberInput{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.AddMember(ctx, alice, board.ID, MemberInput{Email: "nobody@example.com"})
	assert.ErrorIs(t, err, ErrNotFound)

	added, err := f.svc.AddMember(ctx, alice, board.ID, MemberInput{Email: bob.Email})
	require.NoError(t, err)
	assert.Equal(t, bob.UserID, added.ID)
	_, err = f.svc.AddMember(ctx, alice, board.ID, MemberInput{UserID: bob.UserID})
	require.NoError(t, err)

	detail, err := f.svc.GetBoard(ctx, bob, board.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Members, 2)

	card, err := f.svc.CreateCard(ctx, bob, columns[0].ID, CardInput{
		Title:     "shared",
		Assignees: []string{alice.UserID, bob.UserID},
	})
	require.NoError(t, err)

	err = f.svc.RemoveMember(ctx, alice, board.ID, carol.UserID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.svc.RemoveMember(ctx, alice, board.ID, bob.UserID))
	stripped, err := f.svc.GetCard(ctx, alice, card.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.UserID}, stripped.Assignees)
	_, err = f.svc.GetBoard(ctx, bob, board.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	err = f.svc.RemoveMember(ctx, alice, board.ID, alice.UserID)
	require.ErrorIs(t, err, ErrValidation)

	events := f.events.all()
	last := events[len(events)-1]
	assert.Equal(t, EventMemberRemoved, eventType(last))
	assert.Equal(t, bob.UserID, last.Evict)
}

func TestEnsureUser_EmailTakenByAnotherUser(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo database.Repository) {
		f := newFixtureOn(t, repo)
		ctx := context.Background()

		for _, email := range []string{alice.Email, "Alice@Example.COM"} {
			_, err := f.svc.EnsureUser(ctx, Principal{UserID: "u-other", Email: email, Name: "Other"})
			require.ErrorIs(t, err, ErrValidation, email)
			assert.NotErrorIs(t, err, ErrUnavailable)
			var de *DomainError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, ErrValidation.Status, de.Status)
			assert.Equal(t, map[string]string{"email": "is already in use"}, de.Details)
		}

		_, err := repo.GetUser(ctx, "u-other")
		assert.ErrorIs(t, err, database.ErrNotFound)

		renamed := alice
		renamed.Name = "Alice B."
		user, err := f.svc.EnsureUser(ctx, renamed)
		require.NoError(t, err)
		assert.Equal(t, "Alice B.", user.Name)
	})
}

func TestCards_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, columns := f.board(t, alice, "Checks")
	col := columns[0].ID

	var in CardInput
	require.NoError(t, json.Unmarshal([]byte(`{"title":"","priority":"URGENT","status":"Blocked","dueDate":"2024-02-30"}`), &in))
	_, err := f.svc.CreateCard(ctx, alice, col, in)
	require.ErrorIs(t, err, ErrValidation)
	var de *DomainError
	require.ErrorAs(t, err, &de)
	for _, field := range []string{"title", "priority", "status", "dueDate"} {
		assert.Contains(t, de.Details, field)
	}

	_, err = f.svc.CreateCard(ctx, alice, col, CardInput{Title: "x", Assignees: []string{"ghost"}})
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Details["assignees"], "unknown user")

	_, err = f.svc.CreateCard(ctx, alice, col, CardInput{Title: "x", Assignees: []string{carol.UserID}})
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Details["assignees"], "not a member")

	assert.Empty(t, f.cardsIn(t, col))

	card, err := f.svc.CreateCard(ctx, alice, col, CardInput{Title: "ok"})
	require.NoError(t, err)
	assert.Equal(t, database.StatusNotStarted, card.Status)
	assert.Equal(t, database.PriorityNone, card.Priority)
	assert.Nil(t, card.DueDate)
	assert.NotNil(t, card.Assignees)
}

func TestUpdateCard_Patch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, columns := f.board(t, alice, "Edits")

	var in CardInput
	require.NoError(t, json.Unmarshal([]byte(`{"title":"Write docs","description":"all of them","priority":"HIGH","dueDate":"2024-04-01"}`), &in))
	card, err := f.svc.CreateCard(ctx, alice, columns[0].ID, in)
	require.NoError(t, err)
	require.NotNil(t, card.DueDate)

	var patch CardPatch
	require.NoError(t, json.Unmarshal([]byte(`{"status":"On Track","dueDate":null}`), &patch))
	updated, err := f.svc.UpdateCard(WithOrigin(ctx, "s-9"), alice, card.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, "Write docs", updated.Title)
	assert.Equal(t, "all of them", updated.Description)
	assert.Equal(t, database.PriorityHigh, updated.Priority)
	assert.Equal(t, database.StatusOnTrack, updated.Status)
	assert.Nil(t, updated.DueDate)
	assert.Equal(t, card.ColumnID, updated.ColumnID)
	assert.Equal(t, card.Position, updated.Position)

	var unset CardPatch
	require.NoError(t, json.Unmarshal([]byte(`{"priority":null}`), &unset))
	updated, err = f.svc.UpdateCard(ctx, alice, card.ID, unset)
	require.NoError(t, err)
	assert.Equal(t, database.PriorityNone, updated.Priority)

	_, err = f.svc.UpdateCard(ctx, alice, card.ID, CardPatch{Assignees: &[]string{carol.UserID}})
	assert.ErrorIs(t, err, ErrValidation)

	events := f.events.all()
	require.Len(t, events, 3)
	assert.Equal(t, EventCardEdited, eventType(events[1]))
	assert.Equal(t, "s-9", events[1].Origin)
}

func TestMoveCard_Service(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Flow")
	c1 := f.card(t, alice, columns[0].ID, "c1")
	c2 := f.card(t, alice, columns[0].ID, "c2")
	f.events.reset()

	move, err := f.svc.MoveCard(WithOrigin(ctx, "s-1"), alice, c1.ID, columns[2].ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{c2.ID}, f.cardsIn(t, columns[0].ID))
	assert.Equal(t, []string{c1.ID}, f.cardsIn(t, columns[2].ID))
	assert.Equal(t, columns[2].ID, move.Card.ColumnID)

	events := f.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, "s-1", events[0].Origin)
	assert.Equal(t, CardMoved{
		Type:       EventCardUpdated,
		BoardID:    board.ID,
		CardID:     c1.ID,
		FromColumn: columns[0].ID,
		ToColumn:   columns[2].ID,
		Position:   0,
	}, events[0].Payload)

	_, err = f.svc.MoveCard(ctx, alice, c2.ID, "no-such-column", 0)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{c2.ID}, f.cardsIn(t, columns[0].ID))
	f.consistent(t, board.ID)
}

func TestMoveCard_AcrossBoards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, srcCols := f.board(t, alice, "Source")
	dst, dstCols := f.board(t, alice, "Destination")
	_, err := f.svc.AddMember(ctx, alice, src.ID, MemberInput{UserID: carol.UserID})
	require.NoError(t, err)

	card, err := f.svc.CreateCard(ctx, alice, srcCols[0].ID, CardInput{
		Title:     "travels",
		Assignees: []string{alice.UserID, carol.UserID},
	})
	require.NoError(t, err)

	_, err = f.svc.MoveCard(ctx, carol, card.ID, dstCols[0].ID, 0)
	require.ErrorIs(t, err, ErrForbidden)
	unchanged, err := f.svc.GetCard(ctx, alice, card.ID)
	require.NoError(t, err)
	assert.Equal(t, card, unchanged)
	f.events.reset()

	move, err := f.svc.MoveCard(ctx, alice, card.ID, dstCols[1].ID, 5)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, move.Card.BoardID)
	assert.Equal(t, []string{alice.UserID}, move.Card.Assignees)

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, src.ID, events[0].BoardID)
	assert.Equal(t, dst.ID, events[1].BoardID)

	_, err = f.svc.GetCard(ctx, carol, card.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	f.consistent(t, src.ID)
	f.consistent(t, dst.ID)
}

func TestColumns_Service(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	board, columns := f.board(t, alice, "Columns")

	_, err := f.svc.CreateColumn(ctx, alice, board.ID, ColumnInput{Name: "Review", WIP: intPtr(0)})
	require.ErrorIs(t, err, ErrValidation)

	review, err := f.svc.CreateColumn(ctx, alice, board.ID, ColumnInput{Name: "Review", WIP: intPtr(3)})
	require.NoError(t, err)
	assert.Equal(t, 3, review.Order)
	require.NotNil(t, review.WIP)
	assert.Equal(t, 3, *review.WIP)
	assert.Equal(t, database.DefaultColumnColor, review.Color)

	var patch ColumnPatch
	require.NoError(t, json.Unmarshal([]byte(`{"wip":null,"color":"#ff0000"}`), &patch))
	updated, err := f.svc.UpdateColumn(ctx, alice, review.ID, patch)
	require.NoError(t, err)
	assert.Nil(t, updated.WIP)
	assert.Equal(t, "#ff0000", updated.Color)
	assert.Equal(t, "Review", updated.Name)

	ids := append(database.ColumnIDs(columns), review.ID)
	reordered, err := f.svc.ReorderColumns(ctx, alice, board.ID, []string{ids[3], ids[0], ids[1], ids[2]})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[3], ids[0], ids[1], ids[2]}, database.ColumnIDs(reordered))

	_, err = f.svc.ReorderColumns(ctx, alice, board.ID, ids[:3])
	require.ErrorIs(t, err, ErrValidation)
	listed, err := f.svc.ListColumns(ctx, alice, board.ID)
	require.NoError(t, err)
	assert.Equal(t, database.ColumnIDs(reordered), database.ColumnIDs(listed))

	card := f.card(t, alice, review.ID, "in review")
	deleted, err := f.svc.DeleteColumn(ctx, alice, review.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{card.ID}, deleted.Cards)
	_, err = f.svc.GetCard(ctx, alice, card.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{
		EventColumnCreated, EventColumnUpdated, EventColumnsReordered,
		EventCardCreated, EventColumnDeleted,
	}, f.events.types())
	f.consistent(t, board.ID)
}

func intPtr(v int) *int { return &v }
