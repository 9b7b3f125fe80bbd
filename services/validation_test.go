package services

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CrowderSoup/taskboard/database"
)

func TestOptional(t *testing.T) {
	var v struct {
		A Optional[int] `json:"a"`
		B Optional[int] `json:"b"`
		C Optional[int] `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 3, "b": null}`), &v))
	assert.Equal(t, Some(3), v.A)
	assert.Equal(t, Null[int](), v.B)
	assert.False(t, v.C.Set)

	assert.Error(t, json.Unmarshal([]byte(`{"a": "three"}`), &v))
}

func TestParseDueDate(t *testing.T) {
	tests := []struct {
		in   Optional[string]
		want *time.Time
		bad  bool
	}{
		{in: Optional[string]{}},
		{in: Null[string]()},
		{in: Some("")},
		{in: Some("2024-04-01"), want: ptr(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))},
		{in: Some("2024-04-01T09:30:00+02:00"), want: ptr(time.Date(2024, 4, 1, 7, 30, 0, 0, time.UTC))},
		{in: Some("2023-02-29"), bad: true},
		{in: Some("next tuesday"), bad: true},
	}
	for _, tt := range tests {
		p := problems{}
		got := parseDueDate(p, tt.in)
		if tt.bad {
			assert.Contains(t, p, "dueDate", tt.in.Value)
			assert.Nil(t, got)
			continue
		}
		assert.Empty(t, p, tt.in.Value)
		assert.Equal(t, tt.want, got, tt.in.Value)
	}
}

func TestCardInput_Draft(t *testing.T) {
	card, err := CardInput{
		Title:     "Ship it",
		Priority:  Some("MEDIUM"),
		Status:    "In Research",
		Assignees: []string{"u1", "u2", "u1"},
	}.draft()
	require.NoError(t, err)
	assert.Equal(t, database.PriorityMedium, card.Priority)
	assert.Equal(t, database.StatusInResearch, card.Status)
	assert.Equal(t, []string{"u1", "u2"}, card.Assignees)

	_, err = CardInput{Title: "x", Priority: Some("low")}.draft()
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCardPatch_Apply(t *testing.T) {
	due := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	card := database.Card{
		Title:    "Before",
		Priority: database.PriorityLow,
		Status:   database.StatusOnTrack,
		DueDate:  &due,
	}

	empty := ""
	_, err := CardPatch{Status: &empty}.apply(card)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = CardPatch{Title: &empty}.apply(card)
	assert.ErrorIs(t, err, ErrValidation)

	title := "After"
	next, err := CardPatch{Title: &title, Priority: Null[string]()}.apply(card)
	require.NoError(t, err)
	assert.Equal(t, "After", next.Title)
	assert.Equal(t, database.PriorityNone, next.Priority)
	assert.Equal(t, database.StatusOnTrack, next.Status)
	assert.Equal(t, &due, next.DueDate)
	assert.Equal(t, "Before", card.Title)
}

func TestColumnValidation(t *testing.T) {
	assert.ErrorIs(t, ColumnInput{Name: "x", WIP: intPtr(-1)}.validate(), ErrValidation)
	assert.NoError(t, ColumnInput{Name: "x"}.validate())
	assert.NoError(t, ColumnPatch{WIP: Null[int]()}.validate())
	assert.ErrorIs(t, ColumnPatch{WIP: Some(0)}.validate(), ErrValidation)
}

func ptr[T any](v T) *T { return &v }
