package services

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/CrowderSoup/taskboard/database"
)

// Optional distinguishes an absent JSON key from an explicit null.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: v} }

func Null[T any]() Optional[T] { return Optional[T]{Set: true, Null: true} }

type BoardInput struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	ThumbnailColor string `json:"thumbnailColor"`
}

type BoardPatch struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	ThumbnailColor *string `json:"thumbnailColor"`
}

type MemberInput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type ColumnInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	WIP         *int   `json:"wip"`
	Color       string `json:"color"`
}

type ColumnPatch struct {
	Name        *string       `json:"name"`
	Description *string       `json:"description"`
	WIP         Optional[int] `json:"wip"`
	Color       *string       `json:"color"`
}

type CardInput struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Priority    Optional[string] `json:"priority"`
	Status      string           `json:"status"`
	DueDate     Optional[string] `json:"dueDate"`
	Assignees   []string         `json:"assignees"`
}

type CardPatch struct {
	Title       *string          `json:"title"`
	Description *string          `json:"description"`
	Priority    Optional[string] `json:"priority"`
	Status      *string          `json:"status"`
	DueDate     Optional[string] `json:"dueDate"`
	Assignees   *[]string        `json:"assignees"`
}

// problems collects field-level validation messages.
type problems map[string]string

func (p problems) add(field, message string) {
	if _, ok := p[field]; !ok {
		p[field] = message
	}
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return validationError(p)
}

func requireText(p problems, field, value string) {
	if strings.TrimSpace(value) == "" {
		p.add(field, "is required")
	}
}

func optionalText(p problems, field string, value *string) {
	if value != nil && strings.TrimSpace(*value) == "" {
		p.add(field, "must not be empty")
	}
}

func (in BoardInput) validate() error {
	p := problems{}
	requireText(p, "name", in.Name)
	return p.err()
}

func (in BoardPatch) validate() error {
	p := problems{}
	optionalText(p, "name", in.Name)
	return p.err()
}

func validWIP(p problems, wip *int) {
	if wip != nil && *wip <= 0 {
		p.add("wip", "must be a positive integer")
	}
}

func (in ColumnInput) validate() error {
	p := problems{}
	requireText(p, "name", in.Name)
	validWIP(p, in.WIP)
	return p.err()
}

func (in ColumnPatch) validate() error {
	p := problems{}
	optionalText(p, "name", in.Name)
	if in.WIP.Set && !in.WIP.Null {
		validWIP(p, &in.WIP.Value)
	}
	return p.err()
}

func parsePriority(p problems, v Optional[string]) database.Priority {
	if !v.Set || v.Null || v.Value == "" {
		return database.PriorityNone
	}
	switch pr := database.Priority(v.Value); pr {
	case database.PriorityLow, database.PriorityMedium, database.PriorityHigh:
		return pr
	}
	p.add("priority", "must be one of LOW, MEDIUM, HIGH")
	return database.PriorityNone
}

func parseStatus(p problems, v string) database.Status {
	if v == "" {
		return database.StatusNotStarted
	}
	switch s := database.Status(v); s {
	case database.StatusNotStarted, database.StatusInResearch, database.StatusOnTrack, database.StatusCompleted:
		return s
	}
	p.add("status", "must be one of Not Started, In Research, On Track, Completed")
	return ""
}

// parseDueDate accepts a calendar date or an RFC 3339 timestamp.
func parseDueDate(p problems, v Optional[string]) *time.Time {
	if !v.Set || v.Null || v.Value == "" {
		return nil
	}
	if t, err := time.Parse(time.DateOnly, v.Value); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v.Value); err == nil {
		t = t.UTC()
		return &t
	}
	p.add("dueDate", "must be a date (YYYY-MM-DD) or an RFC 3339 timestamp")
	return nil
}

// draft validates the input and builds the card it describes.
func (in CardInput) draft() (database.Card, error) {
	p := problems{}
	requireText(p, "title", in.Title)
	card := database.Card{
		Title:       in.Title,
		Description: in.Description,
		Priority:    parsePriority(p, in.Priority),
		Status:      parseStatus(p, in.Status),
		DueDate:     parseDueDate(p, in.DueDate),
		Assignees:   dedupeIDs(in.Assignees),
	}
	return card, p.err()
}

// apply validates the patch and overwrites the present fields of card.
func (in CardPatch) apply(card database.Card) (database.Card, error) {
	p := problems{}
	optionalText(p, "title", in.Title)
	if in.Title != nil {
		card.Title = *in.Title
	}
	if in.Description != nil {
		card.Description = *in.Description
	}
	if in.Priority.Set {
		card.Priority = parsePriority(p, in.Priority)
	}
	if in.Status != nil {
		if *in.Status == "" {
			p.add("status", "must not be empty")
		} else {
			card.Status = parseStatus(p, *in.Status)
		}
	}
	if in.DueDate.Set {
		card.DueDate = parseDueDate(p, in.DueDate)
	}
	if in.Assignees != nil {
		card.Assignees = dedupeIDs(*in.Assignees)
	}
	return card, p.err()
}

func dedupeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
