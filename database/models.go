package database

import (
	"encoding/json"
	"time"
)

type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// MarshalJSON renders an unset priority as null.
func (p Priority) MarshalJSON() ([]byte, error) {
	if p == PriorityNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(p))
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = PriorityNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = Priority(s)
	return nil
}

type Status string

const (
	StatusNotStarted Status = "Not Started"
	StatusInResearch Status = "In Research"
	StatusOnTrack    Status = "On Track"
	StatusCompleted  Status = "Completed"
)

const (
	DefaultThumbnailColor = "#6366f1"
	DefaultColumnColor    = "#94a3b8"
)

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"-"`
}

// Board is the top-level workspace. Members is the access-control list;
// Columns is derived from the board's columns sorted by Order.
type Board struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	ThumbnailColor string    `json:"thumbnailColor"`
	Members        []string  `json:"members"`
	Columns        []string  `json:"columns"`
	LastModified   time.Time `json:"lastModified"`
	Version        int64     `json:"-"`
}

func (b Board) HasMember(userID string) bool {
	for _, id := range b.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// Column belongs to exactly one board for its whole life. Cards is derived
// from the cards' positions.
type Column struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	WIP         *int     `json:"wip"`
	Color       string   `json:"color"`
	BoardID     string   `json:"board"`
	Order       int      `json:"order"`
	Cards       []string `json:"cards"`
}

type Card struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	DueDate     *time.Time `json:"dueDate"`
	Assignees   []string   `json:"assignees"`
	ColumnID    string     `json:"column"`
	BoardID     string     `json:"board"`
	Position    int        `json:"position"`
}
