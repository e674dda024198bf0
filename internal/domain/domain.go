package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Category is a named ranking bucket.
type Category string

const (
	CategoryRealtime Category = "REALTIME"
	CategoryWeekly   Category = "WEEKLY"
	CategoryLegend   Category = "LEGEND"
	CategoryNotice   Category = "NOTICE"
)

// Categories lists every ranking bucket in publication order.
var Categories = []Category{CategoryRealtime, CategoryWeekly, CategoryLegend, CategoryNotice}

func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryRealtime, CategoryWeekly, CategoryLegend, CategoryNotice:
		return c, nil
	}
	return "", fmt.Errorf("unknown category: %q", s)
}

// Score represents a subject's live score within a ranking category.
type Score struct {
	Category   Category
	SubjectID  int64
	Value      decimal.Decimal
	UpdateTime time.Time
}

// Snapshot is an immutable ranked view over every category, stamped with a
// single generation time. It is swapped as a whole, never mutated in place.
type Snapshot struct {
	Generation time.Time
	Boards     map[Category][]int64
}

// Board returns the ranked subject ids for a category. A missing category
// yields an empty board.
func (s *Snapshot) Board(c Category) []int64 {
	if s == nil {
		return nil
	}
	return s.Boards[c]
}

// NotificationType classifies what produced a notification.
type NotificationType string

const (
	NotificationComment  NotificationType = "COMMENT"
	NotificationMessage  NotificationType = "MESSAGE"
	NotificationLike     NotificationType = "LIKE"
	NotificationFeatured NotificationType = "FEATURED"
	NotificationReport   NotificationType = "REPORT"
)

// Notification is the durable record a user polls for. Read and delete
// operations are always scoped to RecipientID.
type Notification struct {
	ID          int64
	RecipientID int64
	Type        NotificationType
	Message     string
	TargetURL   string
	Read        bool
	CreateTime  time.Time
}

// Frame is the structured payload pushed over a live stream connection.
type Frame struct {
	Type    NotificationType `json:"type"`
	Message string           `json:"message"`
	URL     string           `json:"url"`
}

// PushTarget binds a user to one registered device token.
type PushTarget struct {
	UserID int64
	Token  string
}

// SubjectCount is one row of a windowed interaction aggregation.
type SubjectCount struct {
	SubjectID  int64
	Count      int64
	CreateTime time.Time
}
