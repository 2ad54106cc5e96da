// Package mood tallies the emotion labels reported in a room and derives the
// room's overall mood and engagement level.
package mood

import "sync"

// Labels is the fixed set of tallied emotion labels, in display order.
var Labels = []string{"happy", "neutral", "sad", "angry", "surprised", "disgusted"}

const (
	MoodPositive = "Positive"
	MoodNegative = "Negative"
	MoodNeutral  = "Neutral"

	EngagementLow    = "Low"
	EngagementMedium = "Medium"
	EngagementHigh   = "High"

	highEngagementThreshold   = 25
	mediumEngagementThreshold = 10
)

type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type Summary struct {
	RoomID     string       `json:"roomId"`
	Counts     []LabelCount `json:"counts"`
	Positive   int          `json:"positive"`
	Negative   int          `json:"negative"`
	Neutral    int          `json:"neutral"`
	Total      int          `json:"total"`
	Mood       string       `json:"mood"`
	Engagement string       `json:"engagement"`
}

// IsLabel reports whether label is one of Labels.
func IsLabel(label string) bool {
	for _, l := range Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Summarize derives a Summary from raw per-label counts.
func Summarize(roomID string, counts map[string]int) Summary {
	s := Summary{RoomID: roomID, Counts: make([]LabelCount, 0, len(Labels))}
	for _, l := range Labels {
		s.Counts = append(s.Counts, LabelCount{Label: l, Count: counts[l]})
	}

	s.Positive = counts["happy"] + counts["surprised"]
	s.Negative = counts["sad"] + counts["angry"] + counts["disgusted"]
	s.Neutral = counts["neutral"]
	s.Total = s.Positive + s.Negative + s.Neutral

	switch {
	case s.Positive > s.Negative && s.Positive > s.Neutral:
		s.Mood = MoodPositive
	case s.Negative > s.Positive && s.Negative > s.Neutral:
		s.Mood = MoodNegative
	default:
		s.Mood = MoodNeutral
	}

	switch {
	case s.Total > highEngagementThreshold:
		s.Engagement = EngagementHigh
	case s.Total > mediumEngagementThreshold:
		s.Engagement = EngagementMedium
	default:
		s.Engagement = EngagementLow
	}
	return s
}

// Board keeps per-room tallies.
type Board struct {
	mu    sync.Mutex
	rooms map[string]map[string]int
}

func NewBoard() *Board {
	return &Board{rooms: make(map[string]map[string]int)}
}

// Record counts one label for room. Labels outside Labels are not counted
// and ok is false.
func (b *Board) Record(roomID, label string) (s Summary, ok bool) {
	if !IsLabel(label) {
		return b.Summary(roomID), false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	counts, exists := b.rooms[roomID]
	if !exists {
		counts = make(map[string]int, len(Labels))
		b.rooms[roomID] = counts
	}
	counts[label]++
	return Summarize(roomID, counts), true
}

func (b *Board) Summary(roomID string) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Summarize(roomID, b.rooms[roomID])
}

func (b *Board) Reset(roomID string) {
	b.mu.Lock()
	delete(b.rooms, roomID)
	b.mu.Unlock()
}
