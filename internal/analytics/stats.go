package analytics

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/millpulse/backend/internal/db/models"
)

// round1 rounds to one decimal place for display
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func minutesBetween(from, to time.Time) float64 {
	return to.Sub(from).Minutes()
}

func labelOr(v *string, placeholder string) string {
	if v == nil || *v == "" {
		return placeholder
	}
	return *v
}

// eventLess orders events by time, mill, id, state and then their remaining attributes.
// Events it cannot tell apart are identical, so sorting never depends on the order events
// arrived in, even for logs with missing or repeated ids.
func eventLess(a, b *models.HistoricalEvent) bool {
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.Before(b.EventTime)
	}
	if a.Mill != b.Mill {
		return a.Mill < b.Mill
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.State != b.State {
		return a.State < b.State
	}
	for _, pair := range [][2]*string{
		{a.Reason, b.Reason},
		{a.Category, b.Category},
		{a.SubCategory, b.SubCategory},
		{a.Equipment, b.Equipment},
		{a.ProductSpec, b.ProductSpec},
		{a.Factory, b.Factory},
		{a.Comment, b.Comment},
	} {
		if c := compareOptional(pair[0], pair[1]); c != 0 {
			return c < 0
		}
	}
	return compareMinutes(a.Minutes, b.Minutes) < 0
}

// compareOptional orders nil before any value
func compareOptional(a, b *string) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return strings.Compare(*a, *b)
}

func compareMinutes(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	}
	return 0
}

// sortedCopy returns the events in chronological order without touching the input
func sortedCopy(events []models.HistoricalEvent) []models.HistoricalEvent {
	out := make([]models.HistoricalEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool { return eventLess(&out[i], &out[j]) })
	return out
}

// partitionByMill groups events by mill, each partition sorted, mills in name order
func partitionByMill(events []models.HistoricalEvent) ([]string, map[string][]models.HistoricalEvent) {
	partitions := make(map[string][]models.HistoricalEvent)
	for _, e := range events {
		partitions[e.Mill] = append(partitions[e.Mill], e)
	}

	mills := make([]string, 0, len(partitions))
	for mill, evs := range partitions {
		partitions[mill] = sortedCopy(evs)
		mills = append(mills, mill)
	}
	sort.Strings(mills)
	return mills, partitions
}

// rankedCounter counts keys and remembers the order they were first seen in,
// which is the tie-break for every ranking in this package
type rankedCounter[K comparable] struct {
	index  map[K]int
	keys   []K
	counts []int
}

func newRankedCounter[K comparable]() *rankedCounter[K] {
	return &rankedCounter[K]{index: make(map[K]int)}
}

// id returns the stable integer index of key, assigning one on first sight
func (c *rankedCounter[K]) id(key K) int {
	if i, ok := c.index[key]; ok {
		return i
	}
	i := len(c.keys)
	c.index[key] = i
	c.keys = append(c.keys, key)
	c.counts = append(c.counts, 0)
	return i
}

func (c *rankedCounter[K]) add(key K, n int) int {
	i := c.id(key)
	c.counts[i] += n
	return i
}

func (c *rankedCounter[K]) len() int {
	return len(c.keys)
}

// ranked returns key indices by count descending, first-seen order on ties
func (c *rankedCounter[K]) ranked() []int {
	order := make([]int, len(c.keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return c.counts[order[a]] > c.counts[order[b]]
	})
	return order
}

// top returns at most n indices from ranked
func (c *rankedCounter[K]) top(n int) []int {
	order := c.ranked()
	if n >= 0 && len(order) > n {
		order = order[:n]
	}
	return order
}

// mostCommon returns the most frequent key, or false when nothing was counted
func (c *rankedCounter[K]) mostCommon() (K, bool) {
	var zero K
	if len(c.keys) == 0 {
		return zero, false
	}
	best := 0
	for i := 1; i < len(c.counts); i++ {
		if c.counts[i] > c.counts[best] {
			best = i
		}
	}
	return c.keys[best], true
}

// monthOf returns the first instant of t's calendar month in UTC
func monthOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// monthLabel formats a month as "Mon YYYY"
func monthLabel(month time.Time) string {
	return month.Format("Jan 2006")
}
