package correlator

import (
	"fmt"
	"strconv"
	"time"

	"github.com/t77yq/casewatch/internal/model"
)

// SLAPolicy maps a case priority to the hours allowed until resolution
type SLAPolicy struct {
	hours map[model.Priority]int
}

// DefaultSLAPolicy is 4h for urgent, 8h for high, 24h for normal and 72h for low
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{hours: map[model.Priority]int{
		model.PriorityUrgent: 4,
		model.PriorityHigh:   8,
		model.PriorityNormal: 24,
		model.PriorityLow:    72,
	}}
}

// NewSLAPolicy builds a policy from the "1".."4" keyed configuration table.
// Priorities missing from hours keep their default.
func NewSLAPolicy(hours map[string]int) (SLAPolicy, error) {
	policy := DefaultSLAPolicy()
	for key, h := range hours {
		n, err := strconv.Atoi(key)
		if err != nil || !model.Priority(n).Valid() {
			return SLAPolicy{}, fmt.Errorf("invalid sla priority %q", key)
		}
		if h <= 0 {
			return SLAPolicy{}, fmt.Errorf("sla hours for priority %s must be positive", key)
		}
		policy.hours[model.Priority(n)] = h
	}
	return policy, nil
}

// Hours returns the SLA hours of a priority. Unknown priorities get the lowest one's.
func (p SLAPolicy) Hours(priority model.Priority) int {
	if h, ok := p.hours[priority]; ok {
		return h
	}
	return p.hours[model.PriorityLow]
}

// Deadline returns createdAt + Hours(priority)
func (p SLAPolicy) Deadline(createdAt time.Time, priority model.Priority) time.Time {
	return createdAt.UTC().Add(time.Duration(p.Hours(priority)) * time.Hour)
}
