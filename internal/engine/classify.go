package engine

import (
	"time"

	"sitepunch/internal/config"
	"sitepunch/internal/domain"
)

// Classify computes the exception tags for a closed entry. Pure over its
// inputs and deterministic: the same entry, config and overlap count always
// produce the same tags in the same order.
func Classify(e domain.TimeEntry, cfg *config.Config, overlaps int) []domain.ExceptionTag {
	return classify(e, cfg, overlaps, e.HasTag(domain.TagAutoClockOut))
}

func classify(e domain.TimeEntry, cfg *config.Config, overlaps int, autoClosed bool) []domain.ExceptionTag {
	tags := []domain.ExceptionTag{}
	if !e.ClockInGeofenceValid {
		tags = append(tags, domain.TagOutsideGeofenceIn)
	}
	if e.ClockOutGeofenceValid != nil && !*e.ClockOutGeofenceValid {
		tags = append(tags, domain.TagOutsideGeofenceOut)
	}
	if d, ok := duration(e); ok && d > time.Duration(cfg.Review.MaxShiftHours*float64(time.Hour)) {
		tags = append(tags, domain.TagExceedsMaxDuration)
	}
	if autoClosed {
		tags = append(tags, domain.TagAutoClockOut)
	}
	if overlaps > 0 {
		tags = append(tags, domain.TagOverlappingEntry)
	}
	if e.DisputeReason != nil && *e.DisputeReason != "" {
		tags = append(tags, domain.TagDisputed)
	}
	return tags
}

func duration(e domain.TimeEntry) (time.Duration, bool) {
	if e.ClockOutAt == nil {
		return 0, false
	}
	in, err := time.Parse(time.RFC3339, e.ClockInAt)
	if err != nil {
		return 0, false
	}
	out, err := time.Parse(time.RFC3339, *e.ClockOutAt)
	if err != nil {
		return 0, false
	}
	return out.Sub(in), true
}
