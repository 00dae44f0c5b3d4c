package dispatcher

import (
	"time"

	"github.com/dukex/courier/pkg/models"
)

// Release is a batch of tasks that becomes ready at one instant.
type Release struct {
	At      time.Time
	TaskIDs []string
}

// BatchSize is ceil(ratePerHour / batchesPerHour). Zero means no rate limit:
// every task goes out in a single batch.
func BatchSize(ratePerHour, batchesPerHour int) int {
	if ratePerHour <= 0 {
		return 0
	}

	if batchesPerHour <= 0 {
		batchesPerHour = 1
	}

	return (ratePerHour + batchesPerHour - 1) / batchesPerHour
}

// BatchInterval is the spacing between consecutive batches.
func BatchInterval(batchesPerHour int) time.Duration {
	if batchesPerHour <= 0 {
		return time.Hour
	}

	return time.Hour / time.Duration(batchesPerHour)
}

// Calendar bounds the instants at which batches may be released: inside the
// execution window, on a date the schedule's filters do not exclude.
type Calendar struct {
	Window   *models.ExecutionWindow
	Location *time.Location
	Excluded func(models.Date) bool
}

// NextOpen returns t when it is releasable, otherwise the next instant that
// is. After maxCalendarDays excluded dates it gives up on the date filters.
func (c Calendar) NextOpen(t time.Time) time.Time {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}

	t = t.In(loc)
	if c.Window != nil {
		t = c.Window.NextOpen(t)
	}

	if c.Excluded == nil {
		return t
	}

	candidate := t

	for range maxCalendarDays {
		day := models.DateOf(candidate)
		if !c.Excluded(day) {
			return candidate
		}

		opens := models.Clock{}
		if c.Window != nil {
			opens = c.Window.Start
		}

		candidate = day.AddDays(1).At(opens, loc)
	}

	return t
}

const maxCalendarDays = 365

// Plan splits taskIDs into rate-limited batches starting at start. A batch
// that would fall outside the calendar moves to its next opening, and the
// following batches keep their spacing from there.
func Plan(taskIDs []string, ratePerHour, batchesPerHour int, start time.Time, cal Calendar) []Release {
	if len(taskIDs) == 0 {
		return nil
	}

	size := BatchSize(ratePerHour, batchesPerHour)
	if size == 0 {
		size = len(taskIDs)
	}

	interval := BatchInterval(batchesPerHour)
	releases := make([]Release, 0, (len(taskIDs)+size-1)/size)
	cursor := start

	for offset := 0; offset < len(taskIDs); offset += size {
		at := cursor
		if cal.Window != nil || cal.Excluded != nil {
			at = cal.NextOpen(cursor)
		}

		end := min(offset+size, len(taskIDs))
		releases = append(releases, Release{At: at, TaskIDs: taskIDs[offset:end]})
		cursor = at.Add(interval)
	}

	return releases
}
