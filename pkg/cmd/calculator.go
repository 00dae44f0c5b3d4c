package cmd

import (
	"fmt"
	"strings"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/recurrence"
)

// NewCalculator builds the recurrence calculator with the holiday calendar
// given as comma-separated YYYY-MM-DD dates.
func NewCalculator(holidays string) (*recurrence.Calculator, error) {
	var dates []models.Date

	for _, raw := range strings.Split(holidays, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		d, err := models.ParseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", raw, err)
		}

		dates = append(dates, d)
	}

	return recurrence.New(recurrence.WithHolidays(recurrence.NewHolidaySet(dates...))), nil
}
