package workflow

import (
	"fmt"
	"time"

	"coldfront/internal/config"
	"coldfront/internal/models"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var twelve = decimal.NewFromInt(12)

// ValidateServiceUnits checks v against the allocation bounds and the decimal
// precision of the service unit columns.
func ValidateServiceUnits(v decimal.Decimal, cfg *config.Config) error {
	if v.LessThan(cfg.AllocationMin) || v.GreaterThan(cfg.AllocationMax) {
		return fmt.Errorf("number of service units %s is not in the acceptable range [%s, %s]",
			v.String(), cfg.AllocationMin.String(), cfg.AllocationMax.String())
	}
	coef := v.Coefficient()
	if digits := len(coef.Abs(coef).String()); digits > cfg.DecimalMaxDigits {
		return fmt.Errorf("number of service units %s has greater than %d digits", v.String(), cfg.DecimalMaxDigits)
	}
	if places := -v.Exponent(); places > int32(cfg.DecimalMaxPlaces) {
		return fmt.Errorf("number of service units %s has greater than %d decimal places", v.String(), cfg.DecimalMaxPlaces)
	}
	return nil
}

// ProratedAllocationAmount returns the share of amount granted at time t
// within period: the full amount before the period, ALLOCATION_MIN after it,
// and otherwise the monthly share times the months remaining from t's month,
// floored to a whole unit.
func ProratedAllocationAmount(amount decimal.Decimal, t time.Time, period *models.AllocationPeriod, cfg *config.Config) (decimal.Decimal, error) {
	if !amount.GreaterThan(cfg.AllocationMin) || !amount.LessThan(cfg.AllocationMax) {
		return decimal.Zero, fmt.Errorf("invalid amount %s", amount.String())
	}
	date := LocalDate(t, cfg.Location)
	start, end := civilDate(period.StartDate), civilDate(period.EndDate)
	if date.Before(start) {
		return amount, nil
	}
	if date.After(end) {
		return cfg.AllocationMin, nil
	}

	var months int64
	if date.Month() >= start.Month() {
		months = 12 - int64(date.Month()-start.Month())
	} else {
		months = int64(start.Month() - date.Month())
	}
	return amount.Div(twelve).Mul(decimal.NewFromInt(months)).Floor(), nil
}

// ServiceUnitsToAllocate decides how many service units approving req grants
// at time now. A request referenced by a renewal gets ALLOCATION_MIN here,
// the renewal adds its own units when processed.
func ServiceUnitsToAllocate(req *models.SavioProjectAllocationRequest, hasRenewal bool, now time.Time, cfg *config.Config) (decimal.Decimal, error) {
	if hasRenewal {
		return cfg.AllocationMin, nil
	}
	switch req.AllocationType {
	case models.AllowanceCO:
		return cfg.CODefaultAllocation, nil
	case models.AllowanceFCA, models.AllowancePCA:
		if req.AllocationPeriod == nil {
			return decimal.Zero, fmt.Errorf("request %d has no allocation period", req.ID)
		}
		amount := cfg.FCADefaultAllocation
		if req.AllocationType == models.AllowancePCA {
			amount = cfg.PCADefaultAllocation
		}
		return ProratedAllocationAmount(amount, now, req.AllocationPeriod, cfg)
	case models.AllowanceICA:
		return cfg.ICADefaultAllocation, nil
	case models.AllowanceRecharge:
		raw := req.ExtraFields.Data().NumServiceUnits
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("request %d has invalid number of service units %q", req.ID, raw)
		}
		return v, ValidateServiceUnits(v, cfg)
	}
	return decimal.Zero, fmt.Errorf("unexpected allocation type %q", req.AllocationType)
}

// NextAllocationStart is midnight after the last day of period, in loc.
func NextAllocationStart(period *models.AllocationPeriod, loc *time.Location) time.Time {
	end := civilDate(period.EndDate)
	return time.Date(end.Year(), end.Month(), end.Day()+1, 0, 0, 0, 0, loc)
}

// PeriodStarted reports whether period has begun on the local date of t.
func PeriodStarted(period *models.AllocationPeriod, t time.Time, loc *time.Location) bool {
	return !LocalDate(t, loc).Before(civilDate(period.StartDate))
}

// ICADatesToAllocation converts the dates chosen for an ICA into the start of
// the first day and the end of the last day, in loc.
func ICADatesToAllocation(dates models.DateRange, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dateLayout, dates.Start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", dates.Start, err)
	}
	end, err := time.ParseInLocation(dateLayout, dates.End, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", dates.End, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s precedes start date %s", dates.End, dates.Start)
	}
	endOfDay := time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 999999000, loc)
	return start, endOfDay, nil
}

// LocalDate truncates t to its calendar date in loc, expressed as midnight UTC
// so that it compares directly with date columns.
func LocalDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return civilDate(t.In(loc))
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ServiceUnitsAfterPurchase is the balance a project holds once added units
// are bought: the unused part of allocation, never negative, plus added.
func ServiceUnitsAfterPurchase(allocation, usage, added decimal.Decimal) decimal.Decimal {
	return decimal.Max(allocation.Sub(usage), decimal.Zero).Add(added)
}
