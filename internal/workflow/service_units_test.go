package workflow

import (
	"testing"
	"time"

	"coldfront/internal/config"
	"coldfront/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func testPeriod() *models.AllocationPeriod {
	return &models.AllocationPeriod{
		Name:      "AY24-25",
		StartDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestProratedAllocationAmount(t *testing.T) {
	cfg := config.ForTests()
	period := testPeriod()
	la := cfg.Location

	tests := []struct {
		name   string
		amount string
		at     time.Time
		want   string
	}{
		{"before period", "300000", time.Date(2024, 5, 15, 12, 0, 0, 0, la), "300000"},
		{"after period", "300000", time.Date(2025, 6, 2, 12, 0, 0, 0, la), "0"},
		{"start month", "300000", time.Date(2024, 6, 10, 12, 0, 0, 0, la), "300000"},
		{"two months in", "300000", time.Date(2024, 8, 1, 12, 0, 0, 0, la), "250000"},
		{"after new year", "300000", time.Date(2025, 1, 15, 12, 0, 0, 0, la), "125000"},
		{"last month", "300000", time.Date(2025, 5, 31, 12, 0, 0, 0, la), "25000"},
		{"floors fractions", "200000", time.Date(2024, 7, 4, 12, 0, 0, 0, la), "183333"},
		{"exact multiple is not floored down", "200000", time.Date(2024, 9, 4, 12, 0, 0, 0, la), "150000"},
		{"monthly share is rounded before scaling", "100", time.Date(2025, 3, 10, 12, 0, 0, 0, la), "24"},
		{"uses display time zone", "300000", time.Date(2024, 8, 1, 5, 0, 0, 0, time.UTC), "275000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProratedAllocationAmount(decimal.RequireFromString(tt.amount), tt.at, period, cfg)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestProratedAllocationAmount_RejectsBounds(t *testing.T) {
	cfg := config.ForTests()
	_, err := ProratedAllocationAmount(cfg.AllocationMin, time.Now(), testPeriod(), cfg)
	assert.Error(t, err)
	_, err = ProratedAllocationAmount(cfg.AllocationMax, time.Now(), testPeriod(), cfg)
	assert.Error(t, err)
}

func TestValidateServiceUnits(t *testing.T) {
	cfg := config.ForTests()

	assert.NoError(t, ValidateServiceUnits(decimal.RequireFromString("0.00"), cfg))
	assert.NoError(t, ValidateServiceUnits(decimal.RequireFromString("100000000.00"), cfg))
	assert.NoError(t, ValidateServiceUnits(decimal.RequireFromString("1234.5"), cfg))

	assert.Error(t, ValidateServiceUnits(decimal.RequireFromString("-1"), cfg))
	assert.Error(t, ValidateServiceUnits(decimal.RequireFromString("100000000.01"), cfg))
	assert.Error(t, ValidateServiceUnits(decimal.RequireFromString("10.123"), cfg))

	cfg.DecimalMaxDigits = 4
	assert.Error(t, ValidateServiceUnits(decimal.RequireFromString("12345"), cfg))
	assert.NoError(t, ValidateServiceUnits(decimal.RequireFromString("1234"), cfg))
}

func TestServiceUnitsToAllocate(t *testing.T) {
	cfg := config.ForTests()
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, cfg.Location)

	req := func(kind models.AllowanceType) *models.SavioProjectAllocationRequest {
		return &models.SavioProjectAllocationRequest{ID: 7, AllocationType: kind, AllocationPeriod: testPeriod()}
	}

	got, err := ServiceUnitsToAllocate(req(models.AllowanceFCA), true, now, cfg)
	require.NoError(t, err)
	assert.True(t, got.Equal(cfg.AllocationMin))

	got, err = ServiceUnitsToAllocate(req(models.AllowanceCO), false, now, cfg)
	require.NoError(t, err)
	assert.True(t, got.Equal(cfg.CODefaultAllocation))

	got, err = ServiceUnitsToAllocate(req(models.AllowanceICA), false, now, cfg)
	require.NoError(t, err)
	assert.True(t, got.Equal(cfg.ICADefaultAllocation))

	got, err = ServiceUnitsToAllocate(req(models.AllowanceFCA), false, now, cfg)
	require.NoError(t, err)
	assert.True(t, got.Equal(cfg.FCADefaultAllocation))

	pca := req(models.AllowancePCA)
	pca.AllocationPeriod = nil
	_, err = ServiceUnitsToAllocate(pca, false, now, cfg)
	assert.Error(t, err)

	recharge := req(models.AllowanceRecharge)
	recharge.ExtraFields = datatypes.NewJSONType(models.SavioExtraFields{NumServiceUnits: "5000.00"})
	got, err = ServiceUnitsToAllocate(recharge, false, now, cfg)
	require.NoError(t, err)
	assert.Equal(t, "5000", got.String())

	recharge.ExtraFields = datatypes.NewJSONType(models.SavioExtraFields{NumServiceUnits: "lots"})
	_, err = ServiceUnitsToAllocate(recharge, false, now, cfg)
	assert.Error(t, err)
}

func TestAllocationDates(t *testing.T) {
	cfg := config.ForTests()
	la := cfg.Location

	next := NextAllocationStart(testPeriod(), la)
	assert.True(t, time.Date(2025, 6, 1, 0, 0, 0, 0, la).Equal(next), "got %s", next)

	assert.False(t, PeriodStarted(testPeriod(), time.Date(2024, 5, 31, 23, 0, 0, 0, la), la))
	assert.True(t, PeriodStarted(testPeriod(), time.Date(2024, 6, 1, 0, 30, 0, 0, la), la))

	start, end, err := ICADatesToAllocation(models.DateRange{Start: "2024-08-15", End: "2024-12-31"}, la)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 8, 15, 0, 0, 0, 0, la).Equal(start), "got %s", start)
	assert.Equal(t, 2024, end.Year())
	assert.Equal(t, 23, end.Hour())
	assert.Equal(t, 59, end.Second())

	_, _, err = ICADatesToAllocation(models.DateRange{Start: "2024-12-31", End: "2024-08-15"}, la)
	assert.Error(t, err)
	_, _, err = ICADatesToAllocation(models.DateRange{Start: "tomorrow", End: "2024-08-15"}, la)
	assert.Error(t, err)
}

func TestServiceUnitsAfterPurchase(t *testing.T) {
	tests := []struct {
		name                     string
		allocation, usage, added string
		want                     string
	}{
		{"unused units carry over", "100.00", "37.50", "300.00", "362.5"},
		{"overdrawn balance floors at zero", "100.00", "120.00", "300.00", "300"},
		{"untouched allocation", "50.00", "0.00", "25.00", "75"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ServiceUnitsAfterPurchase(decimal.RequireFromString(tt.allocation),
				decimal.RequireFromString(tt.usage), decimal.RequireFromString(tt.added))
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), got.String())
		})
	}
}
