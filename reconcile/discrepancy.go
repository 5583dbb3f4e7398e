package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/warp/quota-engine/quota"
)

// Tolerances: a difference is tolerated up to max(floor, 5% of central).
const (
	DailyToleranceFloor   = 50
	MonthlyToleranceFloor = 500
)

var tolerancePct = decimal.RequireFromString("0.05")

// tolerance returns max(floor, 5% of central).
func tolerance(central, floor int) decimal.Decimal {
	pct := decimal.NewFromInt(int64(central)).Mul(tolerancePct)
	return decimal.Max(decimal.NewFromInt(int64(floor)), pct)
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// Compare checks reported figures against central ones. The status is
// warning when either the daily or the monthly difference exceeds its
// tolerance.
func Compare(centralDaily, reportedDaily, centralMonthly, reportedMonthly int) (quota.DiscrepancyStatus, quota.Discrepancy) {
	dTol := tolerance(centralDaily, DailyToleranceFloor)
	mTol := tolerance(centralMonthly, MonthlyToleranceFloor)

	d := quota.Discrepancy{
		CentralDaily:     centralDaily,
		ReportedDaily:    reportedDaily,
		DailyDiff:        absDiff(centralDaily, reportedDaily),
		DailyTolerance:   int(dTol.IntPart()),
		CentralMonthly:   centralMonthly,
		ReportedMonthly:  reportedMonthly,
		MonthlyDiff:      absDiff(centralMonthly, reportedMonthly),
		MonthlyTolerance: int(mTol.IntPart()),
	}

	dailyOver := decimal.NewFromInt(int64(d.DailyDiff)).GreaterThan(dTol)
	monthlyOver := decimal.NewFromInt(int64(d.MonthlyDiff)).GreaterThan(mTol)
	d.HasDiscrepancy = dailyOver || monthlyOver

	if d.HasDiscrepancy {
		return quota.DiscrepancyWarning, d
	}
	return quota.DiscrepancyNormal, d
}
