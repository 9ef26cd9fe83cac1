package risk

import "github.com/shopspring/decimal"

// CalculateSize derives a position size from the account balance and
// the distance to the stop: risk_amount = balance * riskPct, size =
// risk_amount / (stopPoints * pointValue). Decimal math end to end,
// rounded half-up to two places so the same inputs always produce the
// same lot size.
func CalculateSize(balance, riskPct, stopPoints, pointValue float64) float64 {
	if balance <= 0 || riskPct <= 0 || stopPoints <= 0 || pointValue <= 0 {
		return 0
	}
	riskAmount := decimal.NewFromFloat(balance).Mul(decimal.NewFromFloat(riskPct))
	perLot := decimal.NewFromFloat(stopPoints).Mul(decimal.NewFromFloat(pointValue))
	size := riskAmount.DivRound(perLot, 8)
	out, _ := size.Round(2).Float64()
	return out
}
