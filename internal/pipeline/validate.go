package pipeline

import (
	"fmt"
	"math"

	"klinesync/internal/domain"
)

// ValidateBars splits upstream bars for symbol into those safe to store and
// rejections. A bar is rejected when it belongs to another symbol, falls
// outside [from, through], repeats an earlier date, has a non-finite or
// non-positive price, breaks low <= open,close <= high, or has negative
// volume.
func ValidateBars(symbol domain.Symbol, bars []domain.Bar, from, through domain.Date) ([]domain.Bar, []*domain.DataQualityError) {
	valid := make([]domain.Bar, 0, len(bars))
	var rejected []*domain.DataQualityError
	seen := make(map[domain.Date]struct{}, len(bars))

	for _, b := range bars {
		if reason := checkBar(symbol, b, from, through); reason != "" {
			rejected = append(rejected, &domain.DataQualityError{Bar: b, Reason: reason})
			continue
		}
		if _, dup := seen[b.Date]; dup {
			rejected = append(rejected, &domain.DataQualityError{Bar: b, Reason: "duplicate trading date in response"})
			continue
		}
		seen[b.Date] = struct{}{}
		valid = append(valid, b)
	}
	return valid, rejected
}

func checkBar(symbol domain.Symbol, b domain.Bar, from, through domain.Date) string {
	switch {
	case b.Symbol != symbol:
		return fmt.Sprintf("symbol %q, requested %q", b.Symbol, symbol)
	case !b.Date.IsValid():
		return "invalid trading date"
	case b.Date.Before(from) || b.Date.After(through):
		return fmt.Sprintf("trading date outside requested range %s..%s", from, through)
	}
	for _, p := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Sprintf("price %v is not a positive finite number", p)
		}
	}
	switch {
	case b.Low > b.High:
		return fmt.Sprintf("low %v > high %v", b.Low, b.High)
	case b.Open < b.Low || b.Open > b.High:
		return fmt.Sprintf("open %v outside [%v, %v]", b.Open, b.Low, b.High)
	case b.Close < b.Low || b.Close > b.High:
		return fmt.Sprintf("close %v outside [%v, %v]", b.Close, b.Low, b.High)
	case b.Volume < 0:
		return fmt.Sprintf("negative volume %d", b.Volume)
	}
	return ""
}
