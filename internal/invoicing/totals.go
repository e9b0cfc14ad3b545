package invoicing

import (
	"fmt"

	"github.com/fontetax/fontetax/internal/ledger"
)

// ComputeTotals derives every monetary aggregate of the invoice from its
// lines. The computation is a pure function of the lines and the supplied
// rates: calling it twice in a row yields identical results, and stale values
// from a previous run are always discarded.
//
// Withholding is summed as subtotal x percentage / 100 per bound line, in
// line order, with rounding applied once per aggregate at the end. The
// breakdown groups bound lines by rate identity, ordered by first encounter.
func ComputeTotals(inv *Invoice, rates map[int64]RateRef) error {
	inv.AmountUntaxed = 0
	inv.TaxAmount = 0
	inv.AmountTotal = 0
	inv.WithholdingAmount = 0
	inv.NetAmount = 0
	inv.Breakdown = nil

	var untaxed, tax, withholding float64
	index := make(map[int64]int)
	var rows []BreakdownRow

	for _, line := range inv.Lines {
		switch line.Kind {
		case LineKindProduct:
			untaxed += line.Subtotal
		case LineKindTax, LineKindRounding:
			tax += line.Subtotal
		default:
			continue
		}
		if line.Kind != LineKindProduct || line.WithholdingRateID == nil {
			continue
		}
		rate, ok := rates[*line.WithholdingRateID]
		if !ok {
			return fmt.Errorf("%w: line %d references rate %d", ErrUnknownRate, line.Seq, *line.WithholdingRateID)
		}
		amount := line.Subtotal * rate.Percentage / 100
		withholding += amount
		pos, seen := index[rate.ID]
		if !seen {
			index[rate.ID] = len(rows)
			rows = append(rows, BreakdownRow{
				RateID:     rate.ID,
				RateName:   rate.Name,
				RateCode:   rate.Code,
				Percentage: rate.Percentage,
			})
			pos = len(rows) - 1
		}
		rows[pos].Base += line.Subtotal
		rows[pos].Amount += amount
	}

	for i := range rows {
		rows[i].Base = ledger.Round2(rows[i].Base)
		rows[i].Amount = ledger.Round2(rows[i].Amount)
	}

	inv.AmountUntaxed = ledger.Round2(untaxed)
	inv.TaxAmount = ledger.Round2(tax)
	inv.AmountTotal = ledger.Round2(untaxed + tax)
	inv.WithholdingAmount = ledger.Round2(withholding)
	inv.NetAmount = ledger.Round2(inv.AmountTotal - withholding)
	inv.Breakdown = rows
	return nil
}

// boundRateIDs collects the distinct rate IDs referenced by the invoice
// lines, in encounter order.
func boundRateIDs(lines []Line) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, line := range lines {
		if line.Kind != LineKindProduct || line.WithholdingRateID == nil {
			continue
		}
		id := *line.WithholdingRateID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
