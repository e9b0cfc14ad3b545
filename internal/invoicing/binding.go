package invoicing

// captureBindings records the withholding binding of each PRODUCT line, in
// positional order. Used before a bulk line rewrite so bindings survive
// clients that resend lines without the withholding field.
func captureBindings(lines []Line) []*int64 {
	var captured []*int64
	for _, line := range lines {
		if line.Kind != LineKindProduct {
			continue
		}
		if line.WithholdingRateID != nil {
			id := *line.WithholdingRateID
			captured = append(captured, &id)
		} else {
			captured = append(captured, nil)
		}
	}
	return captured
}

// reapplyBindings restores captured bindings onto the rewritten lines by
// PRODUCT-line position. A line that arrived with an explicit binding keeps
// it. When the PRODUCT line count changed the shape of the document is
// considered genuinely new and the captured bindings are dropped without
// error.
func reapplyBindings(captured []*int64, lines []Line) {
	var positions []int
	for i, line := range lines {
		if line.Kind == LineKindProduct {
			positions = append(positions, i)
		}
	}
	if len(positions) != len(captured) {
		return
	}
	for i, pos := range positions {
		if lines[pos].WithholdingRateID != nil {
			continue
		}
		if captured[i] == nil {
			continue
		}
		id := *captured[i]
		lines[pos].WithholdingRateID = &id
	}
}

// applyDefaultRate binds the partner's default withholding rate to PRODUCT
// lines created without an explicit binding. Only invoked when the caller
// asked for the prefill; a nil default leaves lines untouched.
func applyDefaultRate(lines []Line, defaultRateID *int64) {
	if defaultRateID == nil {
		return
	}
	for i := range lines {
		if lines[i].Kind != LineKindProduct || lines[i].WithholdingRateID != nil {
			continue
		}
		id := *defaultRateID
		lines[i].WithholdingRateID = &id
	}
}
