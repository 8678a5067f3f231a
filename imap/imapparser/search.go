package imapparser

// SeqContains reports whether seqNum falls in any of the ranges.
// A Max of 0 is the '*' placeholder and matches everything above Min.
func SeqContains(sequences []SeqRange, seqNum uint32) bool {
	for _, seq := range sequences {
		if seq.Min <= seqNum && (seq.Max == 0 || seq.Max >= seqNum) {
			return true
		}
	}
	return false
}

// Walk visits op and every descendant, stopping early when fn
// reports false.
func Walk(op *SearchOp, fn func(*SearchOp) bool) bool {
	if !fn(op) {
		return false
	}
	for i := range op.Children {
		if !Walk(&op.Children[i], fn) {
			return false
		}
	}
	return true
}
