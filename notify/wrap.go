package notify

// Wrap packs tokens into lines that stay under budget, greedily in input
// order. Each token is emitted with the separator appended; a line is flushed
// once appending the next token would reach the budget. A token longer than
// the budget is placed alone on its own line rather than dropped or split.
// Empty input produces no lines.
func Wrap(tokens []string, sep string, budget int) []string {
	var out []string
	var cur string
	for _, tok := range tokens {
		candidate := cur + tok + sep
		if len(candidate) >= budget && cur != "" {
			out = append(out, cur)
			cur = tok + sep
			continue
		}
		cur = candidate
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
