package ledger

// EstimateTokens approximates the cost of a request before it runs, used to
// size the preflight reservation. Roughly four characters per token for
// English text, a flat per-message cost for history, overhead for the system
// prompt and tool schema, and an average output allowance.
func EstimateTokens(messageLen, historyMessages int, includeTools bool) int {
	messageTokens := messageLen / 4
	historyTokens := historyMessages * 200

	overhead := 500
	if includeTools {
		overhead = 2000
	}

	outputEstimate := 500

	return messageTokens + historyTokens + overhead + outputEstimate
}
