package core

// Usage accumulates provider-reported token counts across the steps of a
// turn. Counts come from the stream itself, never from post-hoc estimation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add merges another usage sample into the accumulator.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the combined input and output token count.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }
