package core

// Transcript is the ordered, append-only record of a turn's conversation.
// Order is conversation-logical order, not arrival order of concurrent tool
// results. A Transcript is exclusively owned by one orchestration invocation
// and is not safe for concurrent use.
type Transcript struct {
	messages []Message
}

// NewTranscript creates a transcript seeded with prior history.
func NewTranscript(history ...Message) *Transcript {
	t := &Transcript{}
	t.messages = append(t.messages, history...)
	return t
}

// Append adds a message to the end of the transcript.
func (t *Transcript) Append(m Message) { t.messages = append(t.messages, m) }

// Messages returns a copy of the transcript in conversation order.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages recorded so far.
func (t *Transcript) Len() int { return len(t.messages) }
