// Package usage aggregates model token consumption per model and per
// call category (agent, classifier, rules).
package usage

import "sync"

// Sample is one model invocation's token counts.
type Sample struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
}

// Bucket accumulates samples.
type Bucket struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_tokens"`
	Requests        int `json:"requests"`
}

func (b *Bucket) add(s Sample) {
	b.InputTokens += s.InputTokens
	b.OutputTokens += s.OutputTokens
	b.CacheReadTokens += s.CacheReadTokens
	b.Requests++
}

// Tracker is a thread-safe usage aggregator.
type Tracker struct {
	mu         sync.Mutex
	models     map[string]*Bucket
	categories map[string]*Bucket
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		models:     make(map[string]*Bucket),
		categories: make(map[string]*Bucket),
	}
}

// Record books one sample under both its model and its category.
func (t *Tracker) Record(model, category string, s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mb, ok := t.models[model]
	if !ok {
		mb = &Bucket{}
		t.models[model] = mb
	}
	mb.add(s)
	cb, ok := t.categories[category]
	if !ok {
		cb = &Bucket{}
		t.categories[category] = cb
	}
	cb.add(s)
}

// Totals returns the summed input and output tokens across all models.
func (t *Tracker) Totals() (input, output int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.models {
		input += b.InputTokens
		output += b.OutputTokens
	}
	return input, output
}

// ByCategory returns a copy of the per-category buckets.
func (t *Tracker) ByCategory() map[string]Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Bucket, len(t.categories))
	for k, b := range t.categories {
		out[k] = *b
	}
	return out
}
