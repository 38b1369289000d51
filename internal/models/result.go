package models

// ItemFailure records one per-item failure inside a batch operation.
type ItemFailure struct {
	// ID identifies the failed item: a message ID or an account ID,
	// depending on the operation.
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BatchResult is the aggregate outcome reported by sync and delivery
// triggers: how many items were processed, how many failed, and why.
type BatchResult struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Failures  []ItemFailure `json:"failures,omitempty"`
}

// Record adds a failure to the result.
func (r *BatchResult) Record(id string, err error) {
	r.Failed++
	r.Failures = append(r.Failures, ItemFailure{ID: id, Error: err.Error()})
}

// Merge folds another result into this one.
func (r *BatchResult) Merge(other BatchResult) {
	r.Processed += other.Processed
	r.Failed += other.Failed
	r.Failures = append(r.Failures, other.Failures...)
}
