package contracts

// IngestOutcome is the three-way business result of ingesting a webhook.
type IngestOutcome string

const (
	// OutcomeAccepted means the event was stored and queued for processing.
	OutcomeAccepted IngestOutcome = "accepted"
	// OutcomeDeduplicated means an event with the same EventID and an
	// identical canonical payload hash already exists.
	OutcomeDeduplicated IngestOutcome = "deduplicated"
	// OutcomeConflict means the EventID exists but the stored payload hash
	// differs. The stored event is left untouched.
	OutcomeConflict IngestOutcome = "conflict"
)
