package model

import "time"

// DLQEntry is a lead that did not finish successfully and can be
// resubmitted in a later job.
type DLQEntry struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	Lead      Lead        `json:"lead"`
	Outcome   LeadOutcome `json:"outcome"`
	Kind      ErrorKind   `json:"error_kind"`
	Error     string      `json:"error"`
	CreatedAt time.Time   `json:"created_at"`
}
