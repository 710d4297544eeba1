package domain

import "time"

const (
	RunImported = "imported"
	RunSkipped  = "skipped"
	RunFailed   = "failed"
)

// ImportRun is the outcome of one importer cycle.
type ImportRun struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	StartedAt  time.Time `gorm:"not null;index" json:"started_at"`
	FinishedAt time.Time `gorm:"not null" json:"finished_at"`
	Outcome    string    `gorm:"size:16;not null;index" json:"outcome"`
	File       string    `gorm:"size:512" json:"file,omitempty"`
	Entries    int       `json:"entries"`
	URLs       int       `json:"urls"`
	IPs        int       `json:"ips"`
	ASNs       int       `json:"asns"`
	CCs        int       `json:"ccs"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
}
