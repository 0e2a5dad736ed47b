package store

import "time"

// TransferEvent records one transfer attempt
type TransferEvent struct {
	ID             int64
	EventID        string // uuid of the originating mirror event
	Source         string // source repository location
	Target         string // target repository location
	Artifact       string // artifact key, namespace/id/version
	Descriptor     string
	Attempt        int
	Outcome        string // status.Outcome name, e.g. "ok", "retryable", "not_found"
	Message        string
	BytesPerSecond int64
	Time           time.Time
}

// MirrorStat is the persisted state of one mirror of a repository
type MirrorStat struct {
	ID                int64
	Repository        string
	Location          string
	Rank              int
	BytesPerSecond    int64
	FailureCount      int
	TotalFailureCount int
	UpdatedAt         time.Time
}

// FailedTransfer is a dead letter queue entry for an artifact that could not
// be mirrored
type FailedTransfer struct {
	ID           int64
	Artifact     string
	Source       string
	Target       string
	Error        string
	RetryCount   int
	FirstFailure time.Time
	LastFailure  time.Time
	Resolved     bool
}
