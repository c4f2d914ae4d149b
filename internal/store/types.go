package store

// Backup is one retained copy of a live file taken before mutation.
type Backup struct {
	// ID is a monotonic nanosecond timestamp assigned at snapshot
	// time. IDs order backups; collisions are bumped by the caller.
	ID int64

	// Target is the canonical path the backup was taken from.
	Target string

	// Content is the full file content at snapshot time.
	Content []byte

	// ContentHash is the hex SHA-256 of Content.
	ContentHash string

	// Size is len(Content) in bytes.
	Size int64

	// CreatedNs is the snapshot wall-clock time in nanoseconds.
	CreatedNs int64
}

// IterationStatus is the lifecycle state of a change proposal.
type IterationStatus string

const (
	StatusPending  IterationStatus = "pending"
	StatusApproved IterationStatus = "approved"
	StatusRejected IterationStatus = "rejected"
	StatusError    IterationStatus = "error"
)

// Iteration is the persisted form of one change proposal.
type Iteration struct {
	ID     string
	Target string
	Status IterationStatus
	Reason string

	// Description is the proposer's summary of the change.
	Description string

	// ShadowPath and StagedHash locate and fingerprint the staged
	// content in the shadow workspace.
	ShadowPath string
	StagedHash string

	// DiffJSON and VerifyJSON are the serialized diff report and
	// verification result computed at submission time.
	DiffJSON   string
	VerifyJSON string

	CreatedNs int64
	DecidedNs int64
	DecidedBy string
}
