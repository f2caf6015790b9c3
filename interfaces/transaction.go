package interfaces

// TransactionKind distinguishes local from auto-commit transactions
type TransactionKind int

const (
	// TransactionLocal groups several store operations under one commit
	TransactionLocal TransactionKind = iota
	// TransactionAutoCommit persists a single flag change immediately
	TransactionAutoCommit
)

func (k TransactionKind) String() string {
	if k == TransactionAutoCommit {
		return "auto_commit"
	}
	return "local"
}

// TransactionStats provides statistics about transaction usage
type TransactionStats struct {
	ActiveTransactions int   `json:"active_transactions"`
	TotalCommits       int64 `json:"total_commits"`
	TotalRollbacks     int64 `json:"total_rollbacks"`
	TotalAutoCommits   int64 `json:"total_auto_commits"`
	FailedCommits      int64 `json:"failed_commits"`
}
