package consts

const (
	// DefaultDBName is the default database name.
	DefaultDBName = "iris"

	// TableNameMessages is the default table/collection name for messages.
	TableNameMessages = "messages"
	// TableNameRuns is the default table/collection name for runs.
	TableNameRuns = "runs"

	// Column names
	ColUserID    = "user_id"
	ColRunID     = "run_id"
	ColRole      = "role"
	ColContent   = "content"
	ColSeq       = "seq"
	ColCreatedAt = "created_at"

	// Redis key prefixes
	KeyRunMessages = "run"
	KeyUserRuns    = "user_runs"

	// Neo4j specific
	LabelUser     = "User"
	LabelRun      = "Run"
	LabelMessage  = "Message"
	RelHasRun     = "HAS_RUN"
	RelHasMessage = "HAS_MESSAGE"
)
