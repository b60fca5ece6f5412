package storage

// Checkpoints is the Agent-local persistence interface. It survives process
// restarts so a recovering pipeline can resume from its last committed event
// index and reuse its audit mtime cache instead of re-scanning cold
// directories.
type Checkpoints interface {
	// Committed event index per pipeline
	SaveCommittedIndex(pipelineID string, index int64) error
	GetCommittedIndex(pipelineID string) (int64, error)

	// Audit mtime cache per pipeline: directory path -> mtime
	SaveMtimeCache(pipelineID string, cache map[string]float64) error
	GetMtimeCache(pipelineID string) (map[string]float64, error)

	// DeletePipeline drops all state for a pipeline that was removed from
	// configuration.
	DeletePipeline(pipelineID string) error

	Close() error
}
