package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsInserted tracks records newly persisted by the writer.
	RecordsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_records_inserted_total",
			Help: "Total number of records newly inserted by the deduplicating writer",
		},
	)

	// RecordsDuplicate tracks redelivered records the writer deduplicated.
	RecordsDuplicate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_records_duplicate_total",
			Help: "Total number of duplicate records seen by the writer",
		},
		[]string{"policy"}, // "skip", "overwrite"
	)

	// StoreErrors tracks failed store operations.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_store_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"operation"}, // "write_batch", "checkpoint_commit", "checkpoint_load", "session"
	)

	// CheckpointCommits tracks committed checkpoints.
	CheckpointCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvest_checkpoint_commits_total",
			Help: "Total number of checkpoint commits",
		},
	)
)
