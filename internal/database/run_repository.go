package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Run kinds recorded in pipeline_runs
const (
	RunKindDiscover = "discover"
	RunKindDownload = "download"
	RunKindProcess  = "process"
)

// RunTally holds the outcome counters of a finished run
type RunTally struct {
	Success int
	Failed  int
	Skipped int
}

// RunRepository records batch invocations
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a repository bound to db
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start inserts a new run of kind with params marshalled to JSON
func (r *RunRepository) Start(ctx context.Context, kind string, params interface{}) (*PipelineRun, error) {
	raw := []byte("{}")
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding run parameters: %w", err)
		}
	}

	run := &PipelineRun{
		RunID:     uuid.New(),
		Kind:      kind,
		StartedAt: time.Now().UTC(),
		Params:    datatypes.JSON(raw),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, translateError(err)
	}
	return run, nil
}

// Finish stamps the run with its counters and an optional error
func (r *RunRepository) Finish(ctx context.Context, run *PipelineRun, tally RunTally, runErr error) error {
	now := time.Now().UTC()
	cols := map[string]interface{}{
		"finished_at":   now,
		"success_count": tally.Success,
		"failed_count":  tally.Failed,
		"skipped_count": tally.Skipped,
	}
	if runErr != nil {
		cols["error_msg"] = runErr.Error()
	}

	res := r.db.WithContext(ctx).Model(&PipelineRun{}).Where("id = ?", run.ID).Updates(cols)
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: pipeline run %s", ErrNotFound, run.RunID)
	}

	run.FinishedAt = &now
	run.SuccessCount, run.FailedCount, run.SkippedCount = tally.Success, tally.Failed, tally.Skipped
	if runErr != nil {
		msg := runErr.Error()
		run.ErrorMsg = &msg
	}
	return nil
}

// GetByRunID returns the run with runID, or nil if there is none
func (r *RunRepository) GetByRunID(ctx context.Context, runID uuid.UUID) (*PipelineRun, error) {
	var run PipelineRun
	err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return &run, nil
}

// List returns the most recent runs first. A limit of zero returns every run.
func (r *RunRepository) List(ctx context.Context, limit int) ([]PipelineRun, error) {
	q := r.db.WithContext(ctx).Order("started_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []PipelineRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, translateError(err)
	}
	return runs, nil
}
