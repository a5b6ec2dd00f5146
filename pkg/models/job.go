package models

import "time"

// JobStatus is the lifecycle state of an ingestion job
type JobStatus string

// Canonical job statuses. Lowercase variants must never be surfaced.
const (
	StatusUploading  JobStatus = "UPLOADING"
	StatusUploaded   JobStatus = "UPLOADED"
	StatusExtracting JobStatus = "EXTRACTING"
	StatusExtracted  JobStatus = "EXTRACTED"
	StatusImporting  JobStatus = "IMPORTING"
	StatusImported   JobStatus = "IMPORTED"
	StatusTraining   JobStatus = "TRAINING"
	StatusComplete   JobStatus = "COMPLETE"
	StatusError      JobStatus = "ERROR"
	StatusCancelled  JobStatus = "CANCELLED"
)

// Job represents one ingestion run of an uploaded archive
type Job struct {
	ID              string    `bson:"_id" json:"id"`
	Filename        string    `bson:"filename" json:"filename"`
	Size            int64     `bson:"size" json:"size"`
	FilePath        string    `bson:"file_path,omitempty" json:"file_path,omitempty"`
	ExtractPath     string    `bson:"extract_path,omitempty" json:"extract_path,omitempty"`
	Status          JobStatus `bson:"status" json:"status"`
	CurrentStage    string    `bson:"current_stage,omitempty" json:"current_stage,omitempty"`
	StageProgress   int       `bson:"stage_progress" json:"stage_progress"`
	Progress        string    `bson:"progress" json:"progress"`
	ProgressPercent int       `bson:"progress_percent" json:"progress_percent"`
	Error           string    `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updated_at"`
}

// transitions lists the permitted moves of the job state machine.
// Self-transitions carry intra-stage progress updates.
var transitions = map[JobStatus][]JobStatus{
	StatusUploading:  {StatusUploaded, StatusError, StatusCancelled},
	StatusUploaded:   {StatusExtracting, StatusImporting, StatusError, StatusCancelled},
	StatusExtracting: {StatusExtracting, StatusExtracted, StatusError, StatusCancelled},
	StatusExtracted:  {StatusImporting, StatusError, StatusCancelled},
	StatusImporting:  {StatusImporting, StatusImported, StatusError, StatusCancelled},
	StatusImported:   {StatusTraining, StatusError, StatusCancelled},
	StatusTraining:   {StatusTraining, StatusComplete, StatusError, StatusCancelled},
	StatusComplete:   {StatusTraining},
	StatusError:      {StatusExtracting, StatusImporting, StatusTraining},
	StatusCancelled:  {StatusExtracting, StatusImporting, StatusTraining},
}

// CanTransition reports whether the state machine permits moving
// from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns every status from which the state machine
// permits moving to the given status. Used to guard status writes with a
// single atomic compare-and-set.
func TransitionSources(to JobStatus) []JobStatus {
	var sources []JobStatus
	for from, tos := range transitions {
		for _, t := range tos {
			if t == to {
				sources = append(sources, from)
				break
			}
		}
	}
	return sources
}

// IsActive reports whether the job is currently running a stage.
func (s JobStatus) IsActive() bool {
	return s == StatusExtracting || s == StatusImporting || s == StatusTraining
}

// IsTerminal reports whether the job has reached a resting state.
func (s JobStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// IsResumable reports whether a pipeline run may be started from this status.
func (s JobStatus) IsResumable() bool {
	return s == StatusUploaded || s == StatusError || s == StatusCancelled
}
