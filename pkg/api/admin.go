package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi"

	"github.com/testsabirweb/slack_archive/pkg/models"
	"github.com/testsabirweb/slack_archive/pkg/pipeline"
	"github.com/testsabirweb/slack_archive/pkg/store"
)

// uploadChunkSize is the copy buffer for staging uploads to disk.
const uploadChunkSize = 8 << 20

// jobStatusView is the per-job shape of the status endpoints.
type jobStatusView struct {
	Status          models.JobStatus `json:"status"`
	Progress        string           `json:"progress"`
	ProgressPercent int              `json:"progress_percent"`
	Error           string           `json:"error,omitempty"`
}

func jobView(job *models.Job) jobStatusView {
	return jobStatusView{
		Status:          job.Status,
		Progress:        job.Progress,
		ProgressPercent: job.ProgressPercent,
		Error:           job.Error,
	}
}

// handleUpload stages a multipart archive upload without buffering it in
// memory. The job record exists for the duration of the copy so the UI can
// show UPLOADING; a failed copy removes both the job and the partial file.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}

	part, err := nextFilePart(reader)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer part.Close()

	filename := sanitizeFilename(part.FileName())
	if !strings.HasSuffix(strings.ToLower(filename), ".zip") {
		s.respondError(w, http.StatusBadRequest, "only .zip archives are accepted")
		return
	}

	ctx := r.Context()
	job, err := s.jobs.CreateJob(ctx, filename, 0)
	if err != nil {
		s.logger.Error("failed to create upload job", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := os.MkdirAll(s.cfg.UploadDir(), 0o755); err != nil {
		s.discardUpload(job.ID, "")
		s.respondError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}

	dest := filepath.Join(s.cfg.UploadDir(), job.ID+"_"+filename)
	out, err := os.Create(dest)
	if err != nil {
		s.discardUpload(job.ID, "")
		s.respondError(w, http.StatusInternalServerError, "failed to stage upload")
		return
	}

	written, err := io.CopyBuffer(out, part, make([]byte, uploadChunkSize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.discardUpload(job.ID, dest)
		s.logger.Error("upload copy failed", "job", job.ID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	jobID := job.ID
	if err := s.jobs.SetJobFilePath(ctx, jobID, dest); err == nil {
		err = s.jobs.SetJobSize(ctx, jobID, written)
	}
	if err != nil {
		s.discardUpload(jobID, dest)
		s.respondError(w, http.StatusInternalServerError, "failed to record upload")
		return
	}

	job, err = s.jobs.AdvanceJob(ctx, jobID, models.StatusUploaded, "Upload complete", 100)
	if err != nil {
		s.discardUpload(jobID, dest)
		s.respondError(w, http.StatusInternalServerError, "failed to record upload")
		return
	}
	s.hub.NotifyJob(job)
	s.logger.Info("archive staged", "job", jobID, "filename", filename, "bytes", written)

	s.respond(w, http.StatusOK, map[string]interface{}{
		"job_id":   jobID,
		"filename": filename,
		"size":     written,
		"status":   job.Status,
	})
}

// discardUpload rolls a failed upload back: the partial file and the job
// record both go away. Uses a fresh context because the request's may
// already be dead.
func (s *Server) discardUpload(jobID, path string) {
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove partial upload", "path", path, "error", err)
		}
	}
	if err := s.jobs.DeleteJob(context.Background(), jobID); err != nil {
		s.logger.Warn("failed to remove upload job", "job", jobID, "error", err)
	}
}

// nextFilePart scans the multipart stream for the first file field.
func nextFilePart(reader *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil, errors.New("multipart upload carries no file")
		}
		if err != nil {
			return nil, fmt.Errorf("malformed multipart upload: %v", err)
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// sanitizeFilename strips any path components and replaces spaces so the
// name is safe to join into the staging directory.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	return strings.ReplaceAll(name, " ", "_")
}

// handleImportStatus returns the status of every job, keyed by job id.
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	out := make(map[string]jobStatusView, len(jobs))
	for i := range jobs {
		out[jobs[i].ID] = jobView(&jobs[i])
	}
	s.respond(w, http.StatusOK, out)
}

// handleJobStatus returns the status of one job.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.respondJobError(w, jobID, err)
		return
	}
	s.respond(w, http.StatusOK, jobView(job))
}

// handleImportStart enqueues a full pipeline run, resuming from whatever the
// job's status permits.
func (s *Server) handleImportStart(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.pipeline.Start(r.Context(), jobID); err != nil {
		s.respondJobError(w, jobID, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": "queued"})
}

// handleImportCancel trips the job's cancel flag.
func (s *Server) handleImportCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.pipeline.Cancel(r.Context(), jobID); err != nil {
		s.respondJobError(w, jobID, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"job_id": jobID, "state": "cancelling"})
}

// handleImportRestart re-runs a job that ended in ERROR or CANCELLED.
func (s *Server) handleImportRestart(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.respondJobError(w, jobID, err)
		return
	}
	if job.Status != models.StatusError && job.Status != models.StatusCancelled {
		s.respondError(w, http.StatusConflict,
			fmt.Sprintf("job is %s; restart applies to ERROR or CANCELLED jobs", job.Status))
		return
	}
	if err := s.pipeline.Start(r.Context(), jobID); err != nil {
		s.respondJobError(w, jobID, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": "queued"})
}

// handleExtractStart runs the extraction stage alone.
func (s *Server) handleExtractStart(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.pipeline.StartExtraction(r.Context(), jobID); err != nil {
		s.respondJobError(w, jobID, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": "queued"})
}

// handleTrainStart runs the training stage alone, either continuing from
// IMPORTED or rebuilding the collection from COMPLETE.
func (s *Server) handleTrainStart(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.pipeline.StartTraining(r.Context(), jobID); err != nil {
		s.respondJobError(w, jobID, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": jobID, "state": "queued"})
}

// respondJobError maps job and pipeline errors onto HTTP statuses.
func (s *Server) respondJobError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", jobID))
	case errors.Is(err, pipeline.ErrJobActive),
		errors.Is(err, pipeline.ErrNotStartable),
		errors.Is(err, pipeline.ErrNotCancellable):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("job operation failed", "job", jobID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// clearRequest selects what a selective clear removes. Clearing messages
// always clears the vector store so the two views cannot drift apart.
type clearRequest struct {
	Messages   bool `json:"messages"`
	Uploads    bool `json:"uploads"`
	Embeddings bool `json:"embeddings"`
}

// handleClear truncates the selected data.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !req.Messages && !req.Uploads && !req.Embeddings {
		s.respondError(w, http.StatusBadRequest, "nothing selected to clear")
		return
	}

	ctx := r.Context()
	if req.Messages || req.Uploads {
		opts := store.ClearOptions{Messages: req.Messages, Uploads: req.Uploads}
		if err := s.archive.Clear(ctx, opts); err != nil {
			s.logger.Error("clear failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "clear failed")
			return
		}
	}
	if req.Messages || req.Embeddings {
		if err := s.vectors.Clear(ctx); err != nil {
			s.logger.Error("vector clear failed", "error", err)
			s.respondError(w, http.StatusInternalServerError, "vector clear failed")
			return
		}
	}
	if req.Uploads {
		s.removeStaging(s.cfg.UploadDir())
	}

	s.logger.Info("archive cleared",
		"messages", req.Messages, "uploads", req.Uploads,
		"embeddings", req.Messages || req.Embeddings)
	s.respond(w, http.StatusOK, map[string]bool{
		"messages":   req.Messages,
		"uploads":    req.Uploads,
		"embeddings": req.Messages || req.Embeddings,
	})
}

// handleClearAll truncates every collection, the vector store, and the
// staged uploads and extract trees on disk.
func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.archive.ClearAll(ctx); err != nil {
		s.logger.Error("clear-all failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	if err := s.vectors.Clear(ctx); err != nil {
		s.logger.Error("vector clear failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "vector clear failed")
		return
	}
	s.removeStaging(s.cfg.UploadDir())
	s.removeStaging(s.cfg.ExtractsRoot())

	s.logger.Info("archive cleared", "messages", true, "uploads", true, "embeddings", true)
	s.respond(w, http.StatusOK, map[string]string{"state": "cleared"})
}

func (s *Server) removeStaging(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove staging directory", "dir", dir, "error", err)
	}
}
