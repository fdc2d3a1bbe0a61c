package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/banner-inspector/internal/extractor"
	idgen "github.com/JakeFAU/banner-inspector/internal/id/uuid"
	"github.com/JakeFAU/banner-inspector/internal/inspection"
)

type urlRequest struct {
	URL string `json:"url"`
}

type createJobRequest struct {
	CollectionID string  `json:"collectionId"`
	JobType      string  `json:"jobType"`
	BannerID     *string `json:"bannerId"`
}

type processJobRequest struct {
	JobID string `json:"jobId"`
}

type processJobResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type configRequest struct {
	Value string `json:"value"`
}

type resultResponse struct {
	Result     inspection.Result `json:"result"`
	Summary    string            `json:"summary"`
	Passed     bool              `json:"passed"`
	IssueCount int               `json:"issue_count"`
}

// pathID reads a UUID path parameter, writing 400 when it is malformed.
func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := chi.URLParam(r, name)
	if !idgen.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid "+strings.ReplaceAll(name, "_", " "))
		return "", false
	}
	return id, true
}

// crawl handles POST /v1/crawl {url}. It returns the extracted banners and
// CSS without persisting anything, 400 for a missing or non-http(s) URL and
// 502 when the page cannot be fetched.
func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	extraction, err := s.extractor.Extract(r.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		if errors.Is(err, extractor.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("crawl failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if extraction.Banners == nil {
		extraction.Banners = []inspection.BannerCandidate{}
	}
	writeJSON(w, http.StatusOK, extraction)
}

// createCollection handles POST /v1/collections {url}: crawl, store the CSS
// blob and persist the collection with its banners. Returns 201 {collection}.
func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	collection, err := s.ingester.Crawl(r.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		if errors.Is(err, extractor.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.fail(w, r, "create collection", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"collection": collection})
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "collection_id")
	if !ok {
		return
	}
	collection, err := s.store.GetCollection(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get collection", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": collection})
}

func (s *Server) listBanners(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "collection_id")
	if !ok {
		return
	}
	if _, err := s.store.GetCollection(r.Context(), id); err != nil {
		s.fail(w, r, "get collection", err)
		return
	}
	banners, err := s.store.ListBanners(r.Context(), id)
	if err != nil {
		s.fail(w, r, "list banners", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banners": banners})
}

func (s *Server) listCollectionJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "collection_id")
	if !ok {
		return
	}
	jobs, err := s.jobs.List(r.Context(), id)
	if err != nil {
		s.fail(w, r, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// activeJob handles GET /v1/collections/{id}/active-job. The job is null when
// nothing is pending or processing.
func (s *Server) activeJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "collection_id")
	if !ok {
		return
	}
	job, err := s.jobs.Active(r.Context(), id)
	if err != nil {
		s.fail(w, r, "active job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// createJob handles POST /v1/jobs. It returns 202 {job} once the job is
// stored and queued, 409 when another job holds the collection and 400 for
// an invalid target.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !idgen.Valid(req.CollectionID) {
		writeError(w, http.StatusBadRequest, "collectionId is required")
		return
	}
	job, err := s.jobs.Create(r.Context(), req.CollectionID, inspection.JobType(req.JobType), req.BannerID)
	if err != nil {
		s.fail(w, r, "create job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// processJob handles POST /v1/jobs/process {jobId}. It acknowledges at once;
// execution continues on the workers. When the task cannot be queued the job
// is already failed and its collection released by the time the error is
// returned.
func (s *Server) processJob(w http.ResponseWriter, r *http.Request) {
	var req processJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.JobID) == "" {
		writeError(w, http.StatusBadRequest, "jobId is required")
		return
	}
	queued, err := s.jobs.Submit(r.Context(), req.JobID)
	if err != nil {
		s.fail(w, r, "process job", err)
		return
	}
	msg := "Job started, processing in background"
	if !queued {
		msg = "Job already queued, processing in background"
	}
	writeJSON(w, http.StatusAccepted, processJobResponse{
		Success: true,
		JobID:   req.JobID,
		Message: msg,
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "job_id")
	if !ok {
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "job_id")
	if !ok {
		return
	}
	logs, err := s.jobs.Logs(r.Context(), id)
	if err != nil {
		s.fail(w, r, "job logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "job_id")
	if !ok {
		return
	}
	job, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, r, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// getResult handles GET /v1/banners/{id}/result with the stored report and
// its derived verdict.
func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "banner_id")
	if !ok {
		return
	}
	result, err := s.store.GetResult(r.Context(), id)
	if err != nil {
		s.fail(w, r, "get result", err)
		return
	}
	result.Report.Normalize()
	writeJSON(w, http.StatusOK, resultResponse{
		Result:     result,
		Summary:    result.Report.Summary(),
		Passed:     result.Report.Passed(),
		IssueCount: result.Report.IssueCount(),
	})
}

func (s *Server) deleteResult(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "banner_id")
	if !ok {
		return
	}
	if err := s.store.DeleteResult(r.Context(), id); err != nil {
		s.fail(w, r, "delete result", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// setConfig handles PUT /v1/config/{key} {value}.
func (s *Server) setConfig(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	var req configRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if key == "" || strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "key and value are required")
		return
	}
	if err := s.store.SetConfigValue(r.Context(), key, strings.TrimSpace(req.Value)); err != nil {
		s.fail(w, r, "set config", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": strings.TrimSpace(req.Value)})
}
