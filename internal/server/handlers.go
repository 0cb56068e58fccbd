package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/knoguchi/pagerag/internal/auth"
	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/generator"
	"github.com/knoguchi/pagerag/internal/memory"
	"github.com/knoguchi/pagerag/internal/repository"
	"github.com/knoguchi/pagerag/internal/service"
)

// uploadField is the multipart field carrying PDF files.
const uploadField = "files"

type api struct {
	pipeline  *service.Pipeline
	indexer   *service.Indexer
	registry  *document.Registry
	pageLinks *auth.PageLinkSigner
	logger    *slog.Logger
	timeout   time.Duration
	maxUpload int64
}

type askRequest struct {
	Question     string `json:"question"`
	TopK         int    `json:"top_k"`
	MaxNewTokens int    `json:"max_new_tokens"`
	SessionID    string `json:"session_id"`
}

type pageResponse struct {
	DocumentID int    `json:"document_id"`
	Document   string `json:"document,omitempty"`
	PageNumber int    `json:"page_number"`
	ImageURL   string `json:"image_url"`
}

type timingsResponse struct {
	RetrievalMs  int64 `json:"retrieval_ms"`
	RerankMs     int64 `json:"rerank_ms"`
	GenerationMs int64 `json:"generation_ms"`
	TotalMs      int64 `json:"total_ms"`
}

type askResponse struct {
	Answer      string           `json:"answer"`
	NoResults   bool             `json:"no_results"`
	Message     string           `json:"message,omitempty"`
	Pages       []pageResponse   `json:"pages"`
	DroppedHits int              `json:"dropped_hits"`
	Reranked    bool             `json:"reranked"`
	IndexName   string           `json:"index_name,omitempty"`
	Timings     *timingsResponse `json:"timings,omitempty"`
}

func noResultsResponse() askResponse {
	return askResponse{NoResults: true, Message: service.NoResultsMessage, Pages: []pageResponse{}}
}

func (a *api) answerResponse(ans *service.Answer) askResponse {
	pages := make([]pageResponse, len(ans.Pages))
	for i, p := range ans.Pages {
		pr := pageResponse{
			DocumentID: p.DocumentID,
			PageNumber: p.PageNumber,
			ImageURL:   a.pageURL(ans.IndexName, p.DocumentID, p.PageNumber),
		}
		if doc, ok := ans.Store.Document(p.DocumentID); ok {
			pr.Document = doc.Name
		}
		pages[i] = pr
	}

	return askResponse{
		Answer:      ans.Text,
		Pages:       pages,
		DroppedHits: ans.DroppedHits,
		Reranked:    ans.Reranked,
		IndexName:   ans.IndexName,
		Timings: &timingsResponse{
			RetrievalMs:  ans.Timings.Retrieval.Milliseconds(),
			RerankMs:     ans.Timings.Rerank.Milliseconds(),
			GenerationMs: ans.Timings.Generation.Milliseconds(),
			TotalMs:      ans.Timings.Total.Milliseconds(),
		},
	}
}

func (a *api) pageURL(indexName string, documentID, pageNumber int) string {
	if a.pageLinks == nil {
		return auth.PagePath(documentID, pageNumber)
	}
	path, err := a.pageLinks.SignedPath(indexName, documentID, pageNumber)
	if err != nil {
		a.logger.Warn("failed to sign page link", "error", err)
		return auth.PagePath(documentID, pageNumber)
	}
	return path
}

func (a *api) decodeAsk(w http.ResponseWriter, r *http.Request) (askRequest, bool) {
	var req askRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return req, false
	}
	return req, true
}

// askStatus maps a pipeline error to an HTTP status.
func askStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, generator.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) ask(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeAsk(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	ans, err := a.pipeline.Answer(ctx, req.Question, service.AnswerOptions{
		TopK:         req.TopK,
		MaxNewTokens: req.MaxNewTokens,
		SessionID:    req.SessionID,
	})
	if errors.Is(err, service.ErrNoResults) {
		writeJSON(w, http.StatusOK, noResultsResponse())
		return
	}
	if err != nil {
		a.logger.Error("failed to answer question", "error", err)
		writeError(w, askStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, a.answerResponse(ans))
}

// askStream answers like ask but reports pipeline phases as Server-Sent Events
// before the final "answer" (or "error") event.
func (a *api) askStream(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeAsk(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(event string, v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	ans, err := a.pipeline.Answer(ctx, req.Question, service.AnswerOptions{
		TopK:         req.TopK,
		MaxNewTokens: req.MaxNewTokens,
		SessionID:    req.SessionID,
		Progress: func(p service.Phase) {
			send("phase", map[string]string{"phase": string(p)})
		},
	})
	switch {
	case errors.Is(err, service.ErrNoResults):
		send("answer", noResultsResponse())
	case err != nil:
		a.logger.Error("failed to answer question", "error", err)
		send("error", map[string]any{"error": err.Error(), "status": askStatus(err)})
	default:
		send("answer", a.answerResponse(ans))
	}
}

func (a *api) uploadDocuments(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", a.maxUpload))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File[uploadField]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("no files in form field %q", uploadField))
		return
	}

	uploads := make([]service.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read %s: %v", fh.Filename, err))
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read %s: %v", fh.Filename, err))
			return
		}
		uploads = append(uploads, service.Upload{Name: fh.Filename, Data: data})
	}

	report, err := a.indexer.IndexUploads(r.Context(), uploads)
	if errors.Is(err, service.ErrNoDocuments) {
		writeJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	if err != nil {
		a.logger.Error("indexing pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type documentResponse struct {
	DocumentID int    `json:"document_id"`
	Name       string `json:"name"`
	Pages      int    `json:"pages"`
}

type documentsResponse struct {
	IndexName   string             `json:"index_name,omitempty"`
	RunID       string             `json:"run_id,omitempty"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	Documents   []documentResponse `json:"documents"`
}

func (a *api) listDocuments(w http.ResponseWriter, r *http.Request) {
	resp := documentsResponse{Documents: []documentResponse{}}

	if snap := a.registry.Current(); snap != nil {
		resp.IndexName = snap.IndexName
		resp.RunID = snap.RunID
		resp.PublishedAt = &snap.PublishedAt
		for _, d := range snap.Store.Documents() {
			resp.Documents = append(resp.Documents, documentResponse{DocumentID: d.ID, Name: d.Name, Pages: d.PageCount()})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *api) pageImage(w http.ResponseWriter, r *http.Request) {
	docID, err1 := strconv.Atoi(chi.URLParam(r, "doc"))
	pageNum, err2 := strconv.Atoi(chi.URLParam(r, "page"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "document and page must be integers")
		return
	}

	snap := a.registry.Current()
	if snap == nil {
		writeError(w, http.StatusNotFound, "no documents indexed")
		return
	}
	if claims, ok := auth.PageLinkFromContext(r.Context()); ok && claims.IndexName != snap.IndexName {
		writeError(w, http.StatusGone, "the documents this link refers to have been replaced")
		return
	}

	page, ok := snap.Store.Page(docID, pageNum)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no page %d in document %d", pageNum, docID))
		return
	}

	data, err := page.PNG()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Write(data)
}

type historyResponse struct {
	SessionID string         `json:"session_id"`
	Entries   []memory.Entry `json:"entries"`
}

func (a *api) sessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	last := queryInt(r, "last", 0)
	if last < 0 {
		writeError(w, http.StatusBadRequest, "last must be a non-negative integer")
		return
	}
	entries := a.pipeline.History(id, last)
	if entries == nil {
		entries = []memory.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Entries: entries})
}

func (a *api) clearSessionHistory(w http.ResponseWriter, r *http.Request) {
	a.pipeline.ClearHistory(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) indexReport(w http.ResponseWriter, r *http.Request) {
	report := a.indexer.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no indexing pass has completed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type runResponse struct {
	ID            string             `json:"id"`
	IndexName     string             `json:"index_name"`
	Status        string             `json:"status"`
	DocumentCount int                `json:"document_count"`
	IndexedCount  int                `json:"indexed_count"`
	FailedCount   int                `json:"failed_count"`
	PageCount     int                `json:"page_count"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Documents     []runDocumentEntry `json:"documents,omitempty"`
}

type runDocumentEntry struct {
	DocumentID   int    `json:"document_id"`
	Name         string `json:"name"`
	ContentHash  string `json:"content_hash,omitempty"`
	PageCount    int    `json:"page_count"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func toRunResponse(run *repository.IndexRun) runResponse {
	return runResponse{
		ID:            run.ID.String(),
		IndexName:     run.IndexName,
		Status:        run.Status,
		DocumentCount: run.DocumentCount,
		IndexedCount:  run.IndexedCount,
		FailedCount:   run.FailedCount,
		PageCount:     run.PageCount,
		ErrorMessage:  run.ErrorMessage,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
	}
}

func (a *api) runRepository(w http.ResponseWriter) (repository.IndexRunRepository, bool) {
	repo := a.indexer.Runs()
	if repo == nil {
		writeError(w, http.StatusNotFound, "run history is not enabled")
		return nil, false
	}
	return repo, true
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	repo, ok := a.runRepository(w)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 100 || offset < 0 {
		writeError(w, http.StatusBadRequest, "limit must be 1..100 and offset non-negative")
		return
	}

	runs, total, err := repo.ListRuns(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = toRunResponse(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out, "total": total})
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	repo, ok := a.runRepository(w)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := repo.GetRun(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	docs, err := repo.GetDocuments(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := toRunResponse(run)
	for _, d := range docs {
		resp.Documents = append(resp.Documents, runDocumentEntry{
			DocumentID:   d.DocumentID,
			Name:         d.Name,
			ContentHash:  d.ContentHash,
			PageCount:    d.PageCount,
			Status:       d.Status,
			ErrorMessage: d.ErrorMessage,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
