package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	// maxRequestBytes bounds a whole multipart batch; single files are checked by the gateway
	maxRequestBytes = 200 << 20
	maxMemoryBytes  = 32 << 20
	maxJSONBytes    = 1 << 20
)

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFoundOrForbidden):
		return http.StatusNotFound
	case errors.Is(err, ErrStorage):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes {"error": ...}. Internal errors are logged and not echoed.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.Error("Internal error", "error", err)
		message = "Internal server error"
	case http.StatusNotFound:
		message = "Not found"
	case http.StatusBadGateway:
		slog.Error("Storage error", "error", err)
		message = "Storage unavailable"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...))
}

// parseFilter reads list filters from the query string
func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	filter := Filter{
		Status:   Status(q.Get("status")),
		Merchant: strings.TrimSpace(q.Get("merchant")),
		Sort:     SortOrder(q.Get("sort")),
	}
	if id := q.Get("category_id"); id != "" {
		filter.CategoryID = &id
	}
	if v := q.Get("uncategorized"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: uncategorized must be a boolean", ErrValidation)
		}
		filter.Uncategorized = b
	}
	if filter.Uncategorized && filter.CategoryID != nil {
		return Filter{}, fmt.Errorf("%w: uncategorized and category_id are exclusive", ErrValidation)
	}
	from, to, err := parseDateRange(r)
	if err != nil {
		return Filter{}, err
	}
	filter.From, filter.To = from, to
	return filter, nil
}

func parseDateRange(r *http.Request) (*Date, *Date, error) {
	var from, to *Date
	if v := r.URL.Query().Get("from"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return nil, nil, err
		}
		from = &d
	}
	if v := r.URL.Query().Get("to"); v != "" {
		d, err := ParseDate(v)
		if err != nil {
			return nil, nil, err
		}
		to = &d
	}
	return from, to, nil
}

func decodeEdit(w http.ResponseWriter, r *http.Request) (Edit, bool) {
	var edit Edit
	if r.ContentLength == 0 {
		return edit, true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&edit); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body: %v", err)
		return Edit{}, false
	}
	return edit, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUploadReceipts ingests every "file" part of a multipart form
func (s *Server) handleUploadReceipts(w http.ResponseWriter, r *http.Request) {
	ownerID := OwnerFrom(r.Context())
	if ownerID == "" {
		writeError(w, ErrAuth)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			badRequest(w, "upload is larger than %d MiB", maxRequestBytes>>20)
			return
		}
		badRequest(w, "error parsing form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		badRequest(w, "no file was selected")
		return
	}

	files := make([]File, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			writeError(w, fmt.Errorf("opening upload %s: %w", header.Filename, err))
			return
		}
		// One byte past the limit is enough for the gateway to reject the file
		data, err := io.ReadAll(io.LimitReader(f, MaxUploadBytes+1))
		f.Close()
		if err != nil {
			writeError(w, fmt.Errorf("reading upload %s: %w", header.Filename, err))
			return
		}
		files = append(files, File{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		})
	}

	result, err := s.service.Ingest(r.Context(), ownerID, files)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if len(result.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipts, err := s.service.ListReceipts(r.Context(), OwnerFrom(r.Context()), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleListUnverified(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListUnverified(r.Context(), OwnerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	edit, ok := decodeEdit(w, r)
	if !ok {
		return
	}
	receipt, err := s.service.UpdateReceipt(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"), edit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	edit, ok := decodeEdit(w, r)
	if !ok {
		return
	}
	receipt, err := s.service.Confirm(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"), edit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReceiptImage redirects to a short-lived signed URL for the image
func (s *Server) handleReceiptImage(w http.ResponseWriter, r *http.Request) {
	signed, err := s.service.ImageURL(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "private, no-store")
	http.Redirect(w, r, signed, http.StatusFound)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.service.ListCategories(r.Context(), OwnerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	category, err := s.service.CreateCategory(r.Context(), OwnerFrom(r.Context()), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, category)
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteCategory(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	export, err := s.service.Export(r.Context(), OwnerFrom(r.Context()), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.csv"`)
	if err := export.WriteCSV(w); err != nil {
		slog.Error("Error writing csv export", "error", err)
	}
}

func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	export, err := s.service.Export(r.Context(), OwnerFrom(r.Context()), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="receipts.xlsx"`)
	if err := export.WriteXLSX(w); err != nil {
		slog.Error("Error writing xlsx export", "error", err)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseDateRange(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.service.Summary(r.Context(), OwnerFrom(r.Context()), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
