package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/zombor/scanman/internal/document"
)

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleStatus returns the operator status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Status())
}

// handlePreview returns the most recently scanned page
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview := s.host.Preview()
	if preview == nil {
		writeError(w, http.StatusNotFound, "No page scanned yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(preview)
}

// handleScan presses the scan control: it starts a session, or cancels the running one
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Scan(); err != nil {
		if errors.Is(err, ErrNotReady) {
			writeError(w, http.StatusConflict, "Scanner is not ready")
			return
		}
		slog.Error("Error starting scan", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, s.host.Status())
}

// handleCancel cancels the running session
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.host.Cancel() {
		writeError(w, http.StatusConflict, "No scan in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, s.host.Status())
}

// handleListDocuments returns all documents, newest first
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.documents.ListDocuments()
	if err != nil {
		slog.Error("Error listing documents", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleGetDocument returns a single document
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.GetDocument(r.PathValue("id"))
	if err != nil {
		s.documentError(w, "getting", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleGetDocumentFile returns the PDF of a document
func (s *Server) handleGetDocumentFile(w http.ResponseWriter, r *http.Request) {
	doc, data, err := s.documents.GetDocumentFile(r.PathValue("id"))
	if err != nil {
		s.documentError(w, "reading", err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": doc.Filename}))
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Write(data)
}

// handleDeleteDocument deletes a document and its file
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.documents.DeleteDocument(r.PathValue("id")); err != nil {
		s.documentError(w, "deleting", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) documentError(w http.ResponseWriter, action string, err error) {
	if errors.Is(err, document.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	slog.Error("Error "+action+" document", "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
