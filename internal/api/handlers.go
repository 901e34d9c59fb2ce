package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/docindex"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

// maxChatBody bounds the JSON body of POST /chat.
const maxChatBody = 64 << 10

var pdfMagic = []byte("%PDF-")

// SessionView is the result of GET /sessions/{id}.
type SessionView struct {
	SessionID  string              `json:"session_id"`
	Booking    models.BookingState `json:"booking"`
	Flags      models.RouterFlags  `json:"flags"`
	DocumentID string              `json:"document_id,omitempty"`
	Messages   int                 `json:"messages"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// DocumentView is the result of a document upload.
type DocumentView struct {
	SessionID  string   `json:"session_id"`
	DocumentID string   `json:"document_id"`
	Pages      int      `json:"pages"`
	Chunks     int      `json:"chunks"`
	Services   []string `json:"services"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	reply, err := s.chat.HandleMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		if errors.Is(err, models.ErrEmptyMessage) || errors.Is(err, models.ErrMessageTooLong) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.chatHandler: failed to handle message", "sessionID", req.SessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

func (s *Server) uploadDocumentHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if s.ingest == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Document upload is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	defer r.Body.Close()
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Document exceeds the 20 MiB limit"))
			return
		}
		slog.Warn("Server.uploadDocumentHandler: missing file", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("A PDF must be uploaded in the 'file' field"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		slog.Warn("Server.uploadDocumentHandler: failed to read upload", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read uploaded file"))
		return
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		writeJSONResponse(w, http.StatusUnsupportedMediaType, models.Error("Only PDF documents are supported"))
		return
	}
	slog.Debug("Server.uploadDocumentHandler: ingesting", "sessionID", sessionID, "filename", header.Filename, "size", len(data))

	ix, err := s.ingest(r.Context(), data)
	switch {
	case errors.Is(err, docindex.ErrInvalidPDF):
		writeJSONResponse(w, http.StatusBadRequest, models.Error("The uploaded file is not a readable PDF"))
		return
	case errors.Is(err, docindex.ErrNoText):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error("The document contains no extractable text"))
		return
	case err != nil:
		slog.Error("Server.uploadDocumentHandler: ingestion failed", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process document"))
		return
	}

	if err := s.chat.AttachDocument(r.Context(), sessionID, ix.ID, ix); err != nil {
		slog.Error("Server.uploadDocumentHandler: failed to attach document", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to attach document"))
		return
	}
	view := DocumentView{
		SessionID:  sessionID,
		DocumentID: ix.ID,
		Pages:      ix.Pages,
		Chunks:     ix.Chunks(),
		Services:   ix.Services(),
	}
	if view.Services == nil {
		view.Services = []string{}
	}
	slog.Info("Server.uploadDocumentHandler: document attached", "sessionID", sessionID, "documentID", ix.ID, "services", len(view.Services))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Document processed", view))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.chat.Session(r.Context(), sessionID)
	if err != nil {
		slog.Error("Server.getSessionHandler: failed to load session", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(SessionView{
		SessionID:  sess.ID,
		Booking:    sess.Booking,
		Flags:      sess.Flags,
		DocumentID: sess.DocumentID,
		Messages:   len(sess.History),
		UpdatedAt:  sess.UpdatedAt,
	}))
}

func (s *Server) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	err := s.chat.ResetSession(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	if err != nil {
		slog.Error("Server.deleteSessionHandler: failed to reset session", "sessionID", sessionID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session reset", nil))
}

func (s *Server) listBookingsHandler(w http.ResponseWriter, r *http.Request) {
	bookings, err := s.bookings.ListBookings(r.Context())
	if err != nil {
		slog.Error("Server.listBookingsHandler: failed to list bookings", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list bookings"))
		return
	}
	slog.Debug("Server.listBookingsHandler: bookings listed", "count", len(bookings))
	writeJSONResponse(w, http.StatusOK, models.Success(bookings))
}
