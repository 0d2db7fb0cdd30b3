package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/entity"
	"github.com/iamedic/ultrasound-capture-service/internal/usecase"
)

// maxChunkBytes bounds a single upload request, not the whole recording.
const maxChunkBytes = 16 << 20

// Server is the JSON surface of the capture engine. Authentication happens
// at the gateway in front of this service; doctor identity arrives as a
// trusted header.
type Server struct {
	capture *usecase.CaptureService
	batch   *usecase.BatchService
	logger  *zap.Logger
}

func NewServer(capture *usecase.CaptureService, batch *usecase.BatchService, logger *zap.Logger) *Server {
	return &Server{capture: capture, batch: batch, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/chunks", s.handleAppendChunk)
	mux.HandleFunc("POST /sessions/{id}/frames", s.handleProcessFrame)
	mux.HandleFunc("POST /sessions/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCancel)
	mux.HandleFunc("POST /videos/{id}/extract", s.handleExtract)
	mux.HandleFunc("GET /videos/{id}/recording", s.handleRecordingRange)
	return mux
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type createSessionRequest struct {
	StudyID  uuid.UUID `json:"study_id"`
	DoctorID uuid.UUID `json:"doctor_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StudyID == uuid.Nil || req.DoctorID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, "study_id and doctor_id are required")
		return
	}

	id, err := s.capture.CreateSession(r.Context(), req.StudyID, req.DoctorID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"session_id": id.String()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	s.writeJSON(w, http.StatusOK, s.capture.Sessions(activeOnly))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	info, err := s.capture.Session(id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	chunk, ok := s.readLimitedBody(w, r)
	if !ok {
		return
	}

	cont, err := s.capture.AppendChunk(r.Context(), id, chunk)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"continue": cont})
}

func (s *Server) handleProcessFrame(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	timestamp, err := strconv.ParseFloat(r.URL.Query().Get("timestamp"), 64)
	if err != nil || timestamp < 0 {
		s.writeError(w, http.StatusBadRequest, "timestamp query parameter is required")
		return
	}
	frame, ok := s.readLimitedBody(w, r)
	if !ok {
		return
	}
	if len(frame) == 0 {
		s.writeError(w, http.StatusBadRequest, "frame body is required")
		return
	}

	result, err := s.capture.ProcessFrame(r.Context(), id, frame, timestamp)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	videoID, err := s.capture.Finalize(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"video_id": videoID.String()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.capture.Cancel(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type extractRequest struct {
	DoctorID uuid.UUID `json:"doctor_id"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.batch.Extract(r.Context(), id, req.DoctorID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRecordingRange serves an inclusive byte range of a stored recording,
// so the review UI can scrub a preview without downloading the whole file.
func (s *Server) handleRecordingRange(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	doctorID, err := uuid.Parse(r.URL.Query().Get("doctor_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "doctor_id query parameter is required")
		return
	}
	start, startErr := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	end, endErr := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if startErr != nil || endErr != nil || start < 0 || end < start {
		s.writeError(w, http.StatusBadRequest, "start and end query parameters are required")
		return
	}

	data, err := s.batch.RecordingRange(r.Context(), id, doctorID, start, end)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write recording range", zap.Error(err))
	}
}

// readLimitedBody reads the full request body. Bodies over maxChunkBytes are
// rejected with a 413 rather than truncated, so no recording bytes are ever
// dropped on the floor.
func (s *Server) readLimitedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds the upload limit")
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "read request body")
		return nil, false
	}
	return data, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entity.ErrSessionNotFound), errors.Is(err, entity.ErrVideoNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, entity.ErrPermissionDenied):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, entity.ErrSessionInactive):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, entity.ErrStorageExhausted):
		s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}
