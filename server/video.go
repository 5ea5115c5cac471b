package server

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const (
	maxVideoUpload            = 32 << 20
	errTextVideoFailed        = "Failed to process video"
	errTextConversationFailed = "Failed to create conversation"
)

type videoResponse struct {
	VideoURL string `json:"videoUrl"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleVideoChat turns an uploaded "audio" form file into an avatar video
func (s *Server) handleVideoChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxVideoUpload)
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.logger.Warn("video-chat: missing audio", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errTextVideoFailed})
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		s.logger.Warn("video-chat: read audio", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errTextVideoFailed})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	videoURL, err := s.avatar.Generate(r.Context(), audio, contentType)
	if err != nil {
		s.logger.Error("video-chat: generation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errTextVideoFailed})
		return
	}

	writeJSON(w, http.StatusOK, videoResponse{VideoURL: videoURL, Status: "completed"})
}

// handleVideoStream starts a live avatar conversation and returns the URL the
// browser opens to join it
func (s *Server) handleVideoStream(w http.ResponseWriter, r *http.Request) {
	conv, err := s.avatar.CreateConversation(r.Context())
	if err != nil {
		s.logger.Error("video-chat/stream: conversation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errTextConversationFailed})
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
