package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vigia-ai/vigia/internal/classifier"
	"github.com/vigia-ai/vigia/internal/lexicon"
	"github.com/vigia-ai/vigia/internal/logging"
	"github.com/vigia-ai/vigia/internal/messages"
	"github.com/vigia-ai/vigia/internal/redact"
	"github.com/vigia-ai/vigia/internal/risk"
	"github.com/vigia-ai/vigia/internal/scoring"
	"github.com/vigia-ai/vigia/internal/service"
	"github.com/vigia-ai/vigia/internal/textnorm"
)

type predictRequest struct {
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

// predictResponse is the short form returned by POST /predict.
type predictResponse struct {
	Prediction             classifier.Prediction `json:"prediction"`
	Confidence             float64               `json:"confidence"`
	SuicidalProbability    float64               `json:"suicidal_probability"`
	NonSuicidalProbability float64               `json:"non_suicidal_probability"`
	ProcessedText          string                `json:"processed_text"`
	RiskLevel              risk.Tier             `json:"risk_level"`
	Warnings               []string              `json:"warnings"`
}

type messagesResponse struct {
	Messages   []messages.Message `json:"messages"`
	Total      int                `json:"total"`
	UsersCount int                `json:"users_count"`
}

type userMessagesResponse struct {
	Messages []messages.Message `json:"messages"`
	Total    int                `json:"total"`
	UserName string             `json:"user_name"`
}

type lexiconResponse struct {
	Version string         `json:"version"`
	Total   int            `json:"total"`
	Terms   []lexicon.Term `json:"terms"`
}

type lexiconMatchResponse struct {
	Version string         `json:"version"`
	Matched []lexicon.Term `json:"matched"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

func (s *Server) handlePredictDetailed(w http.ResponseWriter, r *http.Request) {
	res, ok := s.score(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	res, ok := s.score(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{
		Prediction:             res.Prediction,
		Confidence:             res.Confidence,
		SuicidalProbability:    res.SuicidalProbability,
		NonSuicidalProbability: res.NonSuicidalProbability,
		ProcessedText:          res.ProcessedText,
		RiskLevel:              res.RiskLevel,
		Warnings:               res.Warnings,
	})
}

// score decodes a predict request and runs it. On failure the error
// response has already been written.
func (s *Server) score(w http.ResponseWriter, r *http.Request) (scoring.Result, bool) {
	var body predictRequest
	if !s.decode(w, r, &body) {
		return scoring.Result{}, false
	}
	if n := s.cfg.MaxTextRunes; n > 0 && utf8.RuneCountInString(body.Text) > n {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("text exceeds %d characters", n))
		return scoring.Result{}, false
	}

	msgID := strings.TrimSpace(body.MessageID)
	if msgID == "" {
		msgID = uuid.NewString()
	}

	res, err := s.svc.Score(r.Context(), scoring.Request{MessageID: msgID, RawText: body.Text})
	if err != nil {
		s.writeScoreError(w, msgID, err)
		return scoring.Result{}, false
	}
	return res, true
}

func (s *Server) writeScoreError(w http.ResponseWriter, msgID string, err error) {
	switch {
	case errors.Is(err, scoring.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "text must not be empty")
	case errors.Is(err, classifier.ErrModelUnavailable):
		s.log.Warn("scoring rejected: model unavailable",
			logging.String("message_id", msgID),
			logging.String("state", string(s.svc.State())),
		)
		writeError(w, http.StatusServiceUnavailable, "analysis service unavailable")
	case errors.Is(err, context.Canceled):
		// The client went away; nobody reads the response.
		s.log.Debug("scoring cancelled", logging.String("message_id", msgID))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "scoring timed out")
	default:
		s.log.Error("scoring failed",
			logging.String("message_id", msgID),
			logging.String("error", redact.String(err.Error())),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.msgs == nil {
		writeError(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}
	msgs, users, err := s.msgs.List(r.Context())
	if err != nil {
		s.log.Error("list messages failed", logging.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, Total: len(msgs), UsersCount: users})
}

func (s *Server) handleUserMessages(w http.ResponseWriter, r *http.Request) {
	if s.msgs == nil {
		writeError(w, http.StatusServiceUnavailable, "message store not configured")
		return
	}
	userID := strings.TrimSpace(r.PathValue("id"))
	msgs, name, err := s.msgs.ListByUser(r.Context(), userID)
	switch {
	case errors.Is(err, messages.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		s.log.Error("list user messages failed", logging.String("user_id", userID), logging.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, userMessagesResponse{Messages: msgs, Total: len(msgs), UserName: name})
}

// --- Admin ---

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Thresholds())
}

func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var th risk.Thresholds
	if !s.decode(w, r, &th) {
		return
	}
	if err := s.svc.SetThresholds(th); err != nil {
		if errors.Is(err, risk.ErrInvalidThresholds) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Thresholds())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reload(r.Context()); err != nil {
		if errors.Is(err, service.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "reload failed: "+redact.String(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unload(); err != nil {
		if errors.Is(err, service.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Health())
}

func (s *Server) handleLexicon(w http.ResponseWriter, r *http.Request) {
	lex := s.svc.Lexicon()
	if lex == nil {
		writeError(w, http.StatusServiceUnavailable, "lexicon not loaded")
		return
	}
	terms := lex.Terms()
	writeJSON(w, http.StatusOK, lexiconResponse{Version: lex.Version(), Total: len(terms), Terms: terms})
}

// handleLexiconMatch shows which terms a text hits, for tuning the lexicon.
func (s *Server) handleLexiconMatch(w http.ResponseWriter, r *http.Request) {
	var body predictRequest
	if !s.decode(w, r, &body) {
		return
	}
	text := textnorm.Normalize(body.Text)
	if text.Empty() {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	lex := s.svc.Lexicon()
	if lex == nil {
		writeError(w, http.StatusServiceUnavailable, "lexicon not loaded")
		return
	}
	writeJSON(w, http.StatusOK, lexiconMatchResponse{Version: lex.Version(), Matched: lex.MatchedTerms(text.Normalized)})
}

// --- Helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"detail": message}, the shape the web client reads.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Detail: message})
}
