// Package app exposes the approval engine over HTTP.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"docflow/api/internal/flow"
	"docflow/api/internal/store"
)

// Pinger reports backend connectivity for the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	service    *flow.Service
	redis      Pinger
	corsOrigin string
}

// NewHTTPServer builds the HTTP surface. redis may be nil when notification
// dispatch is disabled; readiness then reports the database only.
func NewHTTPServer(service *flow.Service, redis Pinger, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, redis: redis, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		if s.redis != nil {
			checks["redis"] = map[string]any{"status": "ok"}
			if err := s.redis.Ping(ctx); err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks["redis"] = map[string]any{
					"status": "error",
					"error":  err.Error(),
				}
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me/pending-count" {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		count, err := s.service.PendingCount(r.Context(), actor)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": count})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/drafts/workbook" {
		if _, ok := requireActor(w, r); !ok {
			return
		}
		draftID, err := s.service.UploadDraftWorkbook(r.Context(), r.Body, r.ContentLength)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"draftId": draftID})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			TemplateCode      string          `json:"templateCode"`
			TemplateVersionID string          `json:"templateVersionId"`
			Title             string          `json:"title"`
			Descriptor        json.RawMessage `json:"descriptor"`
			Approvers         []string        `json:"approvers"`
			CompCd            string          `json:"compCd"`
			DepartmentID      string          `json:"departmentId"`
			DraftID           string          `json:"draftId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		detail, err := s.service.CreateDocument(r.Context(), flow.CreateDocumentInput{
			TemplateCode:      body.TemplateCode,
			TemplateVersionID: body.TemplateVersionID,
			Title:             body.Title,
			Descriptor:        string(body.Descriptor),
			ApproverTokens:    body.Approvers,
			CompCd:            body.CompCd,
			DepartmentID:      body.DepartmentID,
			DraftID:           body.DraftID,
			CreatedBy:         actor,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, detailPayload(detail))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		documentID := parts[2]

		if r.Method == http.MethodGet && len(parts) == 3 {
			detail, err := s.service.Get(r.Context(), documentID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, detailPayload(detail))
			return
		}

		if r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "actions" {
			actor, ok := requireActor(w, r)
			if !ok {
				return
			}
			var body struct {
				Action string `json:"action"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			detail, err := s.service.Act(r.Context(), documentID, actor, body.Action)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, detailPayload(detail))
			return
		}

		if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "capabilities" {
			actor, ok := requireActor(w, r)
			if !ok {
				return
			}
			caps, err := s.service.Capabilities(r.Context(), documentID, actor)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, caps)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// requireActor reads the acting user from the gateway-injected header. The
// portal gateway authenticates upstream; this service only needs the identity.
func requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	return actor, true
}

func detailPayload(detail flow.Detail) map[string]any {
	steps := make([]map[string]any, 0, len(detail.Steps))
	for _, step := range detail.Steps {
		steps = append(steps, stepPayload(step))
	}
	return map[string]any{
		"id":                detail.Document.ID,
		"templateCode":      detail.Document.TemplateCode,
		"templateVersionId": detail.Document.TemplateVersionID,
		"title":             detail.Document.Title,
		"status":            detail.Document.Status,
		"compCd":            detail.Document.CompCd,
		"departmentId":      detail.Document.DepartmentID,
		"createdBy":         detail.Document.CreatedBy,
		"createdAt":         detail.Document.CreatedAt,
		"steps":             steps,
	}
}

func stepPayload(step store.ApprovalStep) map[string]any {
	payload := map[string]any{
		"stepOrder":     step.StepOrder,
		"roleKey":       step.RoleKey,
		"approverValue": step.ApproverValue,
		"status":        step.Status,
		"action":        step.Action,
		"actorName":     step.ActorName,
	}
	if step.UserID != nil {
		payload["userId"] = *step.UserID
	}
	if step.ActedAt != nil {
		payload["actedAt"] = *step.ActedAt
	}
	return payload
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-Id")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *flow.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
