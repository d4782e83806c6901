package server

import (
	"encoding/json"
	"net/http"

	"github.com/jackzampolin/galley/internal/llm"
	"github.com/jackzampolin/galley/internal/svcctx"
)

// LLMSettingsResponse carries the current completion settings. The API
// key is returned as stored, so ${ENV_VAR} references stay opaque.
type LLMSettingsResponse struct {
	LLM llm.Config `json:"llm"`
}

// LLMSettingsPutRequest replaces the completion settings at runtime.
type LLMSettingsPutRequest struct {
	LLM llm.Config `json:"llm"`
}

func (s *Server) handleGetLLMSettings(w http.ResponseWriter, r *http.Request) {
	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config not initialized")
		return
	}
	writeJSON(w, http.StatusOK, LLMSettingsResponse{LLM: cm.Get().LLM})
}

func (s *Server) handlePutLLMSettings(w http.ResponseWriter, r *http.Request) {
	cm := svcctx.ConfigFrom(r.Context())
	if cm == nil {
		writeError(w, http.StatusServiceUnavailable, "config not initialized")
		return
	}

	var req LLMSettingsPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cm.SetLLM(req.LLM.WithDefaults())
	writeJSON(w, http.StatusOK, LLMSettingsResponse{LLM: cm.Get().LLM})
}
