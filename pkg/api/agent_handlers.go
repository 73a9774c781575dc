package api

import (
	"io"
	"net/http"
)

// handleAgentMessage processes one agent-to-agent protocol envelope. The
// handler answers consent denials with well-formed declined RESPONSE
// messages, so only malformed envelopes reach the error path.
func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteValidationError(w, "reading message body: "+err.Error())
		return
	}

	resp, err := s.deps.Agents.Handle(r.Context(), raw)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
