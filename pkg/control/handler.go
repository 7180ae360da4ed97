package control

import (
	"encoding/json"
	"io"
	"net/http"
)

// maxRequestBody bounds the size of a control request.
const maxRequestBody = 64 << 10

// Handler exposes the service over HTTP: POST a JSON Request, receive a JSON
// Response. Error payloads for malformed requests are returned with 200 like
// any other response; only undecodable bodies are rejected with 400.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, Response{Error: "Method not allowed"})
			return
		}

		var req Request
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Error: "Malformed request"})
			return
		}

		resp, err := s.Do(r.Context(), req)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Response{ID: req.ID, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
