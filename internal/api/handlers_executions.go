package api

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"jobengine/internal/core"
)

type stateRequest struct {
	State string `json:"state"`
}

const logPollInterval = 500 * time.Millisecond

func executionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "executionID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "execution id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("state"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "state is required")
		return
	}
	state, ok := core.ParseExecutionState(strings.ToUpper(raw))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown state")
		return
	}
	page, size := pageParams(r)
	result, err := s.manager.ExecutionsInState(r.Context(), state, page, size)
	if err != nil {
		s.writeFailure(w, r, err, "list executions")
		return
	}
	writeJSON(w, http.StatusOK, nonNilItems(result))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}
	exec, err := s.manager.Execution(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, "load execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}
	exec, err := s.manager.CancelExecution(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, "cancel execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleUpdateExecutionState(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	state := core.ExecutionState(strings.ToUpper(strings.TrimSpace(req.State)))
	exec, err := s.manager.UpdateExecutionState(r.Context(), id, state)
	if err != nil {
		s.writeFailure(w, r, err, "update execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	id, ok := executionID(w, r)
	if !ok {
		return
	}
	exec, err := s.manager.Execution(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err, "load execution")
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	file, err := os.Open(s.logs.RunLogPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
		} else {
			s.logger.Errorw("open log", "execution_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		}
		return
	}
	defer file.Close()

	data, err := readTailLines(file, tail)
	if err != nil {
		s.logger.Errorw("read log", "execution_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read log")
		return
	}

	if !follow || exec.State.IsTerminal() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(data)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	if len(data) > 0 {
		_, _ = w.Write(data)
		if data[len(data)-1] != '\n' {
			_, _ = w.Write([]byte("\n"))
		}
	}
	flusher.Flush()

	offset, _ := file.Seek(0, io.SeekEnd)
	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if !exec.State.IsTerminal() {
				if refreshed, err := s.manager.Execution(r.Context(), id); err == nil {
					exec = refreshed
				}
			}
			if exec.State.IsTerminal() && pos == offset {
				return
			}
		}
	}
}

func readTailLines(file *os.File, tail int) ([]byte, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if tail <= 0 {
		return data, nil
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return []byte(strings.Join(lines, "\n") + "\n"), nil
}
