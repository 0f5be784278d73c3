package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lanekit/solobot/internal/store"
)

// Provider callbacks are machine-generated, so a malformed one is a bug
// on the provider side and gets a hard 400 rather than the intake
// endpoint's absorb-everything treatment.
const callbackSchemaJSON = `{
	"type": "object",
	"required": ["task_id", "status"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"status": {"enum": ["succeeded", "failed"]},
		"result": {"type": "string"},
		"error": {"type": "string"}
	},
	"additionalProperties": true
}`

var callbackSchema = mustCompileSchema(callbackSchemaJSON)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("callback.json", doc); err != nil {
		panic(err)
	}
	schema, err := c.Compile("callback.json")
	if err != nil {
		panic(err)
	}
	return schema
}

type callbackPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error"`
}

// handleCallback receives the provider's asynchronous result. When this
// instance is ACTIVE and the job record exists the result is applied and
// delivered immediately; when the job does not exist yet (the creation
// transaction may still be committing), or while PASSIVE (a standby must
// not complete jobs or message users), the callback is parked as an
// orphan for the ACTIVE instance's reconciler.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := callbackSchema.Validate(parsed); err != nil {
		s.logger.Warn("callback rejected by schema", "error", err)
		http.Error(w, "schema validation failed", http.StatusBadRequest)
		return
	}

	var cb callbackPayload
	if err := json.Unmarshal(body, &cb); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if s.cfg.Controller != nil && !s.cfg.Controller.ShouldProcessUpdates() {
		if _, err := s.cfg.Jobs.InsertOrphan(ctx, cb.TaskID, body); err != nil {
			s.logger.Error("orphan insert failed", "external_task_id", cb.TaskID, "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		s.logger.Info("callback parked while passive", "external_task_id", cb.TaskID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "matched": false})
		return
	}

	job, err := s.cfg.Jobs.GetJobByExternalTaskID(ctx, cb.TaskID)
	switch {
	case err == nil:
		status := store.JobStatusCompleted
		if cb.Status == "failed" {
			status = store.JobStatusFailed
		}
		if err := s.cfg.Jobs.CompleteJob(ctx, job.ID, status, cb.Result, cb.Error); err != nil {
			s.logger.Error("callback job update failed", "job_id", job.ID, "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		if s.cfg.Notifier != nil && job.ChatID != 0 {
			if err := s.cfg.Notifier.DeliverResult(ctx, job.ChatID, cb.Result, cb.Error); err != nil {
				s.logger.Warn("callback result delivery failed",
					"job_id", job.ID, "chat_id", job.ChatID, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "matched": true})

	case errors.Is(err, store.ErrNotFound):
		if _, err := s.cfg.Jobs.InsertOrphan(ctx, cb.TaskID, body); err != nil {
			s.logger.Error("orphan insert failed", "external_task_id", cb.TaskID, "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		s.logger.Info("callback parked as orphan", "external_task_id", cb.TaskID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "matched": false})

	default:
		s.logger.Error("callback job lookup failed", "external_task_id", cb.TaskID, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
	}
}
