package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lanekit/solobot/internal/intake"
)

// telegramUpdate is the slice of the webhook payload the gateway needs to
// build a queue item. Everything else rides along in the raw payload.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
	CallbackQuery *struct {
		Data    string `json:"data"`
		Message struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// handleIntake is the fast-ack webhook. It always answers 200 once the
// caller is authorized: the upstream retries non-200 responses forever,
// so drops and parse failures are absorbed here and surfaced through
// counters instead.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeIntake(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&raw); err != nil {
		s.logger.Warn("intake payload unreadable", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	var upd telegramUpdate
	if err := json.Unmarshal(raw, &upd); err != nil || upd.UpdateID == 0 {
		s.logger.Warn("intake payload not a recognizable update", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	item := intake.Item{
		Payload:     raw,
		ExternalID:  strconv.FormatInt(upd.UpdateID, 10),
		Operation:   classifyUpdate(upd),
		FirstSeenAt: time.Now(),
	}
	switch {
	case upd.Message != nil:
		item.ChatID = upd.Message.Chat.ID
	case upd.CallbackQuery != nil:
		item.ChatID = upd.CallbackQuery.Message.Chat.ID
	}

	// A standby instance tells the sender the service is mid-update. The
	// controller throttles this to one notice per window process-wide;
	// the queue separately answers held items with a retry prompt.
	if item.ChatID != 0 && s.cfg.Controller != nil && !s.cfg.Controller.ShouldProcessUpdates() {
		s.cfg.Controller.SendPassiveNoticeIfNeeded(r.Context(), item.ChatID)
	}

	s.cfg.Queue.Enqueue(item)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// classifyUpdate names the operation carried by an update so the passive
// allow-list can gate it. Bot commands map to their command name,
// everything else is a generic message.
func classifyUpdate(upd telegramUpdate) string {
	if upd.CallbackQuery != nil {
		return "callback_query"
	}
	if upd.Message == nil {
		return "unknown"
	}
	text := strings.TrimSpace(upd.Message.Text)
	if !strings.HasPrefix(text, "/") {
		return "message"
	}
	cmd := strings.TrimPrefix(strings.Fields(text)[0], "/")
	// Commands may carry a @botname suffix in group chats.
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}
