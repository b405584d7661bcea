package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/pgtbus/tbus"
)

// HandlerConfig configures the incoming HTTP front-end.
type HandlerConfig struct {
	// SigningSecret, when set, requires every request to carry a valid
	// HMAC-SHA-256 of its raw body in the x-body-signature header.
	SigningSecret string

	// Dispatcher receives the tasks synthesized from incoming events. When
	// nil, an incoming event that projects onto at least one task is
	// rejected with a 400; an event with no subscriptions is still answered
	// with {"queued":0}.
	Dispatcher *Dispatcher

	// Logger is a structured logger. Defaults to slog's default logger.
	Logger *slog.Logger
}

// BusFrontend is the slice of *tbus.Bus the handler drives: handling a
// delivered task, and projecting delivered events onto outgoing tasks.
type BusFrontend interface {
	HandleTask(ctx context.Context, task *tbus.RemoteTask) (*tbus.TaskResult, error)
	ProjectEvents(events []*tbus.RemoteEvent) []*tbus.RemoteTask
}

// NewHandler returns the HTTP handler driving the given bus. The request
// protocol is JSON POST bodies of the form {"t":true,"b":<task>} or
// {"e":true,"b":<event>}.
func NewHandler(bus BusFrontend, config *HandlerConfig) http.Handler {
	if config == nil {
		config = &HandlerConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &handler{bus: bus, config: config, logger: logger}
}

type handler struct {
	bus    BusFrontend
	config *HandlerConfig
	logger *slog.Logger
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unknown body")
		return
	}

	if h.config.SigningSecret != "" {
		signature := r.Header.Get(SignatureHeader)
		if signature == "" {
			http.Error(w, "forbidden: missing "+SignatureHeader, http.StatusForbidden)
			return
		}
		if !verifySignature(h.config.SigningSecret, body, signature) {
			http.Error(w, "forbidden: invalid signature", http.StatusForbidden)
			return
		}
	}

	var incoming incomingBody
	if err := json.Unmarshal(body, &incoming); err != nil || incoming.Body == nil {
		writeJSONError(w, http.StatusBadRequest, "unknown body")
		return
	}

	switch {
	case incoming.Task:
		h.serveTask(w, r, incoming.Body)
	case incoming.Event:
		h.serveEvent(w, r, incoming.Body)
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown body")
	}
}

func (h *handler) serveTask(w http.ResponseWriter, r *http.Request, body json.RawMessage) {
	var task wireTask
	if err := json.Unmarshal(body, &task); err != nil {
		writeJSONError(w, http.StatusBadRequest, "unknown body")
		return
	}

	result, err := h.bus.HandleTask(r.Context(), task.toRemote())
	if err != nil {
		h.logger.Error("webhook: task not handled",
			slog.String("task_name", task.TaskName),
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, mapCompletionData(result.Output))
}

func (h *handler) serveEvent(w http.ResponseWriter, r *http.Request, body json.RawMessage) {
	var event wireEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSONError(w, http.StatusBadRequest, "unknown body")
		return
	}

	tasks := h.bus.ProjectEvents([]*tbus.RemoteEvent{event.toRemote()})
	if len(tasks) > 0 {
		if h.config.Dispatcher == nil {
			writeJSONError(w, http.StatusBadRequest, "no dispatcher configured for incoming events")
			return
		}
		if err := h.config.Dispatcher.SubmitTasks(r.Context(), tasks); err != nil {
			h.logger.Error("webhook: submitting fanned-out tasks failed",
				slog.String("event_name", event.Name),
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusBadGateway, "submitting tasks failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"queued": len(tasks)})
}

// mapCompletionData normalizes a handler's completion payload for the HTTP
// response: JSON null when the handler produced no output.
func mapCompletionData(output json.RawMessage) json.RawMessage {
	if output == nil {
		return json.RawMessage(`null`)
	}
	return output
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	switch value := body.(type) {
	case json.RawMessage:
		_, _ = w.Write(value)
	default:
		_ = json.NewEncoder(w).Encode(value)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
