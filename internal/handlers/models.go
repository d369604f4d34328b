package handlers

import (
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
	"github.com/mihaisavezi/chat-bridge/internal/logger"
	"github.com/mihaisavezi/chat-bridge/internal/providers"
)

// ProviderLookup finds live providers.
type ProviderLookup interface {
	Get(id string) (providers.Provider, bool)
	Active() (providers.Provider, error)
}

type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

// ModelsHandler lists the models of the active provider, or of the one
// named by the provider query parameter.
type ModelsHandler struct {
	providers ProviderLookup
	logger    *slog.Logger
}

func NewModelsHandler(lookup ProviderLookup, logger *slog.Logger) *ModelsHandler {
	return &ModelsHandler{providers: lookup, logger: logger}
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := h.provider(r)
	if err != nil {
		apierror.WriteJSON(w, err)
		return
	}

	models, err := p.ListModels(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "Failed to list models", "provider", p.ID(), logger.Err(err))
		apierror.WriteJSON(w, err)
		return
	}
	if models == nil {
		models = []openai.Model{}
	}

	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

func (h *ModelsHandler) provider(r *http.Request) (providers.Provider, error) {
	id := r.URL.Query().Get("provider")
	if id == "" {
		return h.providers.Active()
	}

	p, ok := h.providers.Get(id)
	if !ok {
		return nil, apierror.NewNotFoundError("provider", id)
	}
	return p, nil
}
