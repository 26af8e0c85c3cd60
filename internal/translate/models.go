package translate

import (
	"log/slog"
	"strings"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers/deepseek"
)

// Backend names used by routing targets.
const (
	BackendDeepSeek = "deepseek"
	BackendGemini   = "gemini"
)

// Target is the internal routing destination resolved from an advertised
// model name.
type Target struct {
	// Backend selects the upstream: "deepseek" or "gemini".
	Backend string
	// Model is the backend-native model name.
	Model string
	// Direct marks the low-latency class answered by the perception backend
	// itself, bypassing the reasoning backend.
	Direct bool
	// Deferred marks the model class whose duplicate requests wait a fixed
	// delay and merge on the content-only dedup key.
	Deferred bool
}

// Resolve maps an externally advertised model name to an internal routing
// target. Claude-family aliases route by tier substring; backend-native names
// pass through. An unrecognized name logs a warning and falls back to the
// default chat target rather than failing the request.
func Resolve(model string, log *slog.Logger) Target {
	lower := strings.ToLower(model)

	switch {
	case strings.Contains(lower, "haiku"):
		return Target{Backend: BackendGemini, Model: model, Direct: true, Deferred: true}
	case strings.Contains(lower, "sonnet"):
		return Target{Backend: BackendDeepSeek, Model: deepseek.ModelChat}
	case strings.Contains(lower, "opus"):
		return Target{Backend: BackendDeepSeek, Model: deepseek.ModelReasoner}
	case lower == deepseek.ModelChat, lower == deepseek.ModelReasoner:
		return Target{Backend: BackendDeepSeek, Model: lower}
	case strings.HasPrefix(lower, "gemini"):
		return Target{Backend: BackendGemini, Model: model, Direct: true, Deferred: true}
	default:
		if log == nil {
			log = slog.Default()
		}
		log.Warn("unknown_model_alias",
			slog.String("model", model),
			slog.String("fallback", deepseek.ModelChat),
		)
		return Target{Backend: BackendDeepSeek, Model: deepseek.ModelChat}
	}
}

// AdvertisedModels is the catalogue served by GET /v1/models: the alias tiers
// plus the backend-native names they resolve to.
var AdvertisedModels = []string{
	"claude-3-5-haiku-20241022",
	"claude-3-5-sonnet-20241022",
	"claude-3-opus-20240229",
	deepseek.ModelChat,
	deepseek.ModelReasoner,
	"gemini-2.0-flash",
}
