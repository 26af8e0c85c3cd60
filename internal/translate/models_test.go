package translate

import (
	"testing"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers/deepseek"
)

func TestResolve_AliasTiers(t *testing.T) {
	cases := []struct {
		model        string
		wantBackend  string
		wantModel    string
		wantDirect   bool
		wantDeferred bool
	}{
		{"claude-3-5-haiku-20241022", BackendGemini, "claude-3-5-haiku-20241022", true, true},
		{"claude-3-5-sonnet-20241022", BackendDeepSeek, deepseek.ModelChat, false, false},
		{"claude-3-opus-20240229", BackendDeepSeek, deepseek.ModelReasoner, false, false},
		{"CLAUDE-3-OPUS", BackendDeepSeek, deepseek.ModelReasoner, false, false},
		{deepseek.ModelChat, BackendDeepSeek, deepseek.ModelChat, false, false},
		{deepseek.ModelReasoner, BackendDeepSeek, deepseek.ModelReasoner, false, false},
		{"gemini-2.0-flash", BackendGemini, "gemini-2.0-flash", true, true},
	}

	for _, tc := range cases {
		got := Resolve(tc.model, nil)
		if got.Backend != tc.wantBackend || got.Model != tc.wantModel ||
			got.Direct != tc.wantDirect || got.Deferred != tc.wantDeferred {
			t.Errorf("Resolve(%q) = %+v, want backend=%s model=%s direct=%v deferred=%v",
				tc.model, got, tc.wantBackend, tc.wantModel, tc.wantDirect, tc.wantDeferred)
		}
	}
}

func TestResolve_UnknownFallsBackToChat(t *testing.T) {
	got := Resolve("gpt-4o", nil)
	if got.Backend != BackendDeepSeek || got.Model != deepseek.ModelChat {
		t.Errorf("unknown model must fall back to the default chat target, got %+v", got)
	}
	if got.Direct || got.Deferred {
		t.Errorf("fallback target must not be direct or deferred: %+v", got)
	}
}

func TestAdvertisedModels_AllResolve(t *testing.T) {
	for _, id := range AdvertisedModels {
		got := Resolve(id, nil)
		if got.Backend == "" || got.Model == "" {
			t.Errorf("advertised model %q resolves to %+v", id, got)
		}
	}
}
