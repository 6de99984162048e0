// Package providers maps logical voice-AI provider identifiers to upstream
// realtime connection targets and decides, per session, which provider a
// caller actually gets.
package providers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ID identifies a logical provider.
type ID string

const (
	// Apple is the on-device speech stack; it has no relay upstream and is
	// gated on a minimum client runtime version.
	Apple ID = "apple"

	OpenAI     ID = "openai"
	Gemini     ID = "gemini"
	ElevenLabs ID = "elevenlabs"
)

// Tier is a subscription level constraining the available provider set.
type Tier string

const (
	TierFree     Tier = "free"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// TierProviders returns the providers available to a tier, in the canonical
// fallback order. The order is load-bearing: the resolver picks the first
// configured entry when the requested provider is rejected.
func TierProviders(t Tier) []ID {
	switch t {
	case TierPremium:
		return []ID{Gemini, OpenAI, ElevenLabs, Apple}
	case TierStandard:
		return []ID{Gemini, OpenAI}
	default:
		return []ID{Gemini}
	}
}

func tierAllows(t Tier, id ID) bool {
	for _, p := range TierProviders(t) {
		if p == id {
			return true
		}
	}
	return false
}

// Upstream is a resolved realtime connection target: a websocket URL plus the
// provider-specific auth headers the dial must carry.
type Upstream struct {
	URL    string
	Header http.Header
}

// Credentials holds the upstream API keys the relay connects with. An empty
// key means the provider is not configured on this deployment.
type Credentials struct {
	OpenAIKey     string
	GeminiKey     string
	ElevenLabsKey string
}

type provider struct {
	id ID

	// minRuntimeVersion gates on-device providers on the client OS major
	// version; zero means no runtime gate.
	minRuntimeVersion int

	// onDevice providers run entirely on the client and have no relay
	// upstream.
	onDevice bool

	defaultModel string
}

// Registry maps provider IDs to upstream targets and answers configuration
// queries for the fallback resolver.
type Registry struct {
	creds     Credentials
	providers map[ID]provider

	// Base URL overrides, primarily for tests.
	openAIBaseURL     string
	geminiBaseURL     string
	elevenLabsBaseURL string
}

const (
	defaultOpenAIRealtimeURL = "wss://api.openai.com/v1/realtime"
	defaultGeminiLiveURL     = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultElevenLabsConvaiURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	// appleMinRuntimeVersion is the first client OS major version shipping
	// the on-device speech analyzer.
	appleMinRuntimeVersion = 26
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBaseURLs overrides the upstream base URLs. Empty strings keep defaults.
func WithBaseURLs(openAI, gemini, elevenLabs string) RegistryOption {
	return func(r *Registry) {
		if openAI != "" {
			r.openAIBaseURL = openAI
		}
		if gemini != "" {
			r.geminiBaseURL = gemini
		}
		if elevenLabs != "" {
			r.elevenLabsBaseURL = elevenLabs
		}
	}
}

// NewRegistry builds the provider registry for one deployment.
func NewRegistry(creds Credentials, opts ...RegistryOption) *Registry {
	r := &Registry{
		creds: creds,
		providers: map[ID]provider{
			Apple:      {id: Apple, minRuntimeVersion: appleMinRuntimeVersion, onDevice: true},
			OpenAI:     {id: OpenAI, defaultModel: "gpt-4o-realtime-preview"},
			Gemini:     {id: Gemini, defaultModel: "gemini-2.0-flash-exp"},
			ElevenLabs: {id: ElevenLabs},
		},
		openAIBaseURL:     defaultOpenAIRealtimeURL,
		geminiBaseURL:     defaultGeminiLiveURL,
		elevenLabsBaseURL: defaultElevenLabsConvaiURL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseID normalizes a provider identifier from a query parameter.
// It returns an error for empty or unrecognized values.
func ParseID(raw string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(raw)))
	switch id {
	case Apple, OpenAI, Gemini, ElevenLabs:
		return id, nil
	case "":
		return "", fmt.Errorf("providers: missing provider")
	default:
		return "", fmt.Errorf("providers: unknown provider %q", raw)
	}
}

// Known reports whether id names a registered provider.
func (r *Registry) Known(id ID) bool {
	_, ok := r.providers[id]
	return ok
}

// IsConfigured reports whether the deployment can serve the provider.
// On-device providers need nothing server-side and always count as
// configured; relayed providers need their upstream key.
func (r *Registry) IsConfigured(id ID) bool {
	p, ok := r.providers[id]
	if !ok {
		return false
	}
	if p.onDevice {
		return true
	}
	switch id {
	case OpenAI:
		return r.creds.OpenAIKey != ""
	case Gemini:
		return r.creds.GeminiKey != ""
	case ElevenLabs:
		return r.creds.ElevenLabsKey != ""
	default:
		return false
	}
}

// Upstream resolves the dial target for a relayed provider. The model is
// optional; relayed providers with a default model fall back to it. On-device
// providers have no upstream and return an error.
func (r *Registry) Upstream(id ID, model string) (Upstream, error) {
	p, ok := r.providers[id]
	if !ok {
		return Upstream{}, fmt.Errorf("providers: unknown provider %q", id)
	}
	if p.onDevice {
		return Upstream{}, fmt.Errorf("providers: %q runs on-device and has no upstream", id)
	}
	if !r.IsConfigured(id) {
		return Upstream{}, fmt.Errorf("providers: %q is not configured", id)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.defaultModel
	}

	header := make(http.Header)
	switch id {
	case OpenAI:
		header.Set("Authorization", "Bearer "+r.creds.OpenAIKey)
		header.Set("OpenAI-Beta", "realtime=v1")
		return Upstream{URL: r.openAIBaseURL + "?model=" + url.QueryEscape(model), Header: header}, nil
	case Gemini:
		header.Set("x-goog-api-key", r.creds.GeminiKey)
		return Upstream{URL: r.geminiBaseURL, Header: header}, nil
	case ElevenLabs:
		header.Set("xi-api-key", r.creds.ElevenLabsKey)
		u := r.elevenLabsBaseURL
		if model != "" {
			u += "?agent_id=" + url.QueryEscape(model)
		}
		return Upstream{URL: u, Header: header}, nil
	default:
		return Upstream{}, fmt.Errorf("providers: %q has no upstream mapping", id)
	}
}

func (r *Registry) runtimeEligible(id ID, runtimeVersion int) bool {
	p, ok := r.providers[id]
	if !ok {
		return false
	}
	return p.minRuntimeVersion == 0 || runtimeVersion >= p.minRuntimeVersion
}
