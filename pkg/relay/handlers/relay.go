// Package handlers holds the relay's HTTP surface: the websocket upgrade
// endpoint and the liveness/readiness probes.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/auralis-ai/voicerelay/pkg/providers"
	"github.com/auralis-ai/voicerelay/pkg/quota"
	"github.com/auralis-ai/voicerelay/pkg/relay/apierror"
	"github.com/auralis-ai/voicerelay/pkg/relay/auth"
	"github.com/auralis-ai/voicerelay/pkg/relay/lifecycle"
	"github.com/auralis-ai/voicerelay/pkg/relay/mw"
	"github.com/auralis-ai/voicerelay/pkg/relay/ratelimit"
	"github.com/auralis-ai/voicerelay/pkg/relay/session"
	"github.com/auralis-ai/voicerelay/pkg/relay/sessions"
)

// meteringTimeout bounds the close-time usage write so a slow database
// cannot hold a finished session's goroutine open indefinitely.
const meteringTimeout = 10 * time.Second

// RelayDeps wires one relay endpoint.
type RelayDeps struct {
	Logger   *slog.Logger
	Verifier auth.Verifier
	Registry *providers.Registry

	// Ledger may be nil; metering and the quota pre-check are then skipped
	// entirely (development mode).
	Ledger        quota.Ledger
	QuotaFailOpen bool

	Hints     providers.HintStore
	Limiter   *ratelimit.Limiter
	Tracker   *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle

	// AllowedOrigins gates browser clients; empty admits any Origin.
	AllowedOrigins map[string]struct{}

	Session session.Config

	// now is swappable in tests.
	now func() time.Time
}

// RelayHandler upgrades authenticated requests to websocket sessions and
// relays them to the resolved provider. All rejections happen before the
// upgrade, as plain HTTP statuses; after the upgrade every failure is an
// in-band frame followed by a normal close.
type RelayHandler struct {
	deps RelayDeps
	up   websocket.Upgrader
}

func NewRelayHandler(deps RelayDeps) (*RelayHandler, error) {
	if deps.Verifier == nil {
		return nil, errors.New("handlers: verifier is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("handlers: provider registry is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.now == nil {
		deps.now = time.Now
	}
	h := &RelayHandler{deps: deps}
	h.up = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(deps.AllowedOrigins) == 0 {
				return true
			}
			_, ok := deps.AllowedOrigins[origin]
			return ok
		},
	}
	return h, nil
}

func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, _ := mw.RequestIDFrom(ctx)
	log := h.deps.Logger.With("request_id", requestID)

	if !websocket.IsWebSocketUpgrade(r) {
		mw.WriteJSONError(w, http.StatusUpgradeRequired, &apierror.Error{
			Type:      apierror.TypeUpgradeRequired,
			Message:   "this endpoint only accepts websocket upgrade requests",
			RequestID: requestID,
		})
		return
	}

	identity, ok := h.authenticate(ctx, r)
	if !ok {
		mw.WriteJSONError(w, http.StatusUnauthorized, &apierror.Error{
			Type:      apierror.TypeAuth,
			Code:      apierror.CodeUnauthorized,
			Message:   "missing or invalid bearer token",
			RequestID: requestID,
		})
		return
	}
	log = log.With("user_id", identity.UserID, "tier", string(identity.Tier))

	params, err := parseSessionParams(r)
	if err != nil {
		mw.WriteJSONError(w, http.StatusBadRequest, &apierror.Error{
			Type:      apierror.TypeConfig,
			Code:      apierror.CodeUnknownProvider,
			Message:   err.Error(),
			Param:     "provider",
			RequestID: requestID,
		})
		return
	}

	if h.deps.Lifecycle != nil && h.deps.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, 529, &apierror.Error{
			Type:      apierror.TypeOverloaded,
			Code:      apierror.CodeDraining,
			Message:   "relay is draining, retry against another instance",
			RequestID: requestID,
		})
		return
	}

	// Quota gate. The read happens before any upstream work so exhausted
	// users cost nothing; read failures fail open or closed per config.
	if h.deps.Ledger != nil {
		balance, err := h.deps.Ledger.Balance(ctx, identity.UserID)
		switch {
		case errors.Is(err, quota.ErrNoBalance) && h.deps.QuotaFailOpen:
			// Provisioning lag: an authenticated user whose balance row has
			// not landed yet is admitted rather than locked out.
			log.Warn("no quota balance row, admitting session")
		case errors.Is(err, quota.ErrNoBalance):
			mw.WriteJSONError(w, http.StatusPaymentRequired, &apierror.Error{
				Type:      apierror.TypeQuota,
				Code:      apierror.CodeQuotaExhausted,
				Message:   "no quota balance for this account",
				RequestID: requestID,
			})
			return
		case err != nil && !h.deps.QuotaFailOpen:
			log.Error("quota balance read failed", "error", err)
			mw.WriteJSONError(w, http.StatusInternalServerError, &apierror.Error{
				Type:      apierror.TypeAPI,
				Message:   "quota check unavailable",
				RequestID: requestID,
			})
			return
		case err != nil:
			log.Warn("quota balance read failed, admitting session", "error", err)
		case balance.Exhausted():
			mw.WriteJSONError(w, http.StatusPaymentRequired, &apierror.Error{
				Type:      apierror.TypeQuota,
				Code:      apierror.CodeQuotaExhausted,
				Message:   "quota exhausted",
				RequestID: requestID,
			})
			return
		}
	}

	decision := h.deps.Limiter.AcquireSession(ratelimit.PrincipalKey(identity.UserID))
	if !decision.Allowed {
		mw.WriteJSONError(w, http.StatusTooManyRequests, &apierror.Error{
			Type:      apierror.TypeRateLimit,
			Message:   "too many concurrent sessions",
			RequestID: requestID,
		})
		return
	}
	defer decision.Permit.Release()

	result, err := h.deps.Registry.Resolve(ctx, providers.ResolveRequest{
		Requested:      params.provider,
		Tier:           identity.Tier,
		Surface:        params.surface,
		RuntimeVersion: params.runtimeVersion,
		UseStoredHint:  params.useStoredHint,
		UserID:         identity.UserID,
		Hints:          h.deps.Hints,
	})
	if err != nil {
		mw.WriteJSONError(w, http.StatusBadGateway, &apierror.Error{
			Type:      apierror.TypeUpstream,
			Code:      "no_provider_available",
			Message:   "no configured provider can serve this session",
			RequestID: requestID,
		})
		return
	}

	// On-device providers are resolved for clients but never relayed; a
	// session request that lands on one is a client configuration error.
	target, err := h.deps.Registry.Upstream(result.Effective, params.model)
	if err != nil {
		mw.WriteJSONError(w, http.StatusBadRequest, &apierror.Error{
			Type:      apierror.TypeConfig,
			Code:      "provider_not_relayable",
			Message:   "resolved provider has no relay upstream",
			Param:     "provider",
			RequestID: requestID,
		})
		return
	}

	sessionID := "s_" + uuid.NewString()
	respHeader := http.Header{}
	respHeader.Set("X-Relay-Session-ID", sessionID)
	respHeader.Set("X-Relay-Provider", string(result.Effective))
	if result.DidFallback {
		respHeader.Set("X-Relay-Fallback", string(result.Reason))
	}

	clientConn, err := h.up.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess, err := session.New(session.Dependencies{
		Client:    clientConn,
		Upstream:  target,
		Logger:    log,
		SessionID: sessionID,
		RequestID: requestID,
		Config:    h.deps.Session,
	})
	if err != nil {
		clientConn.Close()
		log.Error("session construction failed", "error", err)
		return
	}

	unregister := h.deps.Tracker.Register(sessionID, sessions.Handle{
		Cancel: sess.Cancel,
		Warn:   sess.SendWarning,
	})
	defer unregister()

	start := h.deps.now()
	log.Info("session started",
		"session_id", sessionID,
		"provider", string(result.Effective),
		"fallback", result.DidFallback,
		"surface", params.surface)

	runErr := sess.Run()

	duration := h.deps.now().Sub(start)
	log.Info("session closed",
		"session_id", sessionID,
		"provider", string(result.Effective),
		"duration_seconds", int(duration.Seconds()),
		"error", runErr)

	h.meter(log, identity, params, result.Effective, sessionID, duration)
}

// meter writes the usage event and debits the balance after the session
// ends. Failures are logged and swallowed; metering never disturbs an
// already-finished session.
func (h *RelayHandler) meter(log *slog.Logger, identity auth.Identity, params sessionParams, provider providers.ID, sessionID string, duration time.Duration) {
	if h.deps.Ledger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), meteringTimeout)
	defer cancel()

	ev := quota.UsageEvent{
		ID:              "evt_" + uuid.NewString(),
		UserID:          identity.UserID,
		DeviceID:        params.deviceID,
		Provider:        provider,
		Tier:            identity.Tier,
		DurationSeconds: int(duration.Seconds()),
		CreatedAt:       h.deps.now().UTC(),
	}
	if err := h.deps.Ledger.AppendUsage(ctx, ev); err != nil {
		log.Warn("usage event write failed",
			"session_id", sessionID, "code", apierror.CodeLogFailed, "error", err)
	}

	minutes := quota.MinutesForDuration(duration)
	if err := h.deps.Ledger.Debit(ctx, identity.UserID, minutes); err != nil {
		log.Warn("quota debit failed",
			"session_id", sessionID, "code", apierror.CodeDebitFailed,
			"minutes", minutes, "error", err)
	}
}

// authenticate resolves the caller. Browsers cannot set Authorization on
// websocket dials, so a token query parameter is accepted as well.
func (h *RelayHandler) authenticate(ctx context.Context, r *http.Request) (auth.Identity, bool) {
	token, ok := auth.ParseBearer(r)
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		if token == "" {
			return auth.Identity{}, false
		}
	}
	identity, err := h.deps.Verifier.Verify(ctx, token)
	if err != nil {
		return auth.Identity{}, false
	}
	return identity, true
}

type sessionParams struct {
	provider       providers.ID
	model          string
	surface        string
	runtimeVersion int
	deviceID       string
	useStoredHint  bool
}

func parseSessionParams(r *http.Request) (sessionParams, error) {
	q := r.URL.Query()

	id, err := providers.ParseID(q.Get("provider"))
	if err != nil {
		return sessionParams{}, err
	}

	runtime := 0
	if raw := strings.TrimSpace(q.Get("runtime_version")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			runtime = n
		}
	}

	hint := false
	switch strings.ToLower(strings.TrimSpace(q.Get("use_stored_hint"))) {
	case "1", "true", "yes":
		hint = true
	}

	return sessionParams{
		provider:       id,
		model:          strings.TrimSpace(q.Get("model")),
		surface:        strings.TrimSpace(q.Get("surface")),
		runtimeVersion: runtime,
		deviceID:       strings.TrimSpace(q.Get("device_id")),
		useStoredHint:  hint,
	}, nil
}
