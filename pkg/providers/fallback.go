package providers

import (
	"context"
	"errors"
)

// FallbackReason explains why the requested provider was rejected.
type FallbackReason string

const (
	ReasonNone                FallbackReason = ""
	ReasonOSUnsupported       FallbackReason = "os_unsupported"
	ReasonTierRestricted      FallbackReason = "tier_restricted"
	ReasonProviderUnavailable FallbackReason = "provider_unavailable"
)

// ErrNoProviderAvailable is returned when neither the requested provider nor
// any tier-eligible replacement can serve the session.
var ErrNoProviderAvailable = errors.New("providers: no provider available")

// Result is the outcome of one resolution. It is computed fresh per call;
// the only persisted state is the optional last-working hint.
type Result struct {
	Effective   ID
	DidFallback bool
	Reason      FallbackReason
}

// ResolveRequest carries everything one resolution needs. IsConfigured and
// IsRuntimeAvailable default to the registry's own view when nil; tests and
// callers with client-reported capability signals may override them.
type ResolveRequest struct {
	Requested      ID
	Tier           Tier
	Surface        string
	RuntimeVersion int

	UseStoredHint bool
	UserID        string
	Hints         HintStore

	IsConfigured       func(ID) bool
	IsRuntimeAvailable func(ID) bool
}

// Resolve picks the effective provider for a session.
//
// The requested provider wins only if it passes the runtime gate, is in the
// tier's provider set, and is both configured and runtime-available. On
// rejection the reason prefers runtime ineligibility over tier restriction
// over plain unavailability, and a replacement is chosen: the stored
// last-working hint when permitted, else the first configured provider in
// the tier's canonical order.
func (r *Registry) Resolve(ctx context.Context, req ResolveRequest) (Result, error) {
	isConfigured := req.IsConfigured
	if isConfigured == nil {
		isConfigured = r.IsConfigured
	}
	isRuntimeAvailable := req.IsRuntimeAvailable
	if isRuntimeAvailable == nil {
		isRuntimeAvailable = func(ID) bool { return true }
	}

	eligible := func(id ID) bool {
		return r.Known(id) &&
			r.runtimeEligible(id, req.RuntimeVersion) &&
			tierAllows(req.Tier, id) &&
			isConfigured(id) &&
			isRuntimeAvailable(id)
	}

	if eligible(req.Requested) {
		r.recordHint(ctx, req, req.Requested)
		return Result{Effective: req.Requested}, nil
	}

	reason := ReasonProviderUnavailable
	switch {
	case r.Known(req.Requested) && (!r.runtimeEligible(req.Requested, req.RuntimeVersion) || !isRuntimeAvailable(req.Requested)):
		reason = ReasonOSUnsupported
	case r.Known(req.Requested) && !tierAllows(req.Tier, req.Requested):
		reason = ReasonTierRestricted
	}

	if req.UseStoredHint && req.Hints != nil {
		if hint, err := req.Hints.LastWorking(ctx, req.UserID); err == nil && hint != "" {
			if tierAllows(req.Tier, hint) && isConfigured(hint) && r.runtimeEligible(hint, req.RuntimeVersion) {
				return Result{Effective: hint, DidFallback: hint != req.Requested, Reason: reason}, nil
			}
		}
	}

	for _, candidate := range TierProviders(req.Tier) {
		if !isConfigured(candidate) || !r.runtimeEligible(candidate, req.RuntimeVersion) {
			continue
		}
		r.recordHint(ctx, req, candidate)
		return Result{Effective: candidate, DidFallback: candidate != req.Requested, Reason: reason}, nil
	}

	return Result{}, ErrNoProviderAvailable
}

// recordHint remembers the provider that actually worked. Best-effort: hint
// storage failures never affect resolution.
func (r *Registry) recordHint(ctx context.Context, req ResolveRequest, id ID) {
	if req.Hints == nil || req.UserID == "" {
		return
	}
	_ = req.Hints.SetLastWorking(ctx, req.UserID, id)
}
