package endpoint

import (
	"fmt"
	"time"
)

// Config holds the tunable thresholds for one utterance. A Config is selected
// once per session from a named profile and never mutated afterwards.
type Config struct {
	// SpeakingStart is the normalized level (0..1) that must be reached to
	// enter speech. SpeakingFloor is the lower level that keeps speech alive
	// once entered; the gap prevents momentary dips mid-word from reading as
	// silence.
	SpeakingStart float64
	SpeakingFloor float64

	// MinimumUtterance is the least accumulated speech required before
	// trailing silence may commit the turn.
	MinimumUtterance time.Duration

	// TrailingSilenceToCommit is the silence after speech that commits the
	// turn.
	TrailingSilenceToCommit time.Duration

	// MaxUtterance bounds total speech; hitting it ends the turn regardless
	// of silence.
	MaxUtterance time.Duration

	// PreSpeechTimeout bounds how long the detector waits for speech to start
	// at all, and how long a too-short blip may hang before resolving.
	PreSpeechTimeout time.Duration
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.SpeakingStart < 0 || c.SpeakingStart > 1 {
		return fmt.Errorf("endpoint: SpeakingStart must be in [0,1], got %v", c.SpeakingStart)
	}
	if c.SpeakingFloor < 0 || c.SpeakingFloor > 1 {
		return fmt.Errorf("endpoint: SpeakingFloor must be in [0,1], got %v", c.SpeakingFloor)
	}
	if c.SpeakingFloor > c.SpeakingStart {
		return fmt.Errorf("endpoint: SpeakingFloor must be <= SpeakingStart")
	}
	if c.MinimumUtterance <= 0 {
		return fmt.Errorf("endpoint: MinimumUtterance must be > 0")
	}
	if c.TrailingSilenceToCommit <= 0 {
		return fmt.Errorf("endpoint: TrailingSilenceToCommit must be > 0")
	}
	if c.MaxUtterance <= 0 {
		return fmt.Errorf("endpoint: MaxUtterance must be > 0")
	}
	if c.PreSpeechTimeout <= 0 {
		return fmt.Errorf("endpoint: PreSpeechTimeout must be > 0")
	}
	if c.MinimumUtterance > c.MaxUtterance {
		return fmt.Errorf("endpoint: MinimumUtterance must be <= MaxUtterance")
	}
	return nil
}

// Named profiles. All three run the identical algorithm; they trade
// responsiveness against false-trigger robustness.
const (
	ProfileFast     = "fast"
	ProfileBalanced = "balanced"
	ProfilePatient  = "patient"
)

// ProfileConfig returns the tuning for a named profile.
func ProfileConfig(name string) (Config, error) {
	switch name {
	case ProfileFast:
		return Config{
			SpeakingStart:           0.25,
			SpeakingFloor:           0.15,
			MinimumUtterance:        300 * time.Millisecond,
			TrailingSilenceToCommit: 600 * time.Millisecond,
			MaxUtterance:            10 * time.Second,
			PreSpeechTimeout:        4 * time.Second,
		}, nil
	case ProfileBalanced:
		return Config{
			SpeakingStart:           0.30,
			SpeakingFloor:           0.18,
			MinimumUtterance:        500 * time.Millisecond,
			TrailingSilenceToCommit: 900 * time.Millisecond,
			MaxUtterance:            15 * time.Second,
			PreSpeechTimeout:        5 * time.Second,
		}, nil
	case ProfilePatient:
		return Config{
			SpeakingStart:           0.35,
			SpeakingFloor:           0.20,
			MinimumUtterance:        700 * time.Millisecond,
			TrailingSilenceToCommit: 1400 * time.Millisecond,
			MaxUtterance:            20 * time.Second,
			PreSpeechTimeout:        6 * time.Second,
		}, nil
	default:
		return Config{}, fmt.Errorf("endpoint: unknown profile %q", name)
	}
}
