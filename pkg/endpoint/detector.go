// Package endpoint decides when a live utterance has ended.
//
// The detector is deliberately dumb about audio: it consumes a stream of
// (normalized level, buffer duration) samples supplied by an audio-capture
// collaborator and answers one question per sample: keep listening, or
// commit the turn. It performs no I/O, owns no timers, and does no work
// between Ingest calls; the caller owns the loop. One Detector models exactly
// one utterance, so a new turn requires a new Detector.
package endpoint

import "time"

// Decision is the per-sample verdict.
type Decision int

const (
	// Continue means keep capturing and feeding samples.
	Continue Decision = iota
	// EndAudio means the utterance is over; the caller should finalize the
	// recognition request and stop submitting samples to this instance.
	EndAudio
)

func (d Decision) String() string {
	if d == EndAudio {
		return "end_audio"
	}
	return "continue"
}

// State is a snapshot of detector progress, exposed for logging and tests.
type State struct {
	HasDetectedSpeech bool
	HasEnded          bool
	TotalDuration     time.Duration
	UtteranceDuration time.Duration
	TrailingSilence   time.Duration
}

// Detector is a single-utterance endpointing state machine. It is not safe
// for concurrent use; samples must arrive in order from one goroutine.
type Detector struct {
	cfg Config

	hasDetectedSpeech bool
	hasEnded          bool
	totalDuration     time.Duration
	utteranceDuration time.Duration
	trailingSilence   time.Duration
}

// New returns a detector for one utterance.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// NewProfile returns a detector tuned by a named profile.
func NewProfile(name string) (*Detector, error) {
	cfg, err := ProfileConfig(name)
	if err != nil {
		return nil, err
	}
	return New(cfg), nil
}

// Ingest consumes one audio buffer's level and duration and returns the
// verdict. Levels outside [0,1] are clamped. Non-positive durations are
// no-ops, not errors. After the first EndAudio the detector is terminal:
// every later call returns Continue and mutates nothing.
func (d *Detector) Ingest(level float64, duration time.Duration) Decision {
	if d.hasEnded || duration <= 0 {
		return Continue
	}
	if level < 0 {
		level = 0
	} else if level > 1 {
		level = 1
	}

	d.totalDuration += duration

	// Hysteresis: once speech has started it takes a quieter signal to count
	// as silence than it took to enter speech.
	threshold := d.cfg.SpeakingStart
	if d.hasDetectedSpeech {
		threshold = d.cfg.SpeakingFloor
	}

	switch {
	case level >= threshold:
		d.hasDetectedSpeech = true
		d.utteranceDuration += duration
		d.trailingSilence = 0
		if d.utteranceDuration >= d.cfg.MaxUtterance {
			return d.end()
		}

	case d.hasDetectedSpeech:
		d.trailingSilence += duration
		switch {
		case d.utteranceDuration >= d.cfg.MinimumUtterance && d.trailingSilence >= d.cfg.TrailingSilenceToCommit:
			// Confident end of turn.
			return d.end()
		case d.utteranceDuration < d.cfg.MinimumUtterance && d.trailingSilence >= d.cfg.PreSpeechTimeout:
			// A too-short blip followed by long silence must still resolve.
			return d.end()
		case d.utteranceDuration >= d.cfg.MaxUtterance:
			return d.end()
		}

	default:
		// Nothing said yet; give up once the pre-speech budget is spent.
		if d.totalDuration >= d.cfg.PreSpeechTimeout {
			return d.end()
		}
	}

	return Continue
}

func (d *Detector) end() Decision {
	d.hasEnded = true
	return EndAudio
}

// Ended reports whether the detector has reached its terminal state.
func (d *Detector) Ended() bool { return d.hasEnded }

// State returns a snapshot of the detector's progress.
func (d *Detector) State() State {
	return State{
		HasDetectedSpeech: d.hasDetectedSpeech,
		HasEnded:          d.hasEnded,
		TotalDuration:     d.totalDuration,
		UtteranceDuration: d.utteranceDuration,
		TrailingSilence:   d.trailingSilence,
	}
}
