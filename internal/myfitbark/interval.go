package myfitbark

import (
	"fmt"
	"time"
)

// PollInterval enumerates the supported polling periods.
type PollInterval int

const (
	Every1Minute PollInterval = iota
	Every5Minutes
	Every10Minutes
	Every15Minutes
	Every30Minutes
	Every1Hour
	Every3Hours
)

var pollIntervals = []struct {
	duration time.Duration
	short    string
}{
	Every1Minute:   {time.Minute, "1m"},
	Every5Minutes:  {5 * time.Minute, "5m"},
	Every10Minutes: {10 * time.Minute, "10m"},
	Every15Minutes: {15 * time.Minute, "15m"},
	Every30Minutes: {30 * time.Minute, "30m"},
	Every1Hour:     {time.Hour, "1h"},
	Every3Hours:    {3 * time.Hour, "3h"},
}

const DefaultPollInterval = Every15Minutes

func PollIntervals() []PollInterval {
	out := make([]PollInterval, len(pollIntervals))
	for i := range pollIntervals {
		out[i] = PollInterval(i)
	}
	return out
}

func (p PollInterval) valid() bool {
	return p >= 0 && int(p) < len(pollIntervals)
}

func (p PollInterval) Duration() time.Duration {
	if !p.valid() {
		return pollIntervals[DefaultPollInterval].duration
	}
	return pollIntervals[p].duration
}

// Short is the canonical configuration form, e.g. "15m".
func (p PollInterval) Short() string {
	if !p.valid() {
		return pollIntervals[DefaultPollInterval].short
	}
	return pollIntervals[p].short
}

// String is the human readable label, generated from the duration.
func (p PollInterval) String() string {
	d := p.Duration()
	switch {
	case d == time.Minute:
		return "1 minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	case d == time.Hour:
		return "1 hour"
	default:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
}

func ParsePollInterval(s string) (PollInterval, error) {
	for i, pi := range pollIntervals {
		if pi.short == s {
			return PollInterval(i), nil
		}
	}
	return DefaultPollInterval, fmt.Errorf("%w: unsupported poll interval %q", ErrUserInput, s)
}
