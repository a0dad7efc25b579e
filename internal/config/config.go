// Package config provides typed lookup over the runtime/consumer
// properties recognized by this system (spec §6), grounded on the
// teacher's pkg/config.Config (typed struct + Validate) and
// internal/settings.Manager (typed GetX accessors with defaulting).
package config

import (
	"strconv"
	"strings"
	"time"
)

// Properties is a typed view over a flat string-keyed property map, the
// shape configuration binding hands to this system (spec §1: "configuration
// binding and auto-wiring" is an external collaborator).
type Properties struct {
	values map[string]string
}

func New(values map[string]string) Properties {
	if values == nil {
		values = map[string]string{}
	}
	return Properties{values: values}
}

func (p Properties) GetString(key, def string) string {
	if v, ok := p.values[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func (p Properties) GetInt(key string, def int) int {
	if v, ok := p.values[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (p Properties) GetDuration(key string, def time.Duration) time.Duration {
	if v, ok := p.values[key]; ok {
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func (p Properties) GetBool(key string, def bool) bool {
	if v, ok := p.values[key]; ok {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

// Recognized configuration keys (spec §6).
const (
	KeySelfEndpoint        = "application.server"
	KeyNumStreamThreads    = "num.stream.threads"
	KeyAutopilotEnabled    = "autopilot.enabled"
	KeyLagThreshold        = "autopilot.lag.threshold"
	KeyThreadLimit         = "autopilot.stream-thread.limit"
	KeyPeriodInitialDelay  = "autopilot.period.initial-delay"
	KeyPeriodBetweenRuns   = "autopilot.period.between-runs"
	KeyExclusionPattern    = "autopilot.exclusion-pattern"
	KeyMaxPollIntervalMS   = "max.poll.interval.ms"
	KeySessionTimeoutMS    = "session.timeout.ms"
	KeyEndpointsExposure   = "management.endpoints.web.exposure.include"
)

// EndpointExposed reports whether name is listed in the comma-separated
// management.endpoints.web.exposure.include property (spec §6/§8 S1/S2).
func (p Properties) EndpointExposed(name string) bool {
	raw := p.GetString(KeyEndpointsExposure, "")
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == name {
			return true
		}
	}
	return false
}

// SelfEndpoint resolves application.server into a host/port pair, or ok=false
// when unset. Its absence is fatal for C4 construction (MissingSelfEndpoint).
func (p Properties) SelfEndpoint() (host string, port int, ok bool) {
	v := strings.TrimSpace(p.values[KeySelfEndpoint])
	if v == "" {
		return "", 0, false
	}
	h, ps, found := strings.Cut(v, ":")
	if !found {
		return "", 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(ps))
	if err != nil {
		return "", 0, false
	}
	return strings.TrimSpace(h), n, true
}

// AutopilotConfig is the derived, typed settings view consumed by C8
// (spec §4.7 "config {lagThreshold, threadLimit, period{...}, exclusionPattern}").
type AutopilotConfig struct {
	Enabled            bool
	DesiredThreadCount int
	LagThreshold       int64
	ThreadLimit        int
	InitialDelay       time.Duration
	BetweenRuns        time.Duration
	ExclusionPattern   string
	GenericTimeout     time.Duration
}

// LoadAutopilotConfig derives AutopilotConfig from Properties, computing
// genericTimeout = max(max.poll.interval.ms, session.timeout.ms) per §5.
func LoadAutopilotConfig(p Properties) AutopilotConfig {
	maxPoll := p.GetDuration(KeyMaxPollIntervalMS, 5*time.Minute)
	sessionTO := p.GetDuration(KeySessionTimeoutMS, 10*time.Second)
	generic := maxPoll
	if sessionTO > generic {
		generic = sessionTO
	}
	return AutopilotConfig{
		Enabled:            p.GetBool(KeyAutopilotEnabled, false),
		DesiredThreadCount: p.GetInt(KeyNumStreamThreads, 1),
		LagThreshold:       int64(p.GetInt(KeyLagThreshold, 1000)),
		ThreadLimit:        p.GetInt(KeyThreadLimit, 0),
		InitialDelay:       p.GetDuration(KeyPeriodInitialDelay, 0),
		BetweenRuns:        p.GetDuration(KeyPeriodBetweenRuns, time.Minute),
		ExclusionPattern:   p.GetString(KeyExclusionPattern, ""),
		GenericTimeout:     generic,
	}
}
