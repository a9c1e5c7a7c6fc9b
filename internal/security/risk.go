package security

import (
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/charlesng35/otpguard/internal/geo"
)

// Level buckets a numeric risk score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// ReasonCode identifies a triggered risk signal.
type ReasonCode string

const (
	ReasonIPChange         ReasonCode = "IP_CHANGE"
	ReasonUntrustedDevice  ReasonCode = "UNTRUSTED_DEVICE"
	ReasonTimeAnomaly      ReasonCode = "TIME_ANOMALY"
	ReasonFailedAttempts   ReasonCode = "FAILED_ATTEMPTS"
	ReasonImpossibleTravel ReasonCode = "IMPOSSIBLE_TRAVEL"
)

const (
	WeightIPChange         = 40
	WeightUntrustedDevice  = 30
	WeightTimeAnomaly      = 20
	WeightFailedAttempts   = 20
	WeightImpossibleTravel = 50

	failedAttemptsThreshold = 2
	travelDistanceKm        = 1000.0
	travelWindow            = 2 * time.Hour
)

// TravelDetails is attached to IMPOSSIBLE_TRAVEL reasons.
type TravelDetails struct {
	DistanceKm float64 `json:"distanceKm"`
	HoursDiff  float64 `json:"hoursDiff"`
}

// Reason describes one triggered signal.
type Reason struct {
	Code    ReasonCode     `json:"code"`
	Message string         `json:"message"`
	Weight  int            `json:"weight"`
	Details *TravelDetails `json:"details,omitempty"`
}

// Assessment is the outcome of scoring one login attempt.
type Assessment struct {
	Score   int      `json:"score"`
	Level   Level    `json:"level"`
	Reasons []Reason `json:"reasons"`
}

// Codes lists the codes of the triggered reasons in order.
func (a Assessment) Codes() []string {
	codes := make([]string, len(a.Reasons))
	for i, r := range a.Reasons {
		codes[i] = string(r.Code)
	}
	return codes
}

// Subject is the last-known state of the account being scored.
type Subject struct {
	LastLoginIP    string
	LastLoginAt    *time.Time
	LastLocation   *geo.Location
	LoginAttempts  int
	TrustedDevices []string
}

// Attempt is the context of the login being scored.
type Attempt struct {
	IP       string
	DeviceID string
	Location *geo.Location
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithFallbackZone sets the zone used for the time-of-day signal when the
// attempt's location has no usable time zone.
func WithFallbackZone(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.fallbackZone = loc
		}
	}
}

// Engine computes additive heuristic risk scores. It is stateless apart from
// its configuration and safe for concurrent use.
type Engine struct {
	now          func() time.Time
	fallbackZone *time.Location
}

// NewEngine constructs a risk engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{now: time.Now, fallbackZone: time.UTC}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score evaluates every signal independently and sums the weights of the
// triggered ones. Signals whose inputs are unknown do not trigger.
func (e *Engine) Score(subject Subject, attempt Attempt) Assessment {
	now := e.now()
	var reasons []Reason

	if subject.LastLoginIP != "" && subject.LastLoginIP != attempt.IP {
		reasons = append(reasons, Reason{
			Code:    ReasonIPChange,
			Message: "Login from a new IP address",
			Weight:  WeightIPChange,
		})
	}

	if !containsDevice(subject.TrustedDevices, attempt.DeviceID) {
		reasons = append(reasons, Reason{
			Code:    ReasonUntrustedDevice,
			Message: "Login from an untrusted device",
			Weight:  WeightUntrustedDevice,
		})
	}

	hour := now.In(e.zoneFor(attempt.Location)).Hour()
	if hour < 5 || hour > 23 {
		reasons = append(reasons, Reason{
			Code:    ReasonTimeAnomaly,
			Message: "Login at unusual time",
			Weight:  WeightTimeAnomaly,
		})
	}

	if subject.LoginAttempts >= failedAttemptsThreshold {
		reasons = append(reasons, Reason{
			Code:    ReasonFailedAttempts,
			Message: "Multiple failed login attempts",
			Weight:  WeightFailedAttempts,
		})
	}

	if subject.LastLocation != nil && attempt.Location != nil && subject.LastLoginAt != nil {
		distance := geo.Between(*subject.LastLocation, *attempt.Location)
		elapsed := now.Sub(*subject.LastLoginAt)
		if distance > travelDistanceKm && elapsed < travelWindow {
			reasons = append(reasons, Reason{
				Code:    ReasonImpossibleTravel,
				Message: "Login from a distant location in a short time",
				Weight:  WeightImpossibleTravel,
				Details: &TravelDetails{
					DistanceKm: math.Round(distance),
					HoursDiff:  math.Round(elapsed.Hours()*100) / 100,
				},
			})
		}
	}

	score := 0
	for _, r := range reasons {
		score += r.Weight
	}

	return Assessment{Score: score, Level: LevelFor(score), Reasons: reasons}
}

// LevelFor maps a score onto its level: <30 LOW, <60 MEDIUM, <85 HIGH, else CRITICAL.
func LevelFor(score int) Level {
	switch {
	case score < 30:
		return LevelLow
	case score < 60:
		return LevelMedium
	case score < 85:
		return LevelHigh
	default:
		return LevelCritical
	}
}

func (e *Engine) zoneFor(loc *geo.Location) *time.Location {
	if loc == nil || strings.TrimSpace(loc.TimeZone) == "" {
		return e.fallbackZone
	}
	zone, err := time.LoadLocation(loc.TimeZone)
	if err != nil {
		return e.fallbackZone
	}
	return zone
}

func containsDevice(trusted []string, deviceID string) bool {
	if deviceID == "" {
		return false
	}
	for _, id := range trusted {
		if id == deviceID {
			return true
		}
	}
	return false
}
