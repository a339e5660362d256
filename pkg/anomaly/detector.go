package anomaly

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"mercator-hq/secretsrouter/pkg/identity"
)

// Weights are the score contributions of each signal.
type Weights struct {
	NewSecret   int `yaml:"new_secret"`
	UnusualHour int `yaml:"unusual_hour"`
	Burst       int `yaml:"burst"`
	Denials     int `yaml:"denials"`
}

// Config controls profile retention and scoring.
type Config struct {
	// Window is how long a profile's history is kept after the last request.
	Window time.Duration `yaml:"window"`

	// WarmupRequests is the number of observations before the novelty
	// signals (new secret, unusual hour) are scored.
	WarmupRequests int `yaml:"warmup_requests"`

	// BurstWindow and BurstThreshold define a burst: at least
	// BurstThreshold requests within BurstWindow.
	BurstWindow    time.Duration `yaml:"burst_window"`
	BurstThreshold int           `yaml:"burst_threshold"`

	// DenialThreshold is the number of denials within Window that adds the
	// denial signal.
	DenialThreshold int `yaml:"denial_threshold"`

	// MaxProfiles bounds memory. The least recently seen profiles are
	// evicted first.
	MaxProfiles int `yaml:"max_profiles"`

	Weights Weights `yaml:"weights"`
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		Window:          24 * time.Hour,
		WarmupRequests:  20,
		BurstWindow:     time.Minute,
		BurstThreshold:  30,
		DenialThreshold: 3,
		MaxProfiles:     10000,
		Weights: Weights{
			NewSecret:   35,
			UnusualHour: 20,
			Burst:       30,
			Denials:     15,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("anomaly window must be positive")
	}
	if c.BurstWindow <= 0 || c.BurstThreshold <= 0 {
		return fmt.Errorf("anomaly burst window and threshold must be positive")
	}
	if c.WarmupRequests < 0 || c.DenialThreshold < 0 || c.MaxProfiles < 0 {
		return fmt.Errorf("anomaly thresholds cannot be negative")
	}
	w := c.Weights
	if w.NewSecret < 0 || w.UnusualHour < 0 || w.Burst < 0 || w.Denials < 0 {
		return fmt.Errorf("anomaly weights cannot be negative")
	}
	return nil
}

// Event is one observed access attempt.
type Event struct {
	Identity *identity.ServiceIdentity
	Secret   string
	At       time.Time
	Denied   bool
}

// profile is the access history of one principal.
type profile struct {
	requests int
	secrets  map[string]time.Time
	hours    [24]int
	recent   []time.Time
	denials  []time.Time
	lastSeen time.Time
}

// Detector scores requests against per-principal profiles. It is safe for
// concurrent use.
type Detector struct {
	cfg    Config
	logger *slog.Logger

	// mu protects profiles
	mu       sync.RWMutex
	profiles map[string]*profile
}

// NewDetector creates a detector.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:      cfg,
		logger:   slog.Default().With("component", "anomaly"),
		profiles: make(map[string]*profile),
	}, nil
}

// Score returns the risk score of id reading secret at the given time.
// Unknown callers score on rate signals only, which are zero for them.
func (d *Detector) Score(id *identity.ServiceIdentity, secret string, at time.Time) int {
	if id == nil {
		return 0
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[id.String()]
	if !ok {
		return 0
	}

	score := 0
	var signals []string
	if p.requests >= d.cfg.WarmupRequests {
		if _, known := p.secrets[secret]; !known {
			score += d.cfg.Weights.NewSecret
			signals = append(signals, "new_secret")
		}
		if p.hours[at.UTC().Hour()] == 0 {
			score += d.cfg.Weights.UnusualHour
			signals = append(signals, "unusual_hour")
		}
	}
	if countSince(p.recent, at.Add(-d.cfg.BurstWindow)) >= d.cfg.BurstThreshold {
		score += d.cfg.Weights.Burst
		signals = append(signals, "burst")
	}
	if d.cfg.DenialThreshold > 0 && countSince(p.denials, at.Add(-d.cfg.Window)) >= d.cfg.DenialThreshold {
		score += d.cfg.Weights.Denials
		signals = append(signals, "denials")
	}

	if score > 100 {
		score = 100
	}
	if score > 0 {
		d.logger.Debug("anomaly signals",
			"principal", id.String(),
			"secret", secret,
			"score", score,
			"signals", signals,
		)
	}
	return score
}

// Observe records an access attempt in the caller's profile. Denied
// attempts count toward the rate and denial signals but do not make a
// secret or an hour familiar.
func (d *Detector) Observe(ev Event) {
	if ev.Identity == nil {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	key := ev.Identity.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.profiles[key]
	if !ok {
		if d.cfg.MaxProfiles > 0 && len(d.profiles) >= d.cfg.MaxProfiles {
			d.evictLocked(len(d.profiles) - d.cfg.MaxProfiles + 1)
		}
		p = &profile{secrets: make(map[string]time.Time)}
		d.profiles[key] = p
	}

	p.lastSeen = at
	p.recent = append(trimBefore(p.recent, at.Add(-d.cfg.BurstWindow)), at)
	if ev.Denied {
		p.denials = append(trimBefore(p.denials, at.Add(-d.cfg.Window)), at)
		return
	}
	p.requests++
	p.secrets[ev.Secret] = at
	p.hours[at.UTC().Hour()]++
}

// Prune drops profiles not seen within the window and returns how many were
// removed.
func (d *Detector) Prune(now time.Time) int {
	cutoff := now.Add(-d.cfg.Window)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for k, p := range d.profiles {
		if p.lastSeen.Before(cutoff) {
			delete(d.profiles, k)
			removed++
			continue
		}
		for s, seen := range p.secrets {
			if seen.Before(cutoff) {
				delete(p.secrets, s)
			}
		}
		p.denials = trimBefore(p.denials, cutoff)
	}
	if removed > 0 {
		d.logger.Debug("pruned anomaly profiles", "removed", removed, "remaining", len(d.profiles))
	}
	return removed
}

// Profiles returns the number of tracked principals.
func (d *Detector) Profiles() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.profiles)
}

// evictLocked removes the n least recently seen profiles.
func (d *Detector) evictLocked(n int) {
	if n <= 0 {
		return
	}
	type entry struct {
		key  string
		seen time.Time
	}
	entries := make([]entry, 0, len(d.profiles))
	for k, p := range d.profiles {
		entries = append(entries, entry{k, p.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seen.Equal(entries[j].seen) {
			return entries[i].key < entries[j].key
		}
		return entries[i].seen.Before(entries[j].seen)
	})
	for i := 0; i < n && i < len(entries); i++ {
		delete(d.profiles, entries[i].key)
	}
}

// trimBefore drops timestamps older than cutoff from an ascending slice.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	return ts[i:]
}

// countSince counts timestamps at or after cutoff in an ascending slice.
func countSince(ts []time.Time, cutoff time.Time) int {
	i := sort.Search(len(ts), func(i int) bool { return !ts[i].Before(cutoff) })
	return len(ts) - i
}
