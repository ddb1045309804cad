// Package intel holds the FeedForge domain model: indicators, feeds, update
// runs, enrichment records, and the pure rules that govern them.
package intel

import (
	"time"
)

// IOCType represents the type of indicator of compromise.
type IOCType string

const (
	IOCTypeIP     IOCType = "ip"
	IOCTypeDomain IOCType = "domain"
	IOCTypeURL    IOCType = "url"
	IOCTypeHash   IOCType = "hash"
	IOCTypeEmail  IOCType = "email"
)

// IOCTypes lists every supported indicator type.
var IOCTypes = []IOCType{IOCTypeIP, IOCTypeDomain, IOCTypeURL, IOCTypeHash, IOCTypeEmail}

// Severity is the impact rating of an indicator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// TLP is the Traffic Light Protocol handling marker.
type TLP string

const (
	TLPWhite TLP = "white"
	TLPGreen TLP = "green"
	TLPAmber TLP = "amber"
	TLPRed   TLP = "red"
)

// Rank orders TLP markers from least to most restrictive.
func (t TLP) Rank() int {
	switch t {
	case TLPWhite:
		return 1
	case TLPGreen:
		return 2
	case TLPAmber:
		return 3
	case TLPRed:
		return 4
	default:
		return 0
	}
}

// Valid reports whether t is a known marker.
func (t TLP) Valid() bool { return t.Rank() > 0 }

// Reliability is the Admiralty-style source reliability grade.
type Reliability string

const (
	ReliabilityA       Reliability = "a"
	ReliabilityB       Reliability = "b"
	ReliabilityC       Reliability = "c"
	ReliabilityD       Reliability = "d"
	ReliabilityE       Reliability = "e"
	ReliabilityF       Reliability = "f"
	ReliabilityUnknown Reliability = "unknown"
)

// Rank orders grades so that "a" (completely reliable) is highest and
// "unknown" is lowest.
func (r Reliability) Rank() int {
	switch r {
	case ReliabilityA:
		return 6
	case ReliabilityB:
		return 5
	case ReliabilityC:
		return 4
	case ReliabilityD:
		return 3
	case ReliabilityE:
		return 2
	case ReliabilityF:
		return 1
	default:
		return 0
	}
}

// IOC is a single stored indicator.
type IOC struct {
	ID                string      `json:"id"`
	Type              IOCType     `json:"type"`
	Value             string      `json:"value"`
	NormalizedValue   string      `json:"normalized_value"`
	Severity          Severity    `json:"severity"`
	Confidence        float64     `json:"confidence"`
	TLP               TLP         `json:"tlp"`
	IsActive          bool        `json:"is_active"`
	FirstSeen         time.Time   `json:"first_seen"`
	LastSeen          time.Time   `json:"last_seen"`
	SourceFeedID      *string     `json:"source_feed_id,omitempty"`
	SourceReliability Reliability `json:"source_reliability"`
	Description       string      `json:"description,omitempty"`
	Tags              []string    `json:"tags"`
	ThreatFamilyID    *string     `json:"threat_family_id,omitempty"`
	ExpiresAt         *time.Time  `json:"expires_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Candidate is an indicator as emitted by a normalizer or import parser,
// before it has been validated and merged into the store.
type Candidate struct {
	Type           IOCType     `json:"type"`
	Value          string      `json:"value"`
	Severity       Severity    `json:"severity,omitempty"`
	Confidence     *float64    `json:"confidence,omitempty"`
	TLP            TLP         `json:"tlp,omitempty"`
	Description    string      `json:"description,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	ThreatFamilyID *string     `json:"threat_family_id,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	SourceFeedID   *string     `json:"-"`
	Reliability    Reliability `json:"-"`

	// Row is the position of the record in its source payload.
	Row int `json:"-"`
}

// FeedType identifies the adapter that serves a feed.
type FeedType string

const (
	FeedTypeOTX    FeedType = "otx"
	FeedTypeMISP   FeedType = "misp"
	FeedTypePlain  FeedType = "plain"
	FeedTypeCSV    FeedType = "csv"
	FeedTypeJSON   FeedType = "json"
	FeedTypeManual FeedType = "manual"
)

// Feed is a configured external source of indicators.
type Feed struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name" validate:"required,max=255"`
	Type                FeedType          `json:"type" validate:"required"`
	URL                 *string           `json:"url,omitempty" validate:"omitempty,url"`
	Reliability         Reliability       `json:"reliability" validate:"oneof=a b c d e f unknown"`
	Confidence          float64           `json:"confidence" validate:"gte=0,lte=1"`
	UpdateFrequency     int64             `json:"update_frequency"`
	IsActive            bool              `json:"is_active"`
	Config              map[string]string `json:"config,omitempty"`
	LastUpdate          *time.Time        `json:"last_update,omitempty"`
	LastAttempt         *time.Time        `json:"last_attempt,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	SuccessfulUpdates   int               `json:"successful_updates"`
	FailedUpdates       int               `json:"failed_updates"`
	TotalIOCs           int               `json:"total_iocs"`
	DisabledReason      string            `json:"disabled_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Frequency returns the update frequency as a duration.
func (f *Feed) Frequency() time.Duration {
	return time.Duration(f.UpdateFrequency) * time.Second
}

// Setting returns a config value, falling back to def when unset.
func (f *Feed) Setting(key, def string) string {
	if v, ok := f.Config[key]; ok && v != "" {
		return v
	}
	return def
}

// RunStatus is the lifecycle state of an UpdateRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunTrigger records why a run was started.
type RunTrigger string

const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerManual   RunTrigger = "manual"
	TriggerImport   RunTrigger = "import"
)

// UpdateRun is one fetch attempt for a feed.
type UpdateRun struct {
	ID            string        `json:"id"`
	FeedID        string        `json:"feed_id"`
	Trigger       RunTrigger    `json:"trigger"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	Status        RunStatus     `json:"status"`
	IOCsProcessed int           `json:"iocs_processed"`
	IOCsAdded     int           `json:"iocs_added"`
	IOCsUpdated   int           `json:"iocs_updated"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
	Errors        []RecordError `json:"errors,omitempty"`
}

// RecordError describes why a single record was rejected.
type RecordError struct {
	Row    int    `json:"row"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

// RunOutcome accumulates the counts of an ingest pass.
type RunOutcome struct {
	Processed int           `json:"iocs_processed"`
	Added     int           `json:"iocs_added"`
	Updated   int           `json:"iocs_updated"`
	Errors    []RecordError `json:"errors,omitempty"`
}

// Add folds another outcome into o.
func (o *RunOutcome) Add(other RunOutcome) {
	o.Processed += other.Processed
	o.Added += other.Added
	o.Updated += other.Updated
	o.Errors = append(o.Errors, other.Errors...)
}

// EnrichmentSource is a configured enrichment provider.
type EnrichmentSource struct {
	ID                string            `json:"id"`
	Name              string            `json:"name" validate:"required,max=255"`
	SourceType        string            `json:"source_type" validate:"required,max=64"`
	Provider          string            `json:"provider" validate:"required"`
	IsActive          bool              `json:"is_active"`
	RateLimit         int               `json:"rate_limit" validate:"gte=0"`
	TimeoutMS         int64             `json:"timeout_ms" validate:"gte=0"`
	Config            map[string]string `json:"config,omitempty"`
	TotalQueries      int64             `json:"total_queries"`
	SuccessfulQueries int64             `json:"successful_queries"`
	FailedQueries     int64             `json:"failed_queries"`
	CreatedAt         time.Time         `json:"created_at"`
}

// CallTimeout returns the per-call timeout, or def when none is configured.
func (s *EnrichmentSource) CallTimeout(def time.Duration) time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return def
}

// EnrichmentResult is one provider response for one indicator.
type EnrichmentResult struct {
	ID         string         `json:"id"`
	IOCID      string         `json:"ioc_id"`
	SourceID   string         `json:"source_id"`
	SourceType string         `json:"source_type"`
	Payload    map[string]any `json:"payload"`
	QueriedAt  time.Time      `json:"queried_at"`
}

// ThreatFamily groups indicators attributed to the same malware or actor family.
type ThreatFamily struct {
	ID          string    `json:"id"`
	Name        string    `json:"name" validate:"required,max=255"`
	Aliases     []string  `json:"aliases"`
	FamilyType  string    `json:"family_type,omitempty"`
	Category    string    `json:"category,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	MitreID     string    `json:"mitre_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
