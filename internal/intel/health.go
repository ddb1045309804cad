package intel

import "time"

// FeedStatus is the health of a feed as shown to operators. It is derived on
// every read and never stored.
type FeedStatus string

const (
	StatusOnline   FeedStatus = "online"
	StatusWarning  FeedStatus = "warning"
	StatusError    FeedStatus = "error"
	StatusInactive FeedStatus = "inactive"
)

// HealthThresholds are the elapsed-time boundaries between statuses.
type HealthThresholds struct {
	WarningAfter time.Duration `yaml:"warning_after"`
	ErrorAfter   time.Duration `yaml:"error_after"`
}

// DefaultHealthThresholds returns the 2h / 24h policy.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		WarningAfter: 2 * time.Hour,
		ErrorAfter:   24 * time.Hour,
	}
}

// FeedHealth derives a feed's status from its last successful update.
func FeedHealth(isActive bool, lastUpdate *time.Time, now time.Time, th HealthThresholds) FeedStatus {
	if !isActive {
		return StatusInactive
	}
	if lastUpdate == nil || lastUpdate.IsZero() {
		return StatusError
	}
	elapsed := now.Sub(*lastUpdate)
	switch {
	case elapsed < th.WarningAfter:
		return StatusOnline
	case elapsed < th.ErrorAfter:
		return StatusWarning
	default:
		return StatusError
	}
}

// Status is FeedHealth applied to f.
func (f *Feed) Status(now time.Time, th HealthThresholds) FeedStatus {
	return FeedHealth(f.IsActive, f.LastUpdate, now, th)
}

// NextDue returns when f should next be fetched. A feed that has never
// completed is due at once. After a failed attempt the retry waits
// retryBase doubled per consecutive failure, capped at the update frequency.
func (f *Feed) NextDue(retryBase time.Duration) time.Time {
	freq := f.Frequency()
	var due time.Time
	if f.LastUpdate != nil {
		due = f.LastUpdate.Add(freq)
	}
	if f.LastAttempt == nil || f.ConsecutiveFailures == 0 {
		return due
	}
	if f.LastUpdate != nil && !f.LastAttempt.After(*f.LastUpdate) {
		return due
	}

	backoff := retryBase
	for i := 1; i < f.ConsecutiveFailures && backoff < freq; i++ {
		backoff *= 2
	}
	if backoff > freq || backoff <= 0 {
		backoff = freq
	}
	return f.LastAttempt.Add(backoff)
}
