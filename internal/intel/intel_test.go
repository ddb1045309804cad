package intel

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Feed Health Tests
// =============================================================================

// TestFeedHealth_Thresholds verifies the elapsed-time boundaries.
func TestFeedHealth_Thresholds(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	th := DefaultHealthThresholds()
	at := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name       string
		active     bool
		lastUpdate *time.Time
		want       FeedStatus
	}{
		{"one hour", true, at(time.Hour), StatusOnline},
		{"ten hours", true, at(10 * time.Hour), StatusWarning},
		{"two days", true, at(48 * time.Hour), StatusError},
		{"exactly two hours", true, at(2 * time.Hour), StatusWarning},
		{"exactly one day", true, at(24 * time.Hour), StatusError},
		{"never updated", true, nil, StatusError},
		{"inactive recent", false, at(time.Minute), StatusInactive},
		{"inactive stale", false, at(72 * time.Hour), StatusInactive},
		{"inactive never", false, nil, StatusInactive},
		{"clock skew", true, at(-time.Hour), StatusOnline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FeedHealth(tt.active, tt.lastUpdate, now, th))
		})
	}
}

// TestFeedHealth_CustomThresholds verifies thresholds come from the caller.
func TestFeedHealth_CustomThresholds(t *testing.T) {
	now := time.Now()
	last := now.Add(-30 * time.Minute)
	th := HealthThresholds{WarningAfter: 10 * time.Minute, ErrorAfter: time.Hour}

	assert.Equal(t, StatusWarning, FeedHealth(true, &last, now, th))
}

// =============================================================================
// Scheduling Tests
// =============================================================================

// TestNextDue_NeverUpdated verifies a new feed is due immediately.
func TestNextDue_NeverUpdated(t *testing.T) {
	f := &Feed{UpdateFrequency: 3600}
	assert.True(t, f.NextDue(time.Minute).IsZero())
}

// TestNextDue_AfterSuccess verifies next due is last_update plus frequency.
func TestNextDue_AfterSuccess(t *testing.T) {
	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &Feed{UpdateFrequency: 3600, LastUpdate: &last, LastAttempt: &last}
	assert.Equal(t, last.Add(time.Hour), f.NextDue(time.Minute))
}

// TestNextDue_FailureBackoff verifies failed attempts back off and cap at
// the update frequency.
func TestNextDue_FailureBackoff(t *testing.T) {
	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	attempt := last.Add(2 * time.Hour)
	f := &Feed{UpdateFrequency: 3600, LastUpdate: &last, LastAttempt: &attempt}

	f.ConsecutiveFailures = 1
	assert.Equal(t, attempt.Add(time.Minute), f.NextDue(time.Minute))

	f.ConsecutiveFailures = 3
	assert.Equal(t, attempt.Add(4*time.Minute), f.NextDue(time.Minute))

	f.ConsecutiveFailures = 20
	assert.Equal(t, attempt.Add(time.Hour), f.NextDue(time.Minute))
}

// =============================================================================
// Normalization Tests
// =============================================================================

// TestNormalize covers canonical forms for each indicator type.
func TestNormalize(t *testing.T) {
	tests := []struct {
		typ   IOCType
		value string
		want  string
	}{
		{IOCTypeIP, " 1.2.3.4 ", "1.2.3.4"},
		{IOCTypeIP, "2001:DB8::1", "2001:db8::1"},
		{IOCTypeIP, "::ffff:10.0.0.1", "10.0.0.1"},
		{IOCTypeDomain, "Evil.Example.COM.", "evil.example.com"},
		{IOCTypeDomain, "https://evil.example.com:8443/path", "evil.example.com"},
		{IOCTypeDomain, "example.xn--p1ai", "example.xn--p1ai"},
		{IOCTypeDomain, "XN--80AK6AA92E.xn--p1ai", "xn--80ak6aa92e.xn--p1ai"},
		{IOCTypeURL, "HTTP://Evil.Example.com/Login/", "evil.example.com/Login"},
		{IOCTypeURL, "https://evil.example.com/a?x=1#frag", "evil.example.com/a?x=1"},
		{IOCTypeHash, "D41D8CD98F00B204E9800998ECF8427E", "d41d8cd98f00b204e9800998ecf8427e"},
		{IOCTypeEmail, "Phish@Example.com", "phish@example.com"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.typ, tt.value), func(t *testing.T) {
			got, err := Normalize(tt.typ, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestNormalize_SchemeInsensitiveURL verifies URL keys ignore scheme and
// trailing slash.
func TestNormalize_SchemeInsensitiveURL(t *testing.T) {
	a, err := Normalize(IOCTypeURL, "http://example.com/x/")
	require.NoError(t, err)
	b, err := Normalize(IOCTypeURL, "https://example.com/x")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// TestNormalize_URLDefaultPorts verifies only the scheme's own default port
// is dropped.
func TestNormalize_URLDefaultPorts(t *testing.T) {
	plain, err := Normalize(IOCTypeURL, "http://a.com/x")
	require.NoError(t, err)

	httpDefault, err := Normalize(IOCTypeURL, "http://a.com:80/x")
	require.NoError(t, err)
	assert.Equal(t, plain, httpDefault)

	httpsDefault, err := Normalize(IOCTypeURL, "https://a.com:443/x")
	require.NoError(t, err)
	assert.Equal(t, plain, httpsDefault)

	httpsOn80, err := Normalize(IOCTypeURL, "https://a.com:80/x")
	require.NoError(t, err)
	assert.Equal(t, "a.com:80/x", httpsOn80)

	httpOn443, err := Normalize(IOCTypeURL, "http://a.com:443/x")
	require.NoError(t, err)
	assert.Equal(t, "a.com:443/x", httpOn443)
}

// TestNormalize_Invalid verifies type-specific syntax checks.
func TestNormalize_Invalid(t *testing.T) {
	tests := []struct {
		typ   IOCType
		value string
	}{
		{IOCTypeIP, "not-an-ip"},
		{IOCTypeIP, "999.1.1.1"},
		{IOCTypeDomain, "no_tld"},
		{IOCTypeDomain, "1.2.3.4"},
		{IOCTypeDomain, "example.-bad"},
		{IOCTypeURL, "example.com/path"},
		{IOCTypeHash, "abc123"},
		{IOCTypeHash, "zz1d8cd98f00b204e9800998ecf8427e"},
		{IOCTypeEmail, "not-an-email"},
		{IOCTypeEmail, "Name <a@example.com>"},
		{IOCType("cidr"), "10.0.0.0/8"},
		{IOCTypeIP, "   "},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.typ, tt.value), func(t *testing.T) {
			_, err := Normalize(tt.typ, tt.value)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

// TestPrepare_Defaults verifies source defaults and the built-in fallbacks.
func TestPrepare_Defaults(t *testing.T) {
	feedID := "feed-1"
	conf := 0.8
	defaults := Candidate{Confidence: &conf, SourceFeedID: &feedID, Reliability: ReliabilityB}

	c, norm, err := Prepare(Candidate{Type: "IPv4", Value: "8.8.8.8"}, defaults)
	require.NoError(t, err)

	assert.Equal(t, IOCTypeIP, c.Type)
	assert.Equal(t, "8.8.8.8", norm)
	assert.Equal(t, SeverityMedium, c.Severity)
	assert.Equal(t, 0.8, *c.Confidence)
	assert.Equal(t, TLPWhite, c.TLP)
	assert.Equal(t, ReliabilityB, c.Reliability)
	assert.Equal(t, "feed-1", *c.SourceFeedID)
}

// TestPrepare_Rejects verifies field validation.
func TestPrepare_Rejects(t *testing.T) {
	bad := 1.5
	cases := []Candidate{
		{Value: "1.2.3.4"},
		{Type: "ip", Value: "1.2.3.4", Severity: "extreme"},
		{Type: "ip", Value: "1.2.3.4", Confidence: &bad},
		{Type: "ip", Value: "1.2.3.4", TLP: "purple"},
		{Type: "registry", Value: "HKLM\\x"},
	}
	for i, c := range cases {
		_, _, err := Prepare(c, Candidate{})
		assert.Error(t, err, "case %d", i)
	}
}

// =============================================================================
// Merge Tests
// =============================================================================

func prepared(t *testing.T, c Candidate) (Candidate, string) {
	t.Helper()
	out, norm, err := Prepare(c, Candidate{})
	require.NoError(t, err)
	return out, norm
}

func conf(v float64) *float64 { return &v }

// TestMerge_ConfidenceMonotoneMax verifies confidence ends at the max
// regardless of arrival order.
func TestMerge_ConfidenceMonotoneMax(t *testing.T) {
	now := time.Now()
	low, norm := prepared(t, Candidate{Type: IOCTypeIP, Value: "1.2.3.4", Confidence: conf(0.4)})
	high, _ := prepared(t, Candidate{Type: IOCTypeIP, Value: "1.2.3.4", Confidence: conf(0.7)})

	a := Merge(NewIOC("x", low, norm, now), high, *high.Confidence, now.Add(time.Second))
	b := Merge(NewIOC("x", high, norm, now), low, *low.Confidence, now.Add(time.Second))

	assert.Equal(t, 0.7, a.Confidence)
	assert.Equal(t, 0.7, b.Confidence)
}

// TestMerge_SeverityReliabilityGate verifies a less reliable source cannot
// change severity while a more reliable one can.
func TestMerge_SeverityReliabilityGate(t *testing.T) {
	now := time.Now()
	base, norm := prepared(t, Candidate{Type: IOCTypeDomain, Value: "bad.example", Severity: SeverityHigh, Reliability: ReliabilityB})
	existing := NewIOC("x", base, norm, now)

	weaker, _ := prepared(t, Candidate{Type: IOCTypeDomain, Value: "bad.example", Severity: SeverityLow, Reliability: ReliabilityE})
	got := Merge(existing, weaker, *weaker.Confidence, now)
	assert.Equal(t, SeverityHigh, got.Severity)
	assert.Equal(t, ReliabilityB, got.SourceReliability)

	stronger, _ := prepared(t, Candidate{Type: IOCTypeDomain, Value: "bad.example", Severity: SeverityLow, Reliability: ReliabilityA})
	got = Merge(existing, stronger, *stronger.Confidence, now)
	assert.Equal(t, SeverityLow, got.Severity)
	assert.Equal(t, ReliabilityA, got.SourceReliability)
}

// TestMerge_Commutative verifies two observations merge to the same state in
// either order.
func TestMerge_Commutative(t *testing.T) {
	now := time.Now()
	seed, norm := prepared(t, Candidate{Type: IOCTypeIP, Value: "5.5.5.5", Severity: SeverityMedium, Reliability: ReliabilityC, Confidence: conf(0.3)})
	x, _ := prepared(t, Candidate{Type: IOCTypeIP, Value: "5.5.5.5", Severity: SeverityCritical, Reliability: ReliabilityC, Confidence: conf(0.6), TLP: TLPAmber})
	y, _ := prepared(t, Candidate{Type: IOCTypeIP, Value: "5.5.5.5", Severity: SeverityLow, Reliability: ReliabilityD, Confidence: conf(0.9)})

	start := NewIOC("id", seed, norm, now)
	xy := Merge(Merge(start, x, *x.Confidence, now), y, *y.Confidence, now)
	yx := Merge(Merge(start, y, *y.Confidence, now), x, *x.Confidence, now)

	assert.Equal(t, xy.Confidence, yx.Confidence)
	assert.Equal(t, xy.Severity, yx.Severity)
	assert.Equal(t, xy.SourceReliability, yx.SourceReliability)
	assert.Equal(t, xy.TLP, yx.TLP)
	assert.Equal(t, SeverityCritical, xy.Severity)
	assert.Equal(t, TLPAmber, xy.TLP)

	again := Merge(xy, y, *y.Confidence, now)
	assert.Equal(t, xy.Severity, again.Severity)
	assert.Equal(t, xy.Confidence, again.Confidence)
}

// TestMerge_TLPNeverRelaxed verifies a white observation keeps a red marker.
func TestMerge_TLPNeverRelaxed(t *testing.T) {
	now := time.Now()
	red, norm := prepared(t, Candidate{Type: IOCTypeIP, Value: "9.9.9.9", TLP: TLPRed})
	white, _ := prepared(t, Candidate{Type: IOCTypeIP, Value: "9.9.9.9", TLP: TLPWhite})

	got := Merge(NewIOC("id", red, norm, now), white, *white.Confidence, now)
	assert.Equal(t, TLPRed, got.TLP)
}

// =============================================================================
// Error Tests
// =============================================================================

// TestErrorKinds verifies kinds survive wrapping.
func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("register: %w", ConfigError("update_frequency must be positive"))
	assert.Equal(t, KindConfig, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrConfig))
	assert.False(t, errors.Is(wrapped, ErrValidation))

	fe := fmt.Errorf("run: %w", AuthRejected("otx", errors.New("401")))
	assert.Equal(t, KindFetch, KindOf(fe))

	var target *FetchError
	require.True(t, errors.As(fe, &target))
	assert.False(t, target.Retryable())
	assert.True(t, Unreachable("x", errors.New("dial")).Retryable())

	assert.Equal(t, KindInternal, KindOf(errors.New("disk full")))
}
