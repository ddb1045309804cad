package intel

import (
	"fmt"
	"net/mail"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// MaxValueLength bounds the raw indicator value.
const MaxValueLength = 2048

var (
	domainPattern = regexp.MustCompile(`^(?:[a-z0-9_](?:[a-z0-9_-]{0,61}[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)
	hashPattern   = regexp.MustCompile(`^(?:[a-f0-9]{32}|[a-f0-9]{40}|[a-f0-9]{64}|[a-f0-9]{128})$`)
)

// typeAliases maps the type names used by common feeds onto IOCType.
var typeAliases = map[string]IOCType{
	"ip":         IOCTypeIP,
	"ipv4":       IOCTypeIP,
	"ipv6":       IOCTypeIP,
	"ip-src":     IOCTypeIP,
	"ip-dst":     IOCTypeIP,
	"ip_address": IOCTypeIP,
	"domain":     IOCTypeDomain,
	"fqdn":       IOCTypeDomain,
	"hostname":   IOCTypeDomain,
	"url":        IOCTypeURL,
	"uri":        IOCTypeURL,
	"link":       IOCTypeURL,
	"hash":       IOCTypeHash,
	"md5":        IOCTypeHash,
	"sha1":       IOCTypeHash,
	"sha256":     IOCTypeHash,
	"sha512":     IOCTypeHash,
	"filehash":   IOCTypeHash,
	"email":      IOCTypeEmail,
	"email-src":  IOCTypeEmail,
	"email-dst":  IOCTypeEmail,
	"mail":       IOCTypeEmail,
}

// ParseType resolves a type name, including common aliases.
func ParseType(s string) (IOCType, bool) {
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// Normalize validates value as an indicator of type t and returns its
// canonical form, which is the second half of the dedup key.
func Normalize(t IOCType, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", ValidationError("value is empty")
	}
	if len(v) > MaxValueLength {
		return "", ValidationError("value exceeds %d characters", MaxValueLength)
	}

	switch t {
	case IOCTypeIP:
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return "", ValidationError("invalid ip address %q", value)
		}
		return addr.Unmap().String(), nil

	case IOCTypeDomain:
		d := normalizeDomain(v)
		if len(d) > 253 || !domainPattern.MatchString(d) || !alphaTLD(d) {
			return "", ValidationError("invalid domain %q", value)
		}
		return d, nil

	case IOCTypeURL:
		return normalizeURL(v)

	case IOCTypeHash:
		h := strings.ToLower(v)
		if !hashPattern.MatchString(h) {
			return "", ValidationError("invalid hash %q (want md5, sha1, sha256 or sha512 hex)", value)
		}
		return h, nil

	case IOCTypeEmail:
		addr, err := mail.ParseAddress(v)
		if err != nil || addr.Address != v {
			return "", ValidationError("invalid email address %q", value)
		}
		return strings.ToLower(addr.Address), nil

	default:
		return "", ValidationError("unsupported ioc type %q", t)
	}
}

// normalizeDomain strips any scheme, path, port and trailing dot.
func normalizeDomain(v string) string {
	if i := strings.Index(v, "://"); i >= 0 {
		v = v[i+3:]
	}
	if i := strings.IndexAny(v, "/?#"); i >= 0 {
		v = v[:i]
	}
	if i := strings.LastIndex(v, ":"); i >= 0 && strings.Count(v, ":") == 1 {
		v = v[:i]
	}
	return strings.TrimSuffix(strings.ToLower(v), ".")
}

// alphaTLD reports whether the last label has a letter, which keeps dotted
// quads out of the domain type.
func alphaTLD(d string) bool {
	tld := d[strings.LastIndex(d, ".")+1:]
	return strings.ContainsFunc(tld, func(r rune) bool { return r >= 'a' && r <= 'z' })
}

// normalizeURL drops the scheme, fragment and trailing slash and lowercases
// the host, so http://Example.com/a/ and https://example.com/a share a key.
func normalizeURL(v string) (string, error) {
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ValidationError("invalid url %q (scheme and host required)", v)
	}
	host := strings.ToLower(u.Host)
	switch strings.ToLower(u.Scheme) {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	out := host + path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, nil
}

// Prepare validates c, applies defaults and returns the normalized key value.
// The returned candidate is safe to hand to the store.
func Prepare(c Candidate, defaults Candidate) (Candidate, string, error) {
	if c.Type == "" {
		return c, "", ValidationError("type is required")
	}
	t, ok := ParseType(string(c.Type))
	if !ok {
		return c, "", ValidationError("unsupported ioc type %q", c.Type)
	}
	c.Type = t
	norm, err := Normalize(c.Type, c.Value)
	if err != nil {
		return c, "", err
	}
	c.Value = strings.TrimSpace(c.Value)

	if c.Severity == "" {
		c.Severity = defaults.Severity
	}
	if c.Severity == "" {
		c.Severity = SeverityMedium
	}
	if !c.Severity.Valid() {
		return c, "", ValidationError("invalid severity %q", c.Severity)
	}

	if c.Confidence == nil {
		c.Confidence = defaults.Confidence
	}
	if c.Confidence == nil {
		def := DefaultConfidence
		c.Confidence = &def
	}
	if *c.Confidence < 0 || *c.Confidence > 1 {
		return c, "", ValidationError("confidence %v out of range [0,1]", *c.Confidence)
	}

	if c.TLP == "" {
		c.TLP = defaults.TLP
	}
	if c.TLP == "" {
		c.TLP = TLPWhite
	}
	if !c.TLP.Valid() {
		return c, "", ValidationError("invalid tlp %q", c.TLP)
	}

	if c.SourceFeedID == nil {
		c.SourceFeedID = defaults.SourceFeedID
	}
	if c.Reliability == "" {
		c.Reliability = defaults.Reliability
	}
	if c.Reliability == "" {
		c.Reliability = ReliabilityUnknown
	}
	return c, norm, nil
}

// DefaultConfidence is applied when neither the record nor its source sets one.
const DefaultConfidence = 0.5

// Key is the dedup key of an indicator.
type Key struct {
	Type       IOCType
	Normalized string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.Normalized)
}
