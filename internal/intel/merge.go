package intel

import "time"

// Merge folds a re-observation into an existing indicator and returns the
// result. It is commutative and idempotent over the fields automated
// ingestion may touch:
//   - LastSeen takes the later of the two instants.
//   - Confidence takes the maximum.
//   - Severity follows the lexicographic maximum of (reliability, severity),
//     so a more reliable source may change it and a less reliable one may not.
//   - TLP takes the stricter marker.
func Merge(existing IOC, c Candidate, confidence float64, now time.Time) IOC {
	out := existing

	if now.After(out.LastSeen) {
		out.LastSeen = now
	}
	if confidence > out.Confidence {
		out.Confidence = confidence
	}

	curRel, newRel := out.SourceReliability.Rank(), c.Reliability.Rank()
	switch {
	case newRel > curRel:
		out.Severity = c.Severity
		out.SourceReliability = c.Reliability
	case newRel == curRel && c.Severity.Rank() > out.Severity.Rank():
		out.Severity = c.Severity
	}

	if c.TLP.Rank() > out.TLP.Rank() {
		out.TLP = c.TLP
	}

	if c.Description != "" && out.Description == "" {
		out.Description = c.Description
	}
	out.Tags = mergeTags(out.Tags, c.Tags)
	if out.ThreatFamilyID == nil && c.ThreatFamilyID != nil {
		out.ThreatFamilyID = c.ThreatFamilyID
	}
	if c.ExpiresAt != nil && (out.ExpiresAt == nil || c.ExpiresAt.After(*out.ExpiresAt)) {
		out.ExpiresAt = c.ExpiresAt
	}
	out.IsActive = true
	return out
}

// NewIOC builds a fresh indicator from a prepared candidate.
func NewIOC(id string, c Candidate, normalized string, now time.Time) IOC {
	return IOC{
		ID:                id,
		Type:              c.Type,
		Value:             c.Value,
		NormalizedValue:   normalized,
		Severity:          c.Severity,
		Confidence:        *c.Confidence,
		TLP:               c.TLP,
		IsActive:          true,
		FirstSeen:         now,
		LastSeen:          now,
		SourceFeedID:      c.SourceFeedID,
		SourceReliability: c.Reliability,
		Description:       c.Description,
		Tags:              mergeTags(nil, c.Tags),
		ThreatFamilyID:    c.ThreatFamilyID,
		ExpiresAt:         c.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func mergeTags(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, t := range list {
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
