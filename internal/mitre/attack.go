// Package mitre maps indicators onto MITRE ATT&CK techniques.
package mitre

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// AttackFramework holds the technique and tactic catalogue used for mapping.
// It is immutable after construction.
type AttackFramework struct {
	techniques map[string]*Technique
	tactics    map[string]*Tactic
}

// Technique represents a MITRE ATT&CK technique
type Technique struct {
	ID      string   `json:"id"`      // e.g., "T1071"
	Name    string   `json:"name"`    // e.g., "Application Layer Protocol"
	Tactics []string `json:"tactics"` // e.g., ["command-and-control"]
	URL     string   `json:"url"`
}

// Tactic represents a MITRE ATT&CK tactic
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0011"
	Name      string `json:"name"`       // e.g., "Command and Control"
	ShortName string `json:"short_name"` // e.g., "command-and-control"
	URL       string `json:"url"`
}

// Mapping represents a technique mapping for an indicator
type Mapping struct {
	TechniqueID   string  `json:"technique_id"`
	TechniqueName string  `json:"technique_name"`
	TacticID      string  `json:"tactic_id"`
	TacticName    string  `json:"tactic_name"`
	Confidence    float64 `json:"confidence"` // 0.0 - 1.0
	Evidence      string  `json:"evidence"`
}

var idPattern = regexp.MustCompile(`^(T\d{4}(\.\d{3})?|TA\d{4}|S\d{4}|G\d{4})$`)

// ValidID reports whether id looks like an ATT&CK technique, tactic,
// software or group identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewAttackFramework creates a framework with the built-in catalogue.
func NewAttackFramework() *AttackFramework {
	af := &AttackFramework{
		techniques: make(map[string]*Technique),
		tactics:    make(map[string]*Tactic),
	}
	af.initializeTechniques()
	af.initializeTactics()
	return af
}

// MapIOC maps an indicator to the techniques it is evidence of. Every type
// yields at least one mapping; tags add keyword-driven ones.
func (af *AttackFramework) MapIOC(ioc intel.IOC) []Mapping {
	value := ioc.NormalizedValue
	if value == "" {
		value = ioc.Value
	}

	var mappings []Mapping
	switch ioc.Type {
	case intel.IOCTypeIP:
		mappings = af.mapIPIndicator(value)
	case intel.IOCTypeDomain:
		mappings = af.mapDomainIndicator(value)
	case intel.IOCTypeURL:
		mappings = af.mapURLIndicator(value)
	case intel.IOCTypeHash:
		mappings = af.mapHashIndicator(value)
	case intel.IOCTypeEmail:
		mappings = af.mapEmailIndicator(value)
	}
	return af.mapTags(mappings, ioc.Tags)
}

// GetTechnique returns a technique by ID
func (af *AttackFramework) GetTechnique(id string) (*Technique, bool) {
	t, ok := af.techniques[id]
	return t, ok
}

// GetTactic returns a tactic by ID or short name
func (af *AttackFramework) GetTactic(id string) (*Tactic, bool) {
	t, ok := af.tactics[id]
	return t, ok
}

// GetTechniquesByTactic returns the techniques under a tactic, sorted by ID.
func (af *AttackFramework) GetTechniquesByTactic(tacticID string) []*Technique {
	tactic, ok := af.tactics[tacticID]
	if !ok {
		return nil
	}
	var result []*Technique
	for _, t := range af.techniques {
		if slices.Contains(t.Tactics, tactic.ShortName) {
			result = append(result, t)
		}
	}
	slices.SortFunc(result, func(a, b *Technique) int { return strings.Compare(a.ID, b.ID) })
	return result
}

// Mapping helper functions

func (af *AttackFramework) mapping(techniqueID, tacticID string, confidence float64, evidence string) Mapping {
	m := Mapping{TechniqueID: techniqueID, TacticID: tacticID, Confidence: confidence, Evidence: evidence}
	if t, ok := af.techniques[techniqueID]; ok {
		m.TechniqueName = t.Name
	}
	if t, ok := af.tactics[tacticID]; ok {
		m.TacticName = t.Name
	}
	return m
}

func (af *AttackFramework) mapIPIndicator(ip string) []Mapping {
	return []Mapping{
		af.mapping("T1071", "TA0011", 0.6, fmt.Sprintf("IP indicator: %s", ip)),
	}
}

func (af *AttackFramework) mapDomainIndicator(domain string) []Mapping {
	mappings := []Mapping{
		af.mapping("T1071", "TA0011", 0.7, fmt.Sprintf("Domain indicator: %s", domain)),
	}
	if looksDGA(domain) {
		mappings = append(mappings,
			af.mapping("T1568.002", "TA0011", 0.8, fmt.Sprintf("Potential DGA domain: %s", domain)))
	}
	return mappings
}

func (af *AttackFramework) mapURLIndicator(raw string) []Mapping {
	mappings := []Mapping{
		af.mapping("T1566.002", "TA0001", 0.5, fmt.Sprintf("URL indicator: %s", raw)),
	}
	target := raw
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		mappings = append(mappings, af.mapDomainIndicator(u.Hostname())...)
	}
	return mappings
}

func (af *AttackFramework) mapHashIndicator(hash string) []Mapping {
	return []Mapping{
		af.mapping("T1204.002", "TA0002", 0.5, fmt.Sprintf("Malicious file hash: %s", hash)),
	}
}

func (af *AttackFramework) mapEmailIndicator(addr string) []Mapping {
	return []Mapping{
		af.mapping("T1566", "TA0001", 0.6, fmt.Sprintf("Phishing sender: %s", addr)),
	}
}

// tagTechniques maps tag keywords onto technique and tactic pairs.
var tagTechniques = []struct {
	keyword   string
	technique string
	tactic    string
}{
	{"mimikatz", "T1003", "TA0006"},
	{"credential", "T1003", "TA0006"},
	{"bruteforce", "T1110", "TA0006"},
	{"brute-force", "T1110", "TA0006"},
	{"ransomware", "T1486", "TA0040"},
	{"phishing", "T1566", "TA0001"},
	{"exploit", "T1190", "TA0001"},
	{"scanner", "T1595", "TA0043"},
	{"powershell", "T1059.001", "TA0002"},
	{"tor", "T1090.003", "TA0011"},
	{"proxy", "T1090", "TA0011"},
}

func (af *AttackFramework) mapTags(mappings []Mapping, tags []string) []Mapping {
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		seen[m.TechniqueID] = true
	}
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		for _, tt := range tagTechniques {
			if seen[tt.technique] || !tagMatches(lower, tt.keyword) {
				continue
			}
			seen[tt.technique] = true
			mappings = append(mappings, af.mapping(tt.technique, tt.tactic, 0.7, fmt.Sprintf("Tagged %q", tag)))
		}
	}
	return mappings
}

// tagMatches requires whole-word matches for short keywords so "tor" does not
// match "monitor".
func tagMatches(tag, keyword string) bool {
	if len(keyword) > 4 {
		return strings.Contains(tag, keyword)
	}
	return slices.Contains(strings.FieldsFunc(tag, func(r rune) bool {
		return r == '-' || r == '_' || r == ' ' || r == ':' || r == '.'
	}), keyword)
}

func looksDGA(domain string) bool {
	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return false
	}
	label := parts[0]
	return len(label) > 12 && hasHighEntropy(label)
}

// hasHighEntropy approximates randomness by the ratio of distinct characters.
func hasHighEntropy(s string) bool {
	chars := make(map[rune]bool)
	for _, c := range s {
		chars[c] = true
	}
	return float64(len(chars))/float64(len(s)) > 0.6
}

func (af *AttackFramework) initializeTechniques() {
	techniques := []*Technique{
		{ID: "T1003", Name: "OS Credential Dumping", Tactics: []string{"credential-access"}},
		{ID: "T1059.001", Name: "PowerShell", Tactics: []string{"execution"}},
		{ID: "T1071", Name: "Application Layer Protocol", Tactics: []string{"command-and-control"}},
		{ID: "T1090", Name: "Proxy", Tactics: []string{"command-and-control"}},
		{ID: "T1090.003", Name: "Multi-hop Proxy", Tactics: []string{"command-and-control"}},
		{ID: "T1110", Name: "Brute Force", Tactics: []string{"credential-access"}},
		{ID: "T1190", Name: "Exploit Public-Facing Application", Tactics: []string{"initial-access"}},
		{ID: "T1204.002", Name: "Malicious File", Tactics: []string{"execution"}},
		{ID: "T1486", Name: "Data Encrypted for Impact", Tactics: []string{"impact"}},
		{ID: "T1566", Name: "Phishing", Tactics: []string{"initial-access"}},
		{ID: "T1566.002", Name: "Spearphishing Link", Tactics: []string{"initial-access"}},
		{ID: "T1568.002", Name: "Domain Generation Algorithms", Tactics: []string{"command-and-control"}},
		{ID: "T1595", Name: "Active Scanning", Tactics: []string{"reconnaissance"}},
	}

	for _, t := range techniques {
		t.URL = fmt.Sprintf("https://attack.mitre.org/techniques/%s/", strings.ReplaceAll(t.ID, ".", "/"))
		af.techniques[t.ID] = t
	}
}

func (af *AttackFramework) initializeTactics() {
	tactics := []*Tactic{
		{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"},
		{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
		{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
		{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
		{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
		{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
		{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
		{ID: "TA0009", Name: "Collection", ShortName: "collection"},
		{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
		{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
		{ID: "TA0040", Name: "Impact", ShortName: "impact"},
	}

	for _, t := range tactics {
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		af.tactics[t.ShortName] = t
		af.tactics[t.ID] = t
	}
}
