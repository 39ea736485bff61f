// Package mapping builds and validates deployment mappings: which source
// profiles go to which destinations, and how a destination is chosen for a
// queued assignment.
package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/registry"
)

// Type distinguishes the three supported mapping shapes.
type Type string

const (
	OneToMany     Type = "one_to_many"
	ManyToMany    Type = "many_to_many"
	CustomMapping Type = "custom"
)

func typeFromString(s string) Type {
	switch s {
	case "many_to_many":
		return ManyToMany
	case "custom":
		return CustomMapping
	default:
		return OneToMany
	}
}

// Strategy selects how SelectDestination breaks ties among ready candidates.
type Strategy string

const (
	// LargestFree picks the ready candidate with the most free disk space.
	LargestFree Strategy = "largest_free"
	// RoundRobin cycles through ready candidates in order, remembering its
	// position across calls.
	RoundRobin Strategy = "round_robin"
)

// SourceProfile is a single source user profile awaiting deployment.
type SourceProfile struct {
	Username         string `json:"username"`
	SourceHostname   string `json:"source_hostname"`
	SourceIP         string `json:"source_ip"`
	ProfileSizeBytes int64  `json:"profile_size_bytes"`
}

// DeploymentMapping describes one deployment's sources, destinations, and
// (for CustomMapping) the per-source destination routing rules.
type DeploymentMapping struct {
	DeploymentID string                 `json:"deployment_id"`
	Type         Type                   `json:"type"`
	Sources      []SourceProfile        `json:"sources"`
	Destinations []protocol.Destination `json:"destinations"`
	CustomRules  map[string]string      `json:"custom_rules"` // source username -> destination_id
}

// Engine builds mappings, checks them against destination health, and picks
// destinations for queued assignments. A zero Engine is ready to use with
// LargestFree.
type Engine struct {
	mu            sync.Mutex
	strategy      Strategy
	roundRobinIdx int
}

// NewEngine returns an Engine using the given strategy.
func NewEngine(strategy Strategy) *Engine {
	if strategy == "" {
		strategy = LargestFree
	}
	return &Engine{strategy: strategy}
}

// SetStrategy changes the placement strategy used by SelectDestination.
func (e *Engine) SetStrategy(s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy = s
}

// Strategy returns the current placement strategy.
func (e *Engine) Strategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// CreateOneToMany builds a mapping of a single source profile to every
// listed destination.
func CreateOneToMany(source SourceProfile, destinations []protocol.Destination) DeploymentMapping {
	return DeploymentMapping{
		Type:         OneToMany,
		Sources:      []SourceProfile{source},
		Destinations: destinations,
	}
}

// CreateManyToMany builds a mapping pairing sources[i] with destinations[i].
func CreateManyToMany(sources []SourceProfile, destinations []protocol.Destination) DeploymentMapping {
	return DeploymentMapping{
		Type:         ManyToMany,
		Sources:      sources,
		Destinations: destinations,
	}
}

// CreateCustomMapping builds a mapping routed by explicit username ->
// destination_id rules.
func CreateCustomMapping(sources []SourceProfile, destinations []protocol.Destination, rules map[string]string) DeploymentMapping {
	return DeploymentMapping{
		Type:         CustomMapping,
		Sources:      sources,
		Destinations: destinations,
		CustomRules:  rules,
	}
}

// Validate checks structural correctness: non-empty sources/destinations,
// cardinality matching the mapping type, and (for CustomMapping) that every
// rule references a known source username and destination id.
func Validate(m DeploymentMapping) error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("no source profiles selected")
	}
	if len(m.Destinations) == 0 {
		return fmt.Errorf("no destination PCs available")
	}

	switch m.Type {
	case OneToMany:
		if len(m.Sources) != 1 {
			return fmt.Errorf("one-to-many requires exactly one source")
		}
	case ManyToMany:
		if len(m.Sources) != len(m.Destinations) {
			return fmt.Errorf("many-to-many requires sources and destinations to match in count")
		}
	case CustomMapping:
		if len(m.CustomRules) == 0 {
			return fmt.Errorf("custom mapping rules are empty")
		}

		sourceNames := make(map[string]bool, len(m.Sources))
		for _, s := range m.Sources {
			sourceNames[s.Username] = true
		}
		destIDs := make(map[string]bool, len(m.Destinations))
		for _, d := range m.Destinations {
			if d.DestinationID != "" {
				destIDs[d.DestinationID] = true
			}
		}

		for username, destID := range m.CustomRules {
			if !sourceNames[username] {
				return fmt.Errorf("custom mapping references unknown source: %s", username)
			}
			if !destIDs[destID] {
				return fmt.Errorf("custom mapping references unknown destination: %s", destID)
			}
		}
	}

	return nil
}

// requiredBytesByDestination computes, per destination id, the total profile
// bytes a mapping would deposit there.
func requiredBytesByDestination(m DeploymentMapping) map[string]int64 {
	required := make(map[string]int64, len(m.Destinations))

	switch m.Type {
	case OneToMany:
		if len(m.Sources) == 0 {
			return required
		}
		size := m.Sources[0].ProfileSizeBytes
		for _, d := range m.Destinations {
			required[d.DestinationID] = size
		}
	case ManyToMany:
		n := len(m.Sources)
		if len(m.Destinations) < n {
			n = len(m.Destinations)
		}
		for i := 0; i < n; i++ {
			required[m.Destinations[i].DestinationID] = m.Sources[i].ProfileSizeBytes
		}
	case CustomMapping:
		for _, s := range m.Sources {
			destID, ok := m.CustomRules[s.Username]
			if !ok {
				continue
			}
			required[destID] += s.ProfileSizeBytes
		}
	}

	return required
}

// CheckDiskSpace reports whether every destination in the mapping has enough
// free disk space for the bytes it would receive.
func CheckDiskSpace(m DeploymentMapping) bool {
	required := requiredBytesByDestination(m)
	for _, d := range m.Destinations {
		need := required[d.DestinationID]
		if need > 0 && d.Health.FreeDiskBytes < need {
			return false
		}
	}
	return true
}

// CheckDestinationReadiness reports whether every destination in the mapping
// passes registry.CheckReadiness for the bytes it would receive.
func CheckDestinationReadiness(m DeploymentMapping) bool {
	required := requiredBytesByDestination(m)
	for _, d := range m.Destinations {
		if ok, _ := registry.CheckReadiness(d, required[d.DestinationID]); !ok {
			return false
		}
	}
	return true
}

type templateSource struct {
	Username         string `json:"username"`
	SourceHostname   string `json:"source_hostname"`
	SourceIP         string `json:"source_ip"`
	ProfileSizeBytes string `json:"profile_size_bytes"`
}

type templateDoc struct {
	DeploymentID string                 `json:"deployment_id"`
	Type         string                 `json:"type"`
	Sources      []templateSource       `json:"sources"`
	Destinations []protocol.Destination `json:"destinations"`
	CustomRules  map[string]string      `json:"custom_rules"`
}

// SaveTemplate writes a mapping to filePath as indented JSON, atomically.
func SaveTemplate(m DeploymentMapping, filePath string) error {
	doc := templateDoc{
		DeploymentID: m.DeploymentID,
		Type:         string(m.Type),
		Destinations: m.Destinations,
		CustomRules:  m.CustomRules,
	}
	for _, s := range m.Sources {
		doc.Sources = append(doc.Sources, templateSource{
			Username:         s.Username,
			SourceHostname:   s.SourceHostname,
			SourceIP:         s.SourceIP,
			ProfileSizeBytes: fmt.Sprintf("%d", s.ProfileSizeBytes),
		})
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write template: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("commit template: %w", err)
	}
	return nil
}

// LoadTemplate reads a mapping previously written by SaveTemplate. It
// returns the mapping even when Validate would reject it; callers that care
// should call Validate themselves.
func LoadTemplate(filePath string) (DeploymentMapping, error) {
	data, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return DeploymentMapping{}, fmt.Errorf("unable to open template: %w", err)
	}

	var doc templateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return DeploymentMapping{}, fmt.Errorf("template parse error: %w", err)
	}

	m := DeploymentMapping{
		DeploymentID: doc.DeploymentID,
		Type:         typeFromString(doc.Type),
		Destinations: doc.Destinations,
		CustomRules:  doc.CustomRules,
	}
	for _, s := range doc.Sources {
		var size int64
		fmt.Sscanf(s.ProfileSizeBytes, "%d", &size)
		m.Sources = append(m.Sources, SourceProfile{
			Username:         s.Username,
			SourceHostname:   s.SourceHostname,
			SourceIP:         s.SourceIP,
			ProfileSizeBytes: size,
		})
	}

	return m, nil
}

// SelectDestination picks a destination_id for assignment from destinations,
// excluding any id present in activeDestinations and any destination that
// fails registry.CheckReadiness for requiredFreeBytes. Returns "" if no
// candidate qualifies.
//
// Under LargestFree the candidate with the most free disk space wins, first
// one found on ties. Under RoundRobin candidates are tried in slice order
// starting from the engine's remembered cursor, which advances by one (mod
// candidate count) on every call that finds a candidate.
func (e *Engine) SelectDestination(assignment protocol.DeploymentAssignment, destinations []protocol.Destination, activeDestinations map[string]bool, requiredFreeBytes int64) string {
	_ = assignment

	var candidates []protocol.Destination
	for _, d := range destinations {
		if d.DestinationID == "" {
			continue
		}
		if activeDestinations[d.DestinationID] {
			continue
		}
		if ok, _ := registry.CheckReadiness(d, requiredFreeBytes); !ok {
			continue
		}
		candidates = append(candidates, d)
	}

	if len(candidates) == 0 {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.strategy == RoundRobin {
		if e.roundRobinIdx < 0 {
			e.roundRobinIdx = 0
		}
		start := e.roundRobinIdx % len(candidates)
		chosen := candidates[start]
		e.roundRobinIdx = (start + 1) % len(candidates)
		return chosen.DestinationID
	}

	selected := ""
	var bestFree int64 = -1
	for _, c := range candidates {
		if c.Health.FreeDiskBytes > bestFree {
			bestFree = c.Health.FreeDiskBytes
			selected = c.DestinationID
		}
	}
	return selected
}
