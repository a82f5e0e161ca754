// Package output renders exposure results as text, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/paoloantinori/claude-skill-homeassistant/internal/config"
	"github.com/paoloantinori/claude-skill-homeassistant/internal/exposure"
	"github.com/paoloantinori/claude-skill-homeassistant/internal/ha"

	"gopkg.in/yaml.v3"
)

// Printer writes command results in one of the supported formats
type Printer struct {
	w      io.Writer
	format string
}

// NewPrinter creates a printer; unknown formats fall back to text
func NewPrinter(w io.Writer, format string) *Printer {
	switch format {
	case config.OutputJSON, config.OutputYAML:
	default:
		format = config.OutputText
	}
	return &Printer{w: w, format: format}
}

// ExposedEntity is one row of the list output
type ExposedEntity struct {
	EntityID string `json:"entity_id" yaml:"entity_id"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Area     string `json:"area,omitempty" yaml:"area,omitempty"`
}

// DomainGroup is the list output for one entity domain
type DomainGroup struct {
	Domain   string          `json:"domain" yaml:"domain"`
	Entities []ExposedEntity `json:"entities" yaml:"entities"`
}

// EntityCheck is one row of the check output
type EntityCheck struct {
	EntityID string `json:"entity_id" yaml:"entity_id"`
	Exists   bool   `json:"exists" yaml:"exists"`
	Exposed  bool   `json:"exposed" yaml:"exposed"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ExposureResult is the output of expose/unexpose
type ExposureResult struct {
	Exposed   bool     `json:"should_expose" yaml:"should_expose"`
	Success   bool     `json:"success" yaml:"success"`
	EntityIDs []string `json:"entity_ids" yaml:"entity_ids"`
}

// GroupByDomain sorts exposed entities by domain, then by entity id
func GroupByDomain(exposed map[string]exposure.EntityInfo) []DomainGroup {
	byDomain := make(map[string][]ExposedEntity)
	for entityID, info := range exposed {
		domain := ha.EntityDomain(entityID)
		byDomain[domain] = append(byDomain[domain], ExposedEntity{
			EntityID: entityID,
			Name:     info.Name,
			Area:     info.Area,
		})
	}

	domains := make([]string, 0, len(byDomain))
	for domain := range byDomain {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	groups := make([]DomainGroup, 0, len(domains))
	for _, domain := range domains {
		entities := byDomain[domain]
		sort.Slice(entities, func(i, j int) bool {
			return entities[i].EntityID < entities[j].EntityID
		})
		groups = append(groups, DomainGroup{Domain: domain, Entities: entities})
	}
	return groups
}

// OrderedChecks returns check results in request order, each id once
func OrderedChecks(entityIDs []string, status map[string]exposure.EntityStatus) []EntityCheck {
	seen := make(map[string]bool, len(entityIDs))
	checks := make([]EntityCheck, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		if seen[entityID] {
			continue
		}
		seen[entityID] = true

		s := status[entityID]
		checks = append(checks, EntityCheck{
			EntityID: entityID,
			Exists:   s.Exists,
			Exposed:  s.Exposed,
			Name:     s.Name,
		})
	}
	return checks
}

// PrintExposed prints the list command result
func (p *Printer) PrintExposed(exposed map[string]exposure.EntityInfo) error {
	groups := GroupByDomain(exposed)
	if p.format != config.OutputText {
		return p.encode(map[string]interface{}{
			"count":   len(exposed),
			"domains": groups,
		})
	}

	if len(exposed) == 0 {
		_, err := fmt.Fprintln(p.w, "No entities are exposed to the conversation agent.")
		return err
	}

	ew := &errWriter{w: p.w}
	ew.printf("Entities exposed to conversation agent (%d):\n\n", len(exposed))
	for _, group := range groups {
		ew.printf("%s:\n", group.Domain)
		for _, entity := range group.Entities {
			suffix := ""
			if entity.Name != "" {
				suffix += fmt.Sprintf(" (%s)", entity.Name)
			}
			if entity.Area != "" {
				suffix += fmt.Sprintf(" [%s]", entity.Area)
			}
			ew.printf("  %s%s\n", entity.EntityID, suffix)
		}
		ew.printf("\n")
	}
	return ew.err
}

// PrintStatus prints the check command result
func (p *Printer) PrintStatus(entityIDs []string, status map[string]exposure.EntityStatus) error {
	checks := OrderedChecks(entityIDs, status)
	if p.format != config.OutputText {
		return p.encode(map[string]interface{}{"entities": checks})
	}

	ew := &errWriter{w: p.w}
	ew.printf("Entity exposure status:\n\n")
	for _, check := range checks {
		switch {
		case !check.Exists:
			ew.printf("  %s: NOT FOUND\n", check.EntityID)
		case check.Exposed:
			suffix := ""
			if check.Name != "" {
				suffix = fmt.Sprintf(" (%s)", check.Name)
			}
			ew.printf("  %s: EXPOSED%s\n", check.EntityID, suffix)
		default:
			ew.printf("  %s: not exposed\n", check.EntityID)
		}
	}
	return ew.err
}

// PrintExposureChange prints the result of a successful expose/unexpose
func (p *Printer) PrintExposureChange(entityIDs []string, exposed bool) error {
	if p.format != config.OutputText {
		return p.encode(ExposureResult{Exposed: exposed, Success: true, EntityIDs: entityIDs})
	}

	ew := &errWriter{w: p.w}
	if exposed {
		ew.printf("Successfully exposed %d entity(ies) to conversation agent:\n", len(entityIDs))
	} else {
		ew.printf("Successfully unexposed %d entity(ies) from conversation agent:\n", len(entityIDs))
	}

	marker := "-"
	if exposed {
		marker = "+"
	}
	for _, entityID := range entityIDs {
		ew.printf("  %s %s\n", marker, entityID)
	}
	return ew.err
}

func (p *Printer) encode(v interface{}) error {
	switch p.format {
	case config.OutputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputYAML:
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported output format %q", p.format)
}

// errWriter keeps the first write error so formatting code stays linear
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...interface{}) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
