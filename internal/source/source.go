// Package source supplies raw financial statement periods and company
// profiles to the analysis engine.
package source

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fin-analysis/pkg/types"
)

// Source fetches statement periods for an entity.
type Source interface {
	// FetchPeriods returns every known period of the given statement kind.
	// An unknown entity yields an error wrapping types.ErrNotFound; a known
	// entity without periods yields an empty slice.
	FetchPeriods(ctx context.Context, entityID string, kind types.Kind) ([]types.PeriodRecord, error)
	// Profile returns the company profile, or types.ErrNotFound.
	Profile(ctx context.Context, entityID string) (types.CompanyProfile, error)
}

// company is one entry of a fixture file.
type company struct {
	Name       string                              `yaml:"name"`
	Statements map[types.Kind][]types.PeriodRecord `yaml:"statements"`
}

type fixtureFile struct {
	Companies map[string]company `yaml:"companies"`
}

// MemorySource is an in-memory Source, usually loaded from a fixture file.
type MemorySource struct {
	mu        sync.RWMutex
	companies map[string]company
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{companies: make(map[string]company)}
}

// LoadFile reads a YAML (or JSON) fixture file of the form
//
//	companies:
//	  AAPL:
//	    name: Apple Inc.
//	    statements:
//	      income:
//	        - date: "2023-09-30"
//	          fields: {revenue: 383285000000}
func LoadFile(path string) (*MemorySource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes fixture content.
func Parse(raw []byte) (*MemorySource, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	s := NewMemorySource()
	for symbol, c := range f.Companies {
		for kind := range c.Statements {
			if _, err := types.ParseKind(string(kind)); err != nil || kind == types.KindComposite {
				return nil, fmt.Errorf("fixtures for %s: unknown statement kind %q", symbol, kind)
			}
		}
		s.companies[strings.ToUpper(symbol)] = normalize(c)
	}
	return s, nil
}

// normalize maps kind aliases onto their canonical names.
func normalize(c company) company {
	out := company{Name: c.Name, Statements: make(map[types.Kind][]types.PeriodRecord, len(c.Statements))}
	for kind, periods := range c.Statements {
		k, _ := types.ParseKind(string(kind))
		out.Statements[k] = append(out.Statements[k], periods...)
	}
	return out
}

// Put registers (or replaces) a company.
func (s *MemorySource) Put(symbol, name string, statements map[types.Kind][]types.PeriodRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.companies[strings.ToUpper(symbol)] = company{Name: name, Statements: statements}
}

func (s *MemorySource) FetchPeriods(ctx context.Context, entityID string, kind types.Kind) ([]types.PeriodRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.companies[strings.ToUpper(entityID)]
	if !ok {
		return nil, fmt.Errorf("%w: no statements for %s", types.ErrNotFound, entityID)
	}
	periods := c.Statements[kind]
	return append([]types.PeriodRecord(nil), periods...), nil
}

func (s *MemorySource) Profile(ctx context.Context, entityID string) (types.CompanyProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbol := strings.ToUpper(entityID)
	c, ok := s.companies[symbol]
	if !ok {
		return types.CompanyProfile{}, fmt.Errorf("%w: no profile for %s", types.ErrNotFound, entityID)
	}
	name := c.Name
	if name == "" {
		name = symbol
	}
	return types.CompanyProfile{Symbol: symbol, Name: name}, nil
}
