package source

import (
	"bytes"
	_ "embed"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/refdata/internal/model"
)

//go:embed sources.yaml
var defaultSources []byte

// Catalog maps source IDs to their definitions.
type Catalog struct {
	sources map[string]*Source
	order   []string // insertion order for deterministic iteration
}

type catalogFile struct {
	Sources []*Source `yaml:"sources"`
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{sources: make(map[string]*Source)}
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	c := NewCatalog()
	if err := c.Load(defaultSources); err != nil {
		return nil, eris.Wrap(err, "source: embedded catalog")
	}
	return c, nil
}

// Open returns the embedded catalog with the sources of path laid over it.
// Entries whose id already exists replace the embedded definition.
func Open(path string) (*Catalog, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "source: read %s", path)
	}
	if err := c.Load(data); err != nil {
		return nil, eris.Wrapf(err, "source: load %s", path)
	}
	zap.L().Debug("source catalog override loaded", zap.String("path", path), zap.Int("sources", c.Len()))
	return c, nil
}

// Load decodes a YAML sources document and registers every entry.
// Unknown keys are rejected.
func (c *Catalog) Load(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f catalogFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return eris.Wrap(err, "source: decode yaml")
	}
	seen := map[string]bool{}
	for _, s := range f.Sources {
		if s == nil {
			continue
		}
		if seen[s.ID] {
			return eris.Errorf("source: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
		if err := c.Register(s); err != nil {
			return err
		}
	}
	return nil
}

// Register validates s and adds it, replacing any source with the same id.
func (c *Catalog) Register(s *Source) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, ok := c.sources[s.ID]; !ok {
		c.order = append(c.order, s.ID)
	}
	c.sources[s.ID] = s
	return nil
}

// Get returns a source by id.
func (c *Catalog) Get(id string) (*Source, error) {
	s, ok := c.sources[id]
	if !ok {
		return nil, eris.Errorf("source: unknown source %q", id)
	}
	return s, nil
}

// Select returns sources matching the given criteria. Named sources are
// returned in the order given; otherwise in catalog order. A non-nil category
// filters either set.
func (c *Catalog) Select(ids []string, category *model.Category) ([]*Source, error) {
	var candidates []*Source
	if len(ids) > 0 {
		for _, id := range ids {
			s, err := c.Get(id)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, s)
		}
	} else {
		candidates = c.All()
	}
	if category == nil {
		return candidates, nil
	}
	var out []*Source
	for _, s := range candidates {
		if s.Category == *category {
			out = append(out, s)
		}
	}
	return out, nil
}

// All returns all sources in catalog order.
func (c *Catalog) All() []*Source {
	out := make([]*Source, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.sources[id])
	}
	return out
}

// IDs returns all source ids in catalog order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of sources.
func (c *Catalog) Len() int { return len(c.order) }
