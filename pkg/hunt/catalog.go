package hunt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"huntd/pkg/model"
)

// Catalog holds the validated hunt definitions the engine may execute.
type Catalog struct {
	mu    sync.RWMutex
	hunts map[string]model.HuntDefinition
	known func(string) bool
	log   hclog.Logger
}

// NewCatalog creates an empty catalog. knownPlugin gates which plugin names definitions may use.
func NewCatalog(knownPlugin func(string) bool, logger hclog.Logger) *Catalog {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Catalog{
		hunts: map[string]model.HuntDefinition{},
		known: knownPlugin,
		log:   logger,
	}
}

// Replace swaps the catalog contents for the valid subset of defs.
// Rejected definitions are reported in the returned error.
func (c *Catalog) Replace(defs []model.HuntDefinition) error {
	next := make(map[string]model.HuntDefinition, len(defs))
	var merr *multierror.Error
	rejected := 0
	for _, d := range defs {
		d = Normalize(d)
		if err := Validate(d, c.known); err != nil {
			merr = multierror.Append(merr, err)
			rejected++
			continue
		}
		if _, dup := next[d.ID]; dup {
			merr = multierror.Append(merr, fmt.Errorf("duplicate hunt id %q", d.ID))
			rejected++
			continue
		}
		next[d.ID] = d
	}
	c.mu.Lock()
	c.hunts = next
	c.mu.Unlock()
	c.log.Info("hunt catalog loaded", "hunts", len(next), "rejected", rejected)
	return merr.ErrorOrNil()
}

// Get looks a hunt up by id, falling back to its machine name.
func (c *Catalog) Get(idOrName string) (model.HuntDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.hunts[idOrName]; ok {
		return d, true
	}
	for _, d := range c.hunts {
		if d.Name == idOrName {
			return d, true
		}
	}
	return model.HuntDefinition{}, false
}

func (c *Catalog) List() []model.HuntDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.HuntDefinition, 0, len(c.hunts))
	for _, d := range c.hunts {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir replaces the catalog with the definitions found in dir.
func (c *Catalog) LoadDir(dir string) error {
	defs, err := LoadDir(dir)
	if err != nil {
		return err
	}
	return c.Replace(defs)
}

// Parse decodes one or more YAML documents, each a hunt definition.
func Parse(data []byte) ([]model.HuntDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []model.HuntDefinition
	for {
		var d model.HuntDefinition
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
}

// LoadDir reads every *.yaml / *.yml file in dir.
func LoadDir(dir string) ([]model.HuntDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read hunt dir: %w", err)
	}
	var out []model.HuntDefinition
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		defs, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		out = append(out, defs...)
	}
	return out, nil
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
