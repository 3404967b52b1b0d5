package expert

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed experts.yaml
var defaultCatalog []byte

var ErrNotFound = errors.New("expert not found")

// ID identifies an expert in the catalog
type ID string

// Expert is the profile of one responder. Prompt stays server-side.
type Expert struct {
	ID          ID     `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title" yaml:"title"`
	Avatar      string `json:"avatar" yaml:"avatar"`
	Description string `json:"description" yaml:"description"`
	Prompt      string `json:"-" yaml:"prompt"`
}

type catalog struct {
	Experts []Expert `yaml:"experts"`
}

// Registry is the static catalog of experts, in declaration order.
type Registry struct {
	experts map[ID]Expert
	order   []ID

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRegistry builds a registry, rejecting empty and duplicate ids
func NewRegistry(experts []Expert) (*Registry, error) {
	if len(experts) == 0 {
		return nil, fmt.Errorf("expert catalog is empty")
	}
	r := &Registry{
		experts: make(map[ID]Expert, len(experts)),
		order:   make([]ID, 0, len(experts)),
		rnd:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, e := range experts {
		if e.ID == "" {
			return nil, fmt.Errorf("expert %q has no id", e.Name)
		}
		if _, ok := r.experts[e.ID]; ok {
			return nil, fmt.Errorf("duplicate expert id: %s", e.ID)
		}
		r.experts[e.ID] = e
		r.order = append(r.order, e.ID)
	}
	return r, nil
}

// Load parses a YAML catalog
func Load(data []byte) (*Registry, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse expert catalog: %w", err)
	}
	return NewRegistry(c.Experts)
}

// LoadFile parses a YAML catalog from disk
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read expert catalog: %w", err)
	}
	return Load(data)
}

// Default returns the catalog compiled into the binary
func Default() (*Registry, error) {
	return Load(defaultCatalog)
}

// Lookup returns the expert registered under id.
func (r *Registry) Lookup(id ID) (Expert, error) {
	e, ok := r.experts[id]
	if !ok {
		return Expert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// All returns every expert in catalog order.
func (r *Registry) All() []Expert {
	out := make([]Expert, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.experts[id])
	}
	return out
}

// Random picks one expert uniformly.
func (r *Registry) Random() Expert {
	r.mu.Lock()
	i := r.rnd.IntN(len(r.order))
	r.mu.Unlock()
	return r.experts[r.order[i]]
}

// Len returns the number of experts
func (r *Registry) Len() int {
	return len(r.order)
}
