// Package products describes the sellable generation products: what each one
// costs, how its runner is called and which inputs it accepts.
package products

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"

	RunnerRunPod = "runpod"
)

// ErrInvalidInput is returned by Validate for client input that cannot be submitted.
var ErrInvalidInput = errors.New("invalid input")

// Product is one generation product.
type Product struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	Cost       int64  `yaml:"cost"`
	Mode       string `yaml:"mode"`
	Cancelable bool   `yaml:"cancelable"`
	Runner     string `yaml:"runner"`
	Endpoint   string `yaml:"endpoint"`
	Limits     Limits `yaml:"limits"`
}

// Limits bound the client-supplied input of a product.
type Limits struct {
	MaxPromptLength int `yaml:"max_prompt_length"`
	MaxTextLength   int `yaml:"max_text_length"`
	MaxImages       int `yaml:"max_images"`
	MinDimension    int `yaml:"min_dimension"`
	MaxDimension    int `yaml:"max_dimension"`
}

// Sync reports whether the runner is called through its blocking endpoint.
func (p *Product) Sync() bool {
	return p.Mode == ModeSync
}

// Validate checks client input against the product's kind and limits.
func (p *Product) Validate(input map[string]any) error {
	v, ok := validators[p.Kind]
	if !ok {
		return fmt.Errorf("product %q has unknown kind %q", p.Name, p.Kind)
	}
	return v(input, p.Limits)
}

// Catalog is the immutable set of configured products.
type Catalog struct {
	products map[string]*Product
}

type fileConfig struct {
	Products []yaml.Node `yaml:"products"`
}

// Defaults returns the built-in products. Endpoints are taken from
// RUNNER_<NAME>_ENDPOINT.
func Defaults() []Product {
	imageLimits := Limits{MaxPromptLength: 1000, MaxImages: 4, MinDimension: 256, MaxDimension: 2048}
	return []Product{
		{Name: "image", Kind: KindImage, Cost: 1, Mode: ModeSync, Runner: RunnerRunPod,
			Endpoint: "${RUNNER_IMAGE_ENDPOINT}", Limits: imageLimits},
		{Name: "anime", Kind: KindImage, Cost: 1, Mode: ModeSync, Runner: RunnerRunPod,
			Endpoint: "${RUNNER_ANIME_ENDPOINT}", Limits: imageLimits},
		{Name: "video", Kind: KindVideo, Cost: 3, Mode: ModeAsync, Cancelable: true, Runner: RunnerRunPod,
			Endpoint: "${RUNNER_VIDEO_ENDPOINT}", Limits: Limits{MaxPromptLength: 500}},
		{Name: "voice", Kind: KindVoice, Cost: 1, Mode: ModeAsync, Runner: RunnerRunPod,
			Endpoint: "${RUNNER_VOICE_ENDPOINT}", Limits: Limits{MaxTextLength: 2000}},
	}
}

// Load builds the catalog from the defaults, overlaid with the products listed in
// path when path is non-empty. File entries are matched by name; fields they omit
// keep their default value. ${VAR} references in the file and in endpoints are
// expanded from the environment.
func Load(path string) (*Catalog, error) {
	byName := make(map[string]*Product)
	for _, p := range Defaults() {
		byName[p.Name] = &p
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading products file %q: %w", path, err)
		}
		if err := overlay(byName, []byte(os.ExpandEnv(string(data)))); err != nil {
			return nil, fmt.Errorf("parsing products file %q: %w", path, err)
		}
	}

	for _, p := range byName {
		p.Endpoint = strings.TrimSpace(os.ExpandEnv(p.Endpoint))
		if err := p.check(); err != nil {
			return nil, err
		}
	}
	return &Catalog{products: byName}, nil
}

func overlay(byName map[string]*Product, data []byte) error {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	for i := range cfg.Products {
		node := &cfg.Products[i]
		var head struct {
			Name string `yaml:"name"`
		}
		if err := node.Decode(&head); err != nil {
			return err
		}
		name := strings.ToLower(strings.TrimSpace(head.Name))
		if name == "" {
			return fmt.Errorf("product entry %d has no name", i)
		}
		p, ok := byName[name]
		if !ok {
			p = &Product{Runner: RunnerRunPod, Mode: ModeAsync}
			byName[name] = p
		}
		if err := node.Decode(p); err != nil {
			return fmt.Errorf("product %q: %w", name, err)
		}
		p.Name = name
	}
	return nil
}

func (p *Product) check() error {
	if p.Cost <= 0 {
		return fmt.Errorf("product %q: cost must be positive, got %d", p.Name, p.Cost)
	}
	if p.Mode != ModeSync && p.Mode != ModeAsync {
		return fmt.Errorf("product %q: mode must be sync or async, got %q", p.Name, p.Mode)
	}
	if _, ok := validators[p.Kind]; !ok {
		return fmt.Errorf("product %q: unknown kind %q", p.Name, p.Kind)
	}
	return nil
}

// Get returns the product by name.
func (c *Catalog) Get(name string) (*Product, bool) {
	p, ok := c.products[strings.ToLower(name)]
	return p, ok
}

// Names returns the product names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.products))
	for name := range c.products {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
