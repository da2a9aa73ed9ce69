// Package manifest loads the versioned pre-population list that seeds a
// cache generation.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest names a generation and the URLs it must hold before it can be
// activated. Relative URLs are resolved against the upstream origin.
type Manifest struct {
	Generation string   `yaml:"generation" json:"generation"`
	URLs       []string `yaml:"urls" json:"urls"`
}

func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m = m.Normalize()
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Normalize trims whitespace and drops empty and repeated URLs while keeping
// the original order.
func (m Manifest) Normalize() Manifest {
	out := Manifest{Generation: strings.TrimSpace(m.Generation)}
	seen := make(map[string]struct{}, len(m.URLs))
	for _, u := range m.URLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out.URLs = append(out.URLs, u)
	}
	return out
}

// fingerprint identifies a revision by generation and URL list, so a
// corrected URL list under the same generation counts as a change.
func (m Manifest) fingerprint() string {
	return m.Generation + "\n" + strings.Join(m.URLs, "\n")
}

func (m Manifest) Validate() error {
	gen := m.Generation
	if gen == "" {
		return fmt.Errorf("%w: generation is required", ErrInvalidManifest)
	}
	if strings.HasPrefix(gen, ".") || strings.ContainsAny(gen, `/\ `) {
		return fmt.Errorf("%w: generation %q must not contain slashes or spaces", ErrInvalidManifest, gen)
	}
	return nil
}
