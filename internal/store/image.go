package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// DefaultPath is the PATH given to images that do not set one
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ImageConfig is the runtime metadata of an image
type ImageConfig struct {
	WorkingDir string   `json:"workingDir,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
	// Env holds KEY=VALUE pairs in the order they were first set
	Env []string `json:"env,omitempty"`
}

// Getenv returns the value of key in the config's environment.
func (c ImageConfig) Getenv(key string) (string, bool) {
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// WithEnv returns a copy of c with key set to value. An existing key keeps
// its position.
func (c ImageConfig) WithEnv(key, value string) ImageConfig {
	env := make([]string, 0, len(c.Env)+1)
	found := false
	for _, kv := range c.Env {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			env = append(env, key+"="+value)
			found = true
			continue
		}
		env = append(env, kv)
	}
	if !found {
		env = append(env, key+"="+value)
	}
	c.Env = env
	return c
}

// Image is an ordered stack of layers plus run metadata
type Image struct {
	ID digest.Digest `json:"id"`

	// Top is the last link of the layer chain, including metadata-only steps
	Top digest.Digest `json:"top"`

	// Layers lists the non-empty layers from base to top
	Layers []digest.Digest `json:"layers"`

	Config  ImageConfig `json:"config"`
	Created time.Time   `json:"created"`
}

// NewImage assembles an image and computes its ID.
func NewImage(top digest.Digest, layers []digest.Digest, cfg ImageConfig) *Image {
	if layers == nil {
		layers = []digest.Digest{}
	}
	return &Image{
		ID:      ImageID(top, layers, cfg),
		Top:     top,
		Layers:  layers,
		Config:  cfg,
		Created: time.Now().UTC(),
	}
}

// ImageID hashes everything that determines an image's behavior. Created
// is not part of it.
func ImageID(top digest.Digest, layers []digest.Digest, cfg ImageConfig) digest.Digest {
	if layers == nil {
		layers = []digest.Digest{}
	}
	identity := struct {
		Top    digest.Digest   `json:"top"`
		Layers []digest.Digest `json:"layers"`
		Config ImageConfig     `json:"config"`
	}{top, layers, cfg}

	// Marshaling plain strings and slices cannot fail
	b, _ := json.Marshal(identity)
	return digest.FromBytes(b)
}

// PutImage persists an image manifest. Images are immutable, so an
// existing manifest with the same ID is left untouched.
func (s *Store) PutImage(img *Image) error {
	if want := ImageID(img.Top, img.Layers, img.Config); img.ID != want {
		return fmt.Errorf("image id %s does not match its content (%s)", img.ID, want)
	}

	path := s.imagePath(img.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(img, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling image: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing image %s: %w", img.ID, err)
	}
	return nil
}

// GetImage loads an image manifest, or returns ErrNotFound.
func (s *Store) GetImage(id digest.Digest) (*Image, error) {
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("invalid image id %q: %w", id, err)
	}

	data, err := os.ReadFile(s.imagePath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("parsing image %s: %w", id, err)
	}
	return &img, nil
}
