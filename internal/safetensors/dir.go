package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantpack/internal/tensor"
)

// IndexFile is the name of the shard index Hugging Face writes next to
// sharded checkpoints.
const IndexFile = "model.safetensors.index.json"

// Set is a checkpoint made of one or more safetensors shards.
type Set struct {
	Dir   string
	files []*File
	owner map[string]*File
}

type shardIndex struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// OpenDir opens every shard of the checkpoint in dir. The shard list comes
// from model.safetensors.index.json when present, otherwise from every
// *.safetensors file in the directory.
func OpenDir(dir string) (*Set, error) {
	shards, err := listShards(dir)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("%s: no safetensors files", dir)
	}
	s := &Set{Dir: dir, owner: make(map[string]*File)}
	for _, name := range shards {
		f, err := Open(filepath.Join(dir, name))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.files = append(s.files, f)
		for t := range f.Tensors {
			if prev, dup := s.owner[t]; dup {
				_ = s.Close()
				return nil, fmt.Errorf("tensor %s found in both %s and %s", t, prev.Path, f.Path)
			}
			s.owner[t] = f
		}
	}
	return s, nil
}

func listShards(dir string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, IndexFile))
	switch {
	case err == nil:
		var idx shardIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("%s: %w", IndexFile, err)
		}
		var shards []string
		for _, shard := range idx.WeightMap {
			if !slices.Contains(shards, shard) {
				shards = append(shards, shard)
			}
		}
		slices.Sort(shards)
		return shards, nil
	case errors.Is(err, os.ErrNotExist):
		matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
		if err != nil {
			return nil, err
		}
		shards := make([]string, 0, len(matches))
		for _, m := range matches {
			shards = append(shards, filepath.Base(m))
		}
		slices.Sort(shards)
		return shards, nil
	default:
		return nil, err
	}
}

// Close closes every shard.
func (s *Set) Close() error {
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

// Lookup returns the shard holding name.
func (s *Set) Lookup(name string) (*File, bool) {
	f, ok := s.owner[name]
	return f, ok
}

// Names returns every tensor name across shards, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.owner))
	for n := range s.owner {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ReadFloat reads a float tensor from whichever shard holds it.
func (s *Set) ReadFloat(name string) (*tensor.Float, error) {
	f, ok := s.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.ReadFloat(name)
}

// ReadUint reads a storage-word tensor from whichever shard holds it.
func (s *Set) ReadUint(name string) (*tensor.Uint, error) {
	f, ok := s.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.ReadUint(name)
}
