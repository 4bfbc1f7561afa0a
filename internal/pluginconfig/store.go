// Package pluginconfig implements the config store described in spec §4.7:
// a base TOML file mapping plugin id → BaseConfig, plus a directory of
// per-plugin fragment files that override each entry's inline config
// subtree.
//
// Grounded directly on original_source/crates/sithra/src/conf.rs: the
// fragment-file-replaces-config-field behavior, the enable-defaults-true
// rule, and the exact set_config/set_enable/remove/duplicate/delete_file/
// flush_base/flush_raw operation set are all ported from that file.
// go-toml v1's *toml.Tree stands in for toml_edit::DocumentMut — see
// DESIGN.md for the resulting comment-preservation gap, since no library
// in the retrieved pack offers Rust's format-preserving TOML editor.
package pluginconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

// ErrPluginNotExists is returned by operations addressing an id with no
// entry in the store.
var ErrPluginNotExists = errors.New("pluginconfig: plugin does not exist")

// BaseConfig is one plugin's configuration entry.
type BaseConfig struct {
	Path   string
	Enable bool
	Args   []string
	// Ref is the fragment filename reference (the base file's "$" key).
	// Empty means the fragment, if any, is named "<id>.toml".
	Ref string
	// Config is the effective inline config subtree: either the base
	// file's own "config" table, or — if a fragment file exists — the
	// fragment's content in full (the fragment *replaces* this field,
	// it does not merge into it, matching the original's load_config).
	Config *toml.Tree
	// RawConfig is the fragment's own parsed document, kept only in
	// memory, used by FlushRaw to persist edits back to the fragment
	// file. Nil if no fragment file exists yet for this id.
	RawConfig *toml.Tree
}

// Store holds a parsed base file plus whatever fragment documents were
// found for its entries. Not safe for concurrent use without external
// locking — callers serialize config-store mutations through a single
// lock per spec §5 ("single-writer" policy), e.g. the admin API's mutex.
type Store struct {
	path    string
	refPath string
	doc     *toml.Tree
	configs map[string]*BaseConfig
}

// Load reads the base file at path and any fragment files referenced from
// refPath, creating refPath if it does not exist.
func Load(path, refPath string) (*Store, error) {
	if err := os.MkdirAll(refPath, 0o755); err != nil {
		return nil, fmt.Errorf("pluginconfig: create fragment dir: %w", err)
	}

	doc, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pluginconfig: parse base file: %w", err)
	}

	configs := make(map[string]*BaseConfig)
	for _, id := range doc.Keys() {
		sub, ok := doc.Get(id).(*toml.Tree)
		if !ok {
			continue
		}

		bc := &BaseConfig{Enable: true}
		if v, ok := sub.Get("path").(string); ok {
			bc.Path = v
		}
		if v := sub.Get("enable"); v != nil {
			if b, ok := v.(bool); ok {
				bc.Enable = b
			}
		}
		if v := sub.Get("args"); v != nil {
			bc.Args = toStringSlice(v)
		}
		if v, ok := sub.Get("$").(string); ok {
			bc.Ref = v
		}
		if v, ok := sub.Get("config").(*toml.Tree); ok {
			bc.Config = v
		}

		fragPath := filepath.Join(refPath, fragmentFileName(id, bc.Ref))
		if _, statErr := os.Stat(fragPath); statErr == nil {
			fragTree, loadErr := toml.LoadFile(fragPath)
			if loadErr != nil {
				return nil, fmt.Errorf("pluginconfig: parse fragment %s: %w", fragPath, loadErr)
			}
			bc.Config = fragTree
			bc.RawConfig = fragTree
		}

		configs[id] = bc
	}

	return &Store{path: path, refPath: refPath, doc: doc, configs: configs}, nil
}

func fragmentFileName(id, ref string) string {
	if ref != "" {
		return ref + ".toml"
	}
	return id + ".toml"
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the entry for id, if any.
func (s *Store) Get(id string) (*BaseConfig, bool) {
	bc, ok := s.configs[id]
	return bc, ok
}

// Keys returns every plugin id in the store.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.configs))
	for k := range s.configs {
		keys = append(keys, k)
	}
	return keys
}

// KeysEnabled returns the ids of entries with Enable set.
func (s *Store) KeysEnabled() []string {
	var keys []string
	for k, bc := range s.configs {
		if bc.Enable {
			keys = append(keys, k)
		}
	}
	return keys
}

// SetConfig re-parses tomlStr and stores it as id's fragment, replacing
// both the effective Config and the in-memory RawConfig document used for
// a later FlushRaw.
func (s *Store) SetConfig(id, tomlStr string) error {
	bc, ok := s.configs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotExists, id)
	}
	tree, err := toml.Load(tomlStr)
	if err != nil {
		return fmt.Errorf("pluginconfig: parse fragment: %w", err)
	}
	bc.Config = tree
	bc.RawConfig = tree
	return nil
}

// SetEnable toggles id's Enable flag in both the in-memory entry and the
// base document, per the "mutation goes through both" invariant.
func (s *Store) SetEnable(id string, enable bool) {
	bc, ok := s.configs[id]
	if !ok {
		return
	}
	bc.Enable = enable
	s.doc.SetPath([]string{id, "enable"}, enable)
}

// Remove deletes id from both the in-memory map and the base document,
// returning the removed entry.
func (s *Store) Remove(id string) (*BaseConfig, bool) {
	bc, ok := s.configs[id]
	if !ok {
		return nil, false
	}
	delete(s.configs, id)
	_ = s.doc.Delete(id)
	return bc, true
}

// Duplicate clones id's entry under a new id, disabled, matching the
// original's `duplicate` (always cloned disabled so the operator opts in
// explicitly before enabling a copy).
func (s *Store) Duplicate(id, to string) {
	bc, ok := s.configs[id]
	if !ok {
		return
	}
	item := s.doc.Get(id)
	if item == nil {
		return
	}
	// Copy the subtree so edits under the new id do not reach the original.
	if tree, ok := item.(*toml.Tree); ok {
		copied, err := toml.TreeFromMap(tree.ToMap())
		if err != nil {
			return
		}
		item = copied
	}

	clone := *bc
	clone.Enable = false
	s.configs[to] = &clone

	s.doc.Set(to, item)
	s.doc.SetPath([]string{to, "enable"}, false)
}

// DeleteFile removes id's fragment file from disk, if present. It does not
// touch the in-memory entry or the base document.
func (s *Store) DeleteFile(id string) error {
	bc := s.configs[id] // zero value is fine if absent: falls back to "<id>.toml"
	var ref string
	if bc != nil {
		ref = bc.Ref
	}
	fragPath := filepath.Join(s.refPath, fragmentFileName(id, ref))
	if _, err := os.Stat(fragPath); err != nil {
		return nil
	}
	return os.Remove(fragPath)
}

// FlushBase persists the base document to disk.
func (s *Store) FlushBase() error {
	return os.WriteFile(s.path, []byte(s.doc.String()), 0o644)
}

// FlushRawAll persists every entry's fragment document.
func (s *Store) FlushRawAll() error {
	for id := range s.configs {
		if err := s.FlushRaw(id); err != nil {
			return err
		}
	}
	return nil
}

// FlushRaw persists id's fragment document to its fragment file, if one is
// loaded in memory. A no-op if id has no fragment (its config lives
// entirely in the base file).
func (s *Store) FlushRaw(id string) error {
	bc, ok := s.configs[id]
	if !ok || bc.RawConfig == nil {
		return nil
	}
	fragPath := filepath.Join(s.refPath, fragmentFileName(id, bc.Ref))
	return os.WriteFile(fragPath, []byte(bc.RawConfig.String()), 0o644)
}
