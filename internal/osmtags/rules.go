// Package osmtags implements the tag-based classification rules shared by
// the first-pass and rewrite handlers: which tag keys invalidate a way or
// relation, which validate it outright, which mark it as a no-elevation
// edge, and the removal regex applied when copying tags to output.
package osmtags

import (
	"fmt"
	"os"
	"regexp"

	"github.com/paulmach/osm"
	"gopkg.in/yaml.v3"
)

// DefaultRemoveTagRegex is the default removal pattern, matching any
// `*:source`, `*:note`, `url`, `created_by`, `fixme`, or `wikipedia` key,
// case-insensitively.
const DefaultRemoveTagRegex = `(.*:)?source(:.*)?|(.*:)?note(:.*)?|url|created_by|fixme|wikipedia`

var defaultInvalidating = []string{
	"building", "landuse", "boundary", "natural", "place", "waterway",
	"aeroway", "aviation", "military", "power", "communication", "man_made",
}

var defaultNoElevation = []string{"bridge", "tunnel", "cutting", "indoor"}

// validatingPredicate is one (key[, value]) pair that forces retention.
type validatingPredicate struct {
	key   string
	value string // empty means "any value"
}

var defaultValidating = []validatingPredicate{
	{key: "highway"},
	{key: "route"},
	{key: "railway", value: "platform"},
	{key: "public_transport", value: "platform"},
	{key: "man_made", value: "pier"},
}

// Rules is the compiled classification ruleset consulted by both passes.
// It is built once by New and is read-only for the remainder of the run.
type Rules struct {
	removeTags   *regexp.Regexp
	invalidating map[string]struct{}
	noElevation  map[string]struct{}
	validating   []validatingPredicate

	lua *luaHook
}

// Options configures rule construction. Overrides supplement the built-in
// sets; they never remove a built-in key or predicate (see SPEC_FULL.md
// §4.7/§8).
type Options struct {
	RemoveTagRegex string
	OverridesPath  string // optional YAML file, see Overrides
	LuaScriptPath  string // optional Lua classify_way hook
}

// New compiles a Rules value from the given options, applying built-in
// defaults first and layering overrides on top.
func New(opts Options) (*Rules, error) {
	pattern := opts.RemoveTagRegex
	if pattern == "" {
		pattern = DefaultRemoveTagRegex
	}
	re, err := regexp.Compile("(?i)^(" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("compile remove_tag regex: %w", err)
	}

	r := &Rules{
		removeTags:   re,
		invalidating: toSet(defaultInvalidating),
		noElevation:  toSet(defaultNoElevation),
		validating:   append([]validatingPredicate{}, defaultValidating...),
	}

	if opts.OverridesPath != "" {
		if err := r.applyOverrides(opts.OverridesPath); err != nil {
			return nil, err
		}
	}

	if opts.LuaScriptPath != "" {
		hook, err := newLuaHook(opts.LuaScriptPath)
		if err != nil {
			return nil, err
		}
		r.lua = hook
	}

	return r, nil
}

func toSet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// Overrides is the YAML shape accepted by --tag_rules. Every field is
// additive: listed keys/predicates are unioned with the built-in sets.
type Overrides struct {
	InvalidatingKeys []string         `yaml:"invalidating_keys,omitempty"`
	NoElevationKeys  []string         `yaml:"no_elevation_keys,omitempty"`
	ValidatingTags   []ValidatingTags `yaml:"validating_tags,omitempty"`
}

// ValidatingTags is one entry of the YAML validating_tags list.
type ValidatingTags struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value,omitempty"`
}

func (r *Rules) applyOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tag rules file: %w", err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse tag rules YAML: %w", err)
	}
	for _, k := range o.InvalidatingKeys {
		r.invalidating[k] = struct{}{}
	}
	for _, k := range o.NoElevationKeys {
		r.noElevation[k] = struct{}{}
	}
	for _, v := range o.ValidatingTags {
		r.validating = append(r.validating, validatingPredicate{key: v.Key, value: v.Value})
	}
	return nil
}

// Close releases resources held by an optional Lua hook.
func (r *Rules) Close() {
	if r.lua != nil {
		r.lua.close()
	}
}

// AcceptTag reports whether a tag's key survives the removal regex, i.e.
// should be kept when copying tags to output.
func (r *Rules) AcceptTag(key string) bool {
	return !r.removeTags.MatchString(key)
}

func (r *Rules) tagValidates(key, value string) bool {
	for _, p := range r.validating {
		if p.key != key {
			continue
		}
		if p.value == "" || p.value == value {
			return true
		}
	}
	return false
}

// HasNoRelevantTags implements the §4.4 has_no_relevant_tags predicate: a
// way/relation is a removal candidate when, after the removal regex is
// applied, nothing remains, or any remaining key is invalidating, with no
// validating tag present. A validating tag always wins.
func (r *Rules) HasNoRelevantTags(tags osm.Tags) bool {
	noTagsRemain := true
	hasInvalidating := false
	for _, tag := range tags {
		if !r.AcceptTag(tag.Key) {
			continue
		}
		noTagsRemain = false
		if r.tagValidates(tag.Key, tag.Value) {
			return false
		}
		if _, ok := r.invalidating[tag.Key]; ok {
			hasInvalidating = true
		}
	}
	return noTagsRemain || hasInvalidating
}

// IsNoElevation reports whether any tag key is in the no-elevation set with
// a value other than "no".
func (r *Rules) IsNoElevation(tags osm.Tags) bool {
	for _, tag := range tags {
		if _, ok := r.noElevation[tag.Key]; ok && tag.Value != "no" {
			return true
		}
	}
	return false
}

// wayVerdict is the result of the optional Lua classification hook.
type wayVerdict int

const (
	verdictFallthrough wayVerdict = iota
	verdictValid
	verdictInvalid
)

// IsRemovableWay implements the §4.4 way removal rule, consulting the Lua
// hook first when configured.
func (r *Rules) IsRemovableWay(nodeRefCount int, tags osm.Tags) bool {
	if r.lua != nil {
		switch r.lua.classifyWay(tags) {
		case verdictValid:
			return nodeRefCount < 2
		case verdictInvalid:
			return true
		}
	}
	return nodeRefCount < 2 || r.HasNoRelevantTags(tags)
}

// IsRemovableRelation implements the §4.4 relation removal rule.
func (r *Rules) IsRemovableRelation(tags osm.Tags) bool {
	return r.HasNoRelevantTags(tags)
}
