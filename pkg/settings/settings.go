// Package settings models signing configuration that can be addressed
// by scope: the whole binary, a single nested-binary path, or a fat
// slice identified by index or CPU type. A signing descent into a fat
// slice or a nested bundle derives a fresh, narrower Settings by
// folding the scopes that apply at that level into Main — never by
// mutating the parent.
//
// Grounded on the scope-keyed lookup pattern blacktop/go-macho uses
// for its own per-load-command option maps (see cmds.go's LoadCmdBytes
// dispatch), generalized here into an explicit tagged-union scope key
// instead of a type switch.
package settings

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/appsworld/machosign/types"
)

// Kind discriminates the shape of a Scope.
type Kind int

const (
	Main Kind = iota
	Path
	MultiArchIndex
	MultiArchCpuType
	PathMultiArchIndex
	PathMultiArchCpuType
)

// Scope addresses a configuration value: the whole target, a nested
// binary by path, a fat slice by index or CPU type, or a path combined
// with a slice selector.
type Scope struct {
	Kind  Kind
	Path  string
	Index int
	CPU   types.CPU
}

func ScopeMain() Scope { return Scope{Kind: Main} }
func ScopePath(p string) Scope { return Scope{Kind: Path, Path: p} }
func ScopeIndex(i int) Scope { return Scope{Kind: MultiArchIndex, Index: i} }
func ScopeCPU(c types.CPU) Scope { return Scope{Kind: MultiArchCpuType, CPU: c} }
func ScopePathIndex(p string, i int) Scope {
	return Scope{Kind: PathMultiArchIndex, Path: p, Index: i}
}
func ScopePathCPU(p string, c types.CPU) Scope {
	return Scope{Kind: PathMultiArchCpuType, Path: p, CPU: c}
}

// key returns the canonical string form used both as the map key and
// as ParseScope's round-trip output.
func (s Scope) key() string {
	switch s.Kind {
	case Main:
		return "@main"
	case Path:
		return s.Path
	case MultiArchIndex:
		return fmt.Sprintf("@%d", s.Index)
	case MultiArchCpuType:
		return fmt.Sprintf("@[cpu_type=%s]", cpuName(s.CPU))
	case PathMultiArchIndex:
		return fmt.Sprintf("%s@%d", s.Path, s.Index)
	case PathMultiArchCpuType:
		return fmt.Sprintf("%s@[cpu_type=%s]", s.Path, cpuName(s.CPU))
	default:
		return ""
	}
}

var cpuNames = map[types.CPU]string{
	types.CPUArm:     "arm",
	types.CPUArm64:   "arm64",
	types.CPU(types.CPUArm6432): "arm64_32",
	types.CPUAmd64:   "x86_64",
}

func cpuName(c types.CPU) string {
	if n, ok := cpuNames[c]; ok {
		return n
	}
	return strconv.FormatUint(uint64(c), 10)
}

func cpuFromName(n string) (types.CPU, bool) {
	for c, name := range cpuNames {
		if name == n {
			return c, true
		}
	}
	if v, err := strconv.ParseUint(n, 10, 32); err == nil {
		return types.CPU(v), true
	}
	return 0, false
}

// ParseScope parses the scope string grammar: "@main", "@<int>",
// "@[cpu_type=<int>|<name>]", "<path>", "<path>@<int>" or
// "<path>@[cpu_type=...]".
func ParseScope(s string) (Scope, error) {
	if s == "@main" {
		return ScopeMain(), nil
	}
	path, selector, hasSelector := cutLastAt(s)
	if !hasSelector {
		return ScopePath(s), nil
	}
	if strings.HasPrefix(selector, "[cpu_type=") && strings.HasSuffix(selector, "]") {
		name := strings.TrimSuffix(strings.TrimPrefix(selector, "[cpu_type="), "]")
		cpu, ok := cpuFromName(name)
		if !ok {
			return Scope{}, fmt.Errorf("settings: unrecognized cpu_type %q in scope %q", name, s)
		}
		if path == "" {
			return ScopeCPU(cpu), nil
		}
		return ScopePathCPU(path, cpu), nil
	}
	idx, err := strconv.Atoi(selector)
	if err != nil {
		return Scope{}, fmt.Errorf("settings: invalid scope %q: %w", s, err)
	}
	if path == "" {
		return ScopeIndex(idx), nil
	}
	return ScopePathIndex(path, idx), nil
}

// cutLastAt splits "path@selector" on the final '@', since a bundle
// path may itself legally contain '@'.
func cutLastAt(s string) (path, selector string, ok bool) {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// Scoped carries every per-scope field a Code Directory Builder or
// Special-Blob Builder reads.
type Scoped struct {
	Identifier      string
	Entitlements    string // raw XML
	Requirements    [][]byte // serialized requirement expressions, already compiled
	Flags           uint32
	HasFlags        bool
	ExecSegFlags    uint64
	HasExecSegFlags bool
	InfoPlist       []byte
	CodeResources   []byte
}

// Settings is one signing operation's complete configuration: global
// fields plus a scope-keyed map of per-target overrides.
type Settings struct {
	SigningKeyConfigured bool
	TeamName             string
	DigestAlgorithm      uint8 // see hasher.Algorithm

	byScope map[string]Scoped
}

func New() *Settings {
	return &Settings{byScope: make(map[string]Scoped)}
}

// Set installs or replaces the Scoped value at scope.
func (s *Settings) Set(scope Scope, v Scoped) {
	if s.byScope == nil {
		s.byScope = make(map[string]Scoped)
	}
	s.byScope[scope.key()] = v
}

// Get looks up the Scoped value exactly at scope, with no fallback.
func (s *Settings) Get(scope Scope) (Scoped, bool) {
	v, ok := s.byScope[scope.key()]
	return v, ok
}

// clone returns a shallow copy of s with an independent scope map, the
// global fields carried over unchanged.
func (s *Settings) clone() *Settings {
	c := &Settings{
		SigningKeyConfigured: s.SigningKeyConfigured,
		TeamName:             s.TeamName,
		DigestAlgorithm:      s.DigestAlgorithm,
		byScope:              make(map[string]Scoped, len(s.byScope)),
	}
	for k, v := range s.byScope {
		c.byScope[k] = v
	}
	return c
}

// AsNestedMachoSettings derives the settings a fat slice (index i, cpu
// c) should see: Main, MultiArchIndex(i) and MultiArchCpuType(c)
// entries are folded into a fresh Main scope, CPU overriding index
// overriding Main. The parent Settings is left untouched.
func (s *Settings) AsNestedMachoSettings(i int, c types.CPU) *Settings {
	out := s.clone()
	merged := Scoped{}
	if v, ok := s.Get(ScopeMain()); ok {
		merged = v
	}
	if v, ok := s.Get(ScopeIndex(i)); ok {
		merged = mergeScoped(merged, v)
	}
	if v, ok := s.Get(ScopeCPU(c)); ok {
		merged = mergeScoped(merged, v)
	}
	out.Set(ScopeMain(), merged)
	return out
}

// AsBundleMachoSettings promotes Path(path) (and the slice-qualified
// forms under that path) to path-less scopes, for descending into the
// nested binary at path. Entries for other paths are dropped.
func (s *Settings) AsBundleMachoSettings(path string) *Settings {
	return s.promotePath(path, false)
}

// AsNestedBundleSettings is AsBundleMachoSettings but strips `path/`
// as a prefix from other path scopes instead of discarding them,
// modelling descent into a nested bundle rather than a leaf binary.
func (s *Settings) AsNestedBundleSettings(path string) *Settings {
	return s.promotePath(path, true)
}

func (s *Settings) promotePath(path string, keepPrefixed bool) *Settings {
	out := s.clone()
	out.byScope = make(map[string]Scoped)
	prefix := path + "/"
	for key, v := range s.byScope {
		scope, err := ParseScope(key)
		if err != nil {
			continue
		}
		switch {
		case scope.Path == path:
			scope.Path = ""
			out.Set(scope, v)
		case keepPrefixed && strings.HasPrefix(scope.Path, prefix):
			scope.Path = strings.TrimPrefix(scope.Path, prefix)
			out.Set(scope, v)
		}
	}
	return out
}

// mergeScoped overlays override atop base, field by field: a zero/unset
// override field never clobbers a populated base field.
func mergeScoped(base, override Scoped) Scoped {
	out := base
	if override.Identifier != "" {
		out.Identifier = override.Identifier
	}
	if override.Entitlements != "" {
		out.Entitlements = override.Entitlements
	}
	if len(override.Requirements) > 0 {
		out.Requirements = override.Requirements
	}
	if override.HasFlags {
		out.Flags, out.HasFlags = override.Flags, true
	}
	if override.HasExecSegFlags {
		out.ExecSegFlags, out.HasExecSegFlags = override.ExecSegFlags, true
	}
	if override.InfoPlist != nil {
		out.InfoPlist = override.InfoPlist
	}
	if override.CodeResources != nil {
		out.CodeResources = override.CodeResources
	}
	return out
}
