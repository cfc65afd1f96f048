package instrument

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed instruments.yaml
var builtinRegistry []byte

var (
	// ErrUnknownInstrument means a header tag matched no registered identifier.
	ErrUnknownInstrument = errors.New("instrument: unknown instrument identifier")
	// ErrUnknownFilter means a filter tag is missing from the profile's translation table.
	ErrUnknownFilter = errors.New("instrument: unknown filter")
)

// Filter is a canonical, instrument-agnostic filter name. The zero value is
// the "no calibration" sentinel.
type Filter struct {
	name string
}

// NoCalibration marks filters that are recognized but cannot be calibrated.
var NoCalibration = Filter{}

// Canonical returns the filter with the given canonical name.
func Canonical(name string) Filter {
	return Filter{name: strings.TrimSpace(name)}
}

// Name returns the canonical name, empty for NoCalibration.
func (f Filter) Name() string { return f.name }

// Calibratable reports whether photometric calibration applies to f.
func (f Filter) Calibratable() bool { return f.name != "" }

func (f Filter) String() string {
	if !f.Calibratable() {
		return "none"
	}
	return f.name
}

// Profile is the resolved configuration of one instrument. Profiles are
// values; the translation table is never exposed for mutation.
type Profile struct {
	Name            string
	Identifiers     []string
	SourceMinArea   float64
	ApertureDefault float64
	filters         map[string]Filter
}

// TranslateFilter resolves a raw header filter tag to its canonical filter.
func (p Profile) TranslateFilter(tag string) (Filter, error) {
	f, ok := p.filters[strings.TrimSpace(tag)]
	if !ok {
		return Filter{}, fmt.Errorf("%w %q for %s", ErrUnknownFilter, tag, p.Name)
	}
	return f, nil
}

// FilterTags returns the raw filter tags known to the profile, sorted.
func (p Profile) FilterTags() []string {
	tags := make([]string, 0, len(p.filters))
	for tag := range p.filters {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

type registryFile struct {
	Instruments []profileDef `yaml:"instruments"`
}

type profileDef struct {
	Name               string             `yaml:"name"`
	Identifiers        []string           `yaml:"identifiers"`
	SourceMinArea      float64            `yaml:"source_minarea"`
	ApertureDefault    float64            `yaml:"aprad_default"`
	FilterTranslations map[string]*string `yaml:"filter_translations"`
}

// Registry maps header instrument identifiers to profiles. It is read-only
// after construction and safe for concurrent use.
type Registry struct {
	profiles     map[string]Profile
	byIdentifier map[string]string
}

// Builtin returns the registry compiled into the binary.
func Builtin() (*Registry, error) {
	return Parse(builtinRegistry)
}

// Load reads a registry from a YAML file. An empty path selects the builtin registry.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Builtin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("instrument: read %s: %w", path, err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("instrument: %s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes and validates a YAML registry payload.
func Parse(data []byte) (*Registry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("instrument: registry payload is empty")
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("instrument: decode registry: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, errors.New("instrument: registry defines no instruments")
	}

	reg := &Registry{
		profiles:     make(map[string]Profile, len(file.Instruments)),
		byIdentifier: make(map[string]string),
	}
	for _, def := range file.Instruments {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, errors.New("instrument: profile without name")
		}
		if _, dup := reg.profiles[name]; dup {
			return nil, fmt.Errorf("instrument: duplicate profile %s", name)
		}
		if len(def.Identifiers) == 0 {
			return nil, fmt.Errorf("instrument: %s has no identifiers", name)
		}
		if def.SourceMinArea <= 0 || def.ApertureDefault <= 0 {
			return nil, fmt.Errorf("instrument: %s needs positive source_minarea and aprad_default", name)
		}

		filters := make(map[string]Filter, len(def.FilterTranslations))
		for tag, canonical := range def.FilterTranslations {
			if canonical == nil {
				filters[strings.TrimSpace(tag)] = NoCalibration
				continue
			}
			filters[strings.TrimSpace(tag)] = Canonical(*canonical)
		}

		ids := make([]string, 0, len(def.Identifiers))
		for _, id := range def.Identifiers {
			id = strings.TrimSpace(id)
			if owner, taken := reg.byIdentifier[id]; taken {
				return nil, fmt.Errorf("instrument: identifier %q claimed by %s and %s", id, owner, name)
			}
			reg.byIdentifier[id] = name
			ids = append(ids, id)
		}

		reg.profiles[name] = Profile{
			Name:            name,
			Identifiers:     ids,
			SourceMinArea:   def.SourceMinArea,
			ApertureDefault: def.ApertureDefault,
			filters:         filters,
		}
	}
	return reg, nil
}

// Lookup resolves a header instrument tag to its profile.
func (r *Registry) Lookup(tag string) (Profile, error) {
	name, ok := r.byIdentifier[strings.TrimSpace(tag)]
	if !ok {
		return Profile{}, fmt.Errorf("%w %q", ErrUnknownInstrument, tag)
	}
	return r.profiles[name], nil
}

// Profiles lists all registered profiles ordered by name.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
