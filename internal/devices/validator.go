package devices

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

//go:embed schema/beamline-v1.json
var beamlineSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("beamline-v1.json",
		strings.NewReader(beamlineSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("beamline-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateDocument checks a YAML (or JSON) definition against the schema.
func (v *Validator) ValidateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	// Round-trip through JSON so the validator sees JSON types only.
	js, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("definition is not JSON-compatible: %w", err)
	}
	var generic any
	if err := json.Unmarshal(js, &generic); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(generic); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// CheckReferences verifies what the schema cannot express: unique names
// and references that resolve within the definition.
func CheckReferences(def *types.BeamlineDefinition) error {
	devices := make(map[string]map[string]bool, len(def.Modbus))
	for _, d := range def.Modbus {
		if _, dup := devices[d.Name]; dup {
			return fmt.Errorf("duplicate modbus device %s", d.Name)
		}
		regs := make(map[string]bool, len(d.Registers))
		for _, r := range d.Registers {
			regs[r.Name] = true
		}
		devices[d.Name] = regs
	}

	signals := make(map[string]bool, len(def.Signals))
	for _, s := range def.Signals {
		if signals[s.Name] {
			return fmt.Errorf("duplicate signal %s", s.Name)
		}
		signals[s.Name] = true
	}

	for _, s := range def.Signals {
		switch s.Kind {
		case types.SignalKindModbus:
			regs, ok := devices[s.Device]
			if !ok {
				return fmt.Errorf("signal %s: unknown modbus device %s", s.Name, s.Device)
			}
			if !regs[s.Register] {
				return fmt.Errorf("signal %s: device %s has no register %s", s.Name, s.Device, s.Register)
			}
		case types.SignalKindDerived:
			for _, src := range s.Sources {
				if src == s.Name {
					return fmt.Errorf("signal %s: derived signal cannot source itself", s.Name)
				}
				if !signals[src] {
					return fmt.Errorf("signal %s: unknown source %s", s.Name, src)
				}
			}
		}
	}
	if _, err := derivedOrder(def.Signals); err != nil {
		return err
	}

	positioners := make(map[string]bool, len(def.Positioners))
	for _, p := range def.Positioners {
		if positioners[p.Name] {
			return fmt.Errorf("duplicate positioner %s", p.Name)
		}
		positioners[p.Name] = true
		refs := map[string]string{
			"setpoint":  p.Setpoint,
			"readback":  p.Readback,
			"velocity":  p.Velocity,
			"units":     p.Units,
			"precision": p.Precision,
			"actuate":   p.Actuate,
			"stop":      p.Stop,
			"done":      p.Done,
		}
		for role, ref := range refs {
			if ref != "" && !signals[ref] {
				return fmt.Errorf("positioner %s: unknown %s signal %s", p.Name, role, ref)
			}
		}
	}
	return nil
}

// derivedOrder sorts signals so every derived signal follows its
// sources. It fails on cycles.
func derivedOrder(defs []types.SignalDefinition) ([]types.SignalDefinition, error) {
	byName := make(map[string]types.SignalDefinition, len(defs))
	for _, d := range defs {
		byName[d.Name] = d
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	mark := make(map[string]int, len(defs))
	ordered := make([]types.SignalDefinition, 0, len(defs))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch mark[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("derived signal cycle: %s", strings.Join(append(path, name), " -> "))
		}
		mark[name] = visiting
		def := byName[name]
		for _, src := range def.Sources {
			if _, ok := byName[src]; !ok {
				continue
			}
			if err := visit(src, append(path, name)); err != nil {
				return err
			}
		}
		mark[name] = visited
		ordered = append(ordered, def)
		return nil
	}

	for _, d := range defs {
		if err := visit(d.Name, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
