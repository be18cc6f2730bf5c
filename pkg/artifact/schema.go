package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agoraos/agora/pkg/fault"
)

// Interface is an artifact's declared invokable surface.
type Interface struct {
	Methods []Method `json:"methods"`
}

// Method declares one invokable method with an optional JSON Schema for its
// arguments and free-form usage examples.
type Method struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Examples    []string        `json:"examples,omitempty"`
}

func (i Interface) clone() Interface {
	out := Interface{Methods: make([]Method, len(i.Methods))}
	copy(out.Methods, i.Methods)
	return out
}

// Method returns the declared method by name, or nil.
func (i *Interface) Method(name string) *Method {
	for idx := range i.Methods {
		if i.Methods[idx].Name == name {
			return &i.Methods[idx]
		}
	}
	return nil
}

// Validate compiles every declared input schema, rejecting the interface at
// declaration time rather than at first invoke.
func (i *Interface) Validate() error {
	for _, m := range i.Methods {
		if m.Name == "" {
			return fault.New(fault.InvalidArgument, "interface method with empty name")
		}
		if len(m.InputSchema) == 0 {
			continue
		}
		if _, err := compileSchema(m.Name, m.InputSchema); err != nil {
			return fault.New(fault.InvalidArgument, "method %q input schema: %v", m.Name, err)
		}
	}
	return nil
}

// ValidateArgs checks args against the method's declared input schema. A
// method without a schema accepts anything.
func (i *Interface) ValidateArgs(method string, args map[string]any) error {
	m := i.Method(method)
	if m == nil {
		return fault.New(fault.InvalidArgument, "method %q not declared in interface", method)
	}
	if len(m.InputSchema) == 0 {
		return nil
	}
	sch, err := compileSchema(m.Name, m.InputSchema)
	if err != nil {
		return fault.New(fault.InvalidArgument, "method %q input schema: %v", m.Name, err)
	}
	// jsonschema validates decoded JSON values; round-trip normalizes Go types.
	raw, err := json.Marshal(args)
	if err != nil {
		return fault.New(fault.InvalidArgument, "args not serializable: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fault.New(fault.InvalidArgument, "args not serializable: %v", err)
	}
	if err := sch.Validate(decoded); err != nil {
		return fault.New(fault.InvalidArgument, "args for %q rejected by schema: %v", method, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
