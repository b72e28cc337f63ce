package dispatcher

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// paramsSchema validates raw params against a schema reflected from a Go type.
type paramsSchema struct {
	schema *gojsonschema.Schema
	raw    []byte
}

// reflectParamsSchema reflects P into a JSON Schema and compiles it. Unknown
// properties are allowed so newer surfaces can send fields the host ignores.
func reflectParamsSchema[P any]() (*paramsSchema, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(new(P))
	// gojsonschema predates draft 2020-12; drop the dialect marker and let
	// it evaluate the keywords in hybrid mode.
	s.Version = ""
	s.ID = ""

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &paramsSchema{schema: compiled, raw: raw}, nil
}

func mustReflectParamsSchema[P any]() *paramsSchema {
	s, err := reflectParamsSchema[P]()
	if err != nil {
		panic(err)
	}
	return s
}

// validate returns a descriptive error when params do not conform. Absent
// params are validated as an empty object, and top-level members set to null
// count as absent.
func (s *paramsSchema) validate(params json.RawMessage) error {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	params = dropNullMembers(params)
	res, err := s.schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if res.Valid() {
		return nil
	}
	details := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		details = append(details, e.String())
	}
	return fmt.Errorf("params do not match schema: %s", strings.Join(details, "; "))
}

func dropNullMembers(params json.RawMessage) json.RawMessage {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(params, &members); err != nil {
		return params
	}
	dropped := false
	for k, v := range members {
		if string(v) == "null" {
			delete(members, k)
			dropped = true
		}
	}
	if !dropped {
		return params
	}
	out, err := json.Marshal(members)
	if err != nil {
		return params
	}
	return out
}

// JSON returns the reflected schema document.
func (s *paramsSchema) JSON() json.RawMessage {
	return append(json.RawMessage(nil), s.raw...)
}
