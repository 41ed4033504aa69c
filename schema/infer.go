package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/serialization"
)

var timeType = reflect.TypeOf(time.Time{})

// Infer builds a schema from the message struct. Property names follow json tags; fields without
// omitempty are required. Constraints come from the schema tag.
func Infer(msg contracts.Message) (*Schema, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%s: message must be a struct, got %s", msg.MessageType(), t.Kind())
	}

	g := &generator{seen: make(map[reflect.Type]bool)}
	props, required, err := g.structProperties(t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", msg.MessageType(), err)
	}

	return &Schema{
		Name:       msg.MessageType(),
		Type:       "object",
		Properties: props,
		Required:   required,
	}, nil
}

// RegisterType infers the schema of M and registers it under M's type tag
func RegisterType[M contracts.Message](v *Validator) error {
	proto, err := serialization.Prototype[M]()
	if err != nil {
		return err
	}
	schema, err := Infer(proto)
	if err != nil {
		return err
	}
	return v.Register(proto.MessageType(), schema)
}

type generator struct {
	seen map[reflect.Type]bool
}

func (g *generator) structProperties(t reflect.Type) (map[string]*PropertyDef, []string, error) {
	if g.seen[t] {
		return nil, nil, fmt.Errorf("recursive type %s", t)
	}
	g.seen[t] = true
	defer delete(g.seen, t)

	props := make(map[string]*PropertyDef)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(jsonTag, ",")

		// embedded structs without a json name are flattened, as encoding/json does
		if field.Anonymous && name == "" {
			ft := field.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				inner, innerRequired, err := g.structProperties(ft)
				if err != nil {
					return nil, nil, err
				}
				for k, v := range inner {
					props[k] = v
				}
				required = append(required, innerRequired...)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}

		def, err := g.property(field.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		if desc := field.Tag.Get("description"); desc != "" {
			def.Description = desc
		}
		if err := applyTag(def, field.Tag.Get("schema")); err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", field.Name, err)
		}

		props[name] = def
		if !strings.Contains(opts, "omitempty") && field.Type.Kind() != reflect.Ptr {
			required = append(required, name)
		}
	}

	return props, required, nil
}

func (g *generator) property(t reflect.Type) (*PropertyDef, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &PropertyDef{Type: "string"}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &PropertyDef{Type: "integer"}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &PropertyDef{Type: "integer", Minimum: Float(0)}, nil
	case reflect.Float32, reflect.Float64:
		return &PropertyDef{Type: "number"}, nil
	case reflect.Bool:
		return &PropertyDef{Type: "boolean"}, nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return &PropertyDef{Type: "string"}, nil
		}
		items, err := g.property(t.Elem())
		if err != nil {
			return nil, err
		}
		return &PropertyDef{Type: "array", Items: items}, nil
	case reflect.Map:
		return &PropertyDef{Type: "object"}, nil
	case reflect.Struct:
		if t == timeType {
			return &PropertyDef{Type: "string", Format: "date-time"}, nil
		}
		props, required, err := g.structProperties(t)
		if err != nil {
			return nil, err
		}
		return &PropertyDef{Type: "object", Properties: props, Required: required}, nil
	default:
		return &PropertyDef{}, nil
	}
}

// applyTag parses key=value pairs such as "minLength=1,enum=a|b,rule=non-empty"
func applyTag(def *PropertyDef, tag string) error {
	if tag == "" {
		return nil
	}

	for _, pair := range strings.Split(tag, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return fmt.Errorf("schema tag %q: expected key=value", pair)
		}

		switch key {
		case "minLength", "maxLength":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("schema tag %s: %w", key, err)
			}
			if key == "minLength" {
				def.MinLength = Int(n)
			} else {
				def.MaxLength = Int(n)
			}
		case "minimum", "maximum":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("schema tag %s: %w", key, err)
			}
			if key == "minimum" {
				def.Minimum = Float(f)
			} else {
				def.Maximum = Float(f)
			}
		case "format":
			def.Format = value
		case "pattern":
			def.Pattern = value
		case "enum":
			for _, v := range strings.Split(value, "|") {
				def.Enum = append(def.Enum, v)
			}
		case "rule":
			def.Rules = append(def.Rules, value)
		default:
			return fmt.Errorf("schema tag: unknown key %q", key)
		}
	}
	return nil
}
