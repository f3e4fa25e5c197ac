// Package tools holds the client-side tool surface: definitions with
// JSON-schema parameters, a registry, and an executor whose failures are
// reported as tool results rather than turn errors.
package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"runtime"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Definition describes one callable tool: the name and parameter schema
// advertised to models, and the Go function behind it.
type Definition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`

	fn        reflect.Value
	inputType reflect.Type
	wantsCtx  bool
}

// NewDefinitionFromFunc builds a Definition from fn, which must look like
// func(Input) (Output, error) or func(context.Context, Input) (Output,
// error) with a struct Input. The parameter schema is reflected from the
// Input struct. An empty name is derived from the function's Go name,
// snake_cased.
func NewDefinitionFromFunc(name, description string, fn interface{}) (*Definition, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.New("tool is not a function")
	}
	if funcType.NumOut() != 2 || !funcType.Out(1).Implements(errType) {
		return nil, errors.New("tool function must return (result, error)")
	}

	var inputType reflect.Type
	wantsCtx := false
	switch funcType.NumIn() {
	case 1:
		if funcType.In(0) == ctxType {
			return nil, errors.New("tool function is missing its input struct")
		}
		inputType = funcType.In(0)
	case 2:
		if funcType.In(0) != ctxType {
			return nil, errors.New("two-argument tool function must take (context.Context, Input)")
		}
		wantsCtx = true
		inputType = funcType.In(1)
	default:
		return nil, errors.New("tool function must take (Input) or (context.Context, Input)")
	}
	if inputType.Kind() != reflect.Struct {
		return nil, errors.Errorf("tool input must be a struct, got %s", inputType)
	}

	if name == "" {
		name = deriveName(fn)
	}

	return &Definition{
		Name:        name,
		Description: description,
		Parameters:  reflectSchema(inputType),
		fn:          reflect.ValueOf(fn),
		inputType:   inputType,
		wantsCtx:    wantsCtx,
	}, nil
}

// Call unmarshals args into the input struct and invokes the function.
func (d *Definition) Call(ctx context.Context, args []byte) (interface{}, error) {
	if !d.fn.IsValid() {
		return nil, errors.Errorf("tool %s has no function", d.Name)
	}

	input := reflect.New(d.inputType)
	if len(args) > 0 {
		if err := json.Unmarshal(args, input.Interface()); err != nil {
			return nil, errors.Wrap(err, "could not unmarshal arguments")
		}
	}

	in := []reflect.Value{input.Elem()}
	if d.wantsCtx {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, in...)
	}

	out := d.fn.Call(in)
	if errVal := out[1].Interface(); errVal != nil {
		return out[0].Interface(), errVal.(error)
	}
	return out[0].Interface(), nil
}

func reflectSchema(inputType reflect.Type) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		// Expand definitions inline instead of using $refs
		DoNotReference: true,
	}
	schema := reflector.Reflect(reflect.New(inputType).Elem().Interface())
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	return schema
}

// deriveName turns the function's Go symbol into a snake_case tool name.
func deriveName(fn interface{}) string {
	full := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	name := full[strings.LastIndex(full, ".")+1:]
	name = strings.TrimSuffix(name, "-fm")
	return strcase.ToSnake(name)
}
