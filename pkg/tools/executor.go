package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/go-go-golems/cricket/pkg/events"
)

// Executor runs announced tool calls against a registry. Every failure
// mode (unknown tool, allow-list rejection, invalid arguments, execution
// error) is reported inside the result payload so the model can react to
// it; Execute never fails the turn.
type Executor struct {
	config Config
}

func NewExecutor(config Config) *Executor {
	return &Executor{config: config}
}

// Execute runs one call and returns its result payload.
func (e *Executor) Execute(ctx context.Context, registry Registry, call events.ToolCall) json.RawMessage {
	log.Debug().
		Str("correlation_id", call.ID).
		Str("tool_name", call.Name).
		Msg("executing tool call")

	def, err := registry.Get(call.Name)
	if err != nil {
		return errorPayload(errors.Wrapf(err, "tool %s", call.Name).Error())
	}
	if !e.config.IsToolAllowed(call.Name) {
		return errorPayload("tool not allowed: " + call.Name)
	}

	if err := ValidateArguments(def, call.Arguments); err != nil {
		return errorPayload(err.Error())
	}

	execCtx := ctx
	if e.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.config.ExecutionTimeout)
		defer cancel()
	}

	out, err := def.Call(execCtx, call.Arguments)
	if err != nil {
		log.Debug().Err(err).Str("tool_name", call.Name).Msg("tool call failed")
		return errorPayload(errors.Wrapf(err, "error executing tool '%s'", call.Name).Error())
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return errorPayload(errors.Wrapf(err, "could not serialize result of tool '%s'", call.Name).Error())
	}
	return payload
}

// ValidateArguments checks args against the definition's parameter schema.
func ValidateArguments(def *Definition, args json.RawMessage) error {
	if def.Parameters == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	schemaLoader := gojsonschema.NewGoLoader(def.Parameters)
	documentLoader := gojsonschema.NewBytesLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return errors.Wrap(err, "could not validate arguments")
	}
	if result.Valid() {
		return nil
	}

	descriptions := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descriptions = append(descriptions, desc.String())
	}
	return errors.Errorf("invalid arguments for %s: %s", def.Name, strings.Join(descriptions, "; "))
}

func errorPayload(msg string) json.RawMessage {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return json.RawMessage(`{"error":"tool execution failed"}`)
	}
	return b
}
