package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValueType is the wire type a schema field accepts.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeNumber  ValueType = "number"
	TypeBoolean ValueType = "boolean"
	TypeObject  ValueType = "object"
	TypeArray   ValueType = "array"
	TypeAny     ValueType = "any"
)

// FieldSpec describes one field of a block schema.
type FieldSpec struct {
	Name     string
	Type     ValueType
	Required bool

	// Enum restricts string fields to a fixed set of values.
	Enum []string
}

// BlockSpec is the typed contract of a block: the config it is built with,
// the inputs it consumes and the outputs it produces.
//
// Input and output schemas list the fields the runtime checks. Extra keys
// always pass: upstream blocks may forward arbitrary data alongside the
// contract fields.
type BlockSpec struct {
	Type    BlockType
	Inputs  []FieldSpec
	Outputs []FieldSpec
	Config  []FieldSpec
}

// blockCatalog holds the built-in schema for every known block type.
var blockCatalog = map[BlockType]BlockSpec{
	BlockHTTP: {
		Type: BlockHTTP,
		Config: []FieldSpec{
			{Name: "url", Type: TypeString, Required: true},
			{Name: "method", Type: TypeString, Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
			{Name: "headers", Type: TypeObject},
			{Name: "body", Type: TypeAny},
			{Name: "timeoutSeconds", Type: TypeNumber},
		},
		Outputs: []FieldSpec{
			{Name: "status_code", Type: TypeNumber, Required: true},
			{Name: "body", Type: TypeString, Required: true},
			{Name: "headers", Type: TypeObject},
			{Name: "json", Type: TypeAny},
		},
	},
	BlockEmail: {
		Type: BlockEmail,
		Config: []FieldSpec{
			{Name: "to", Type: TypeString, Required: true},
			{Name: "subject", Type: TypeString, Required: true},
			{Name: "body", Type: TypeString, Required: true},
			{Name: "from", Type: TypeString},
		},
		Outputs: []FieldSpec{
			{Name: "sent", Type: TypeBoolean, Required: true},
			{Name: "message_id", Type: TypeString},
		},
	},
	BlockDatabase: {
		Type: BlockDatabase,
		Config: []FieldSpec{
			{Name: "operation", Type: TypeString, Required: true, Enum: []string{"query", "execute"}},
			{Name: "query", Type: TypeString, Required: true},
			{Name: "params", Type: TypeArray},
		},
		Outputs: []FieldSpec{
			{Name: "row_count", Type: TypeNumber, Required: true},
			{Name: "rows", Type: TypeArray},
		},
	},
	BlockWebhook: {
		Type: BlockWebhook,
		Config: []FieldSpec{
			{Name: "url", Type: TypeString, Required: true},
			{Name: "method", Type: TypeString, Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
			{Name: "payload", Type: TypeAny},
			{Name: "headers", Type: TypeObject},
		},
		Outputs: []FieldSpec{
			{Name: "status_code", Type: TypeNumber, Required: true},
			{Name: "response", Type: TypeString},
		},
	},
	BlockNotification: {
		Type: BlockNotification,
		Config: []FieldSpec{
			{Name: "channel", Type: TypeString, Required: true},
			{Name: "message", Type: TypeString, Required: true},
			{Name: "title", Type: TypeString},
		},
		Outputs: []FieldSpec{
			{Name: "delivered", Type: TypeBoolean, Required: true},
		},
	},
	BlockDiscord: {
		Type: BlockDiscord,
		Config: []FieldSpec{
			{Name: "webhook_url", Type: TypeString, Required: true},
			{Name: "content", Type: TypeString, Required: true},
			{Name: "username", Type: TypeString},
		},
		Outputs: []FieldSpec{
			{Name: "delivered", Type: TypeBoolean, Required: true},
			{Name: "status_code", Type: TypeNumber},
		},
	},
	BlockSchedule: {
		Type: BlockSchedule,
		Config: []FieldSpec{
			{Name: "cron", Type: TypeString},
			{Name: "timezone", Type: TypeString},
		},
		Outputs: []FieldSpec{
			{Name: "triggered_at", Type: TypeString, Required: true},
		},
	},
	BlockDelay: {
		Type: BlockDelay,
		Config: []FieldSpec{
			{Name: "durationSeconds", Type: TypeNumber, Required: true},
		},
		Outputs: []FieldSpec{
			{Name: "waited", Type: TypeNumber, Required: true},
		},
	},
	BlockCondition: {
		Type: BlockCondition,
		Config: []FieldSpec{
			{Name: "expression", Type: TypeString, Required: true},
		},
		Outputs: []FieldSpec{
			{Name: "result", Type: TypeBoolean, Required: true},
			{Name: "route", Type: TypeString, Required: true},
		},
	},
	BlockTransform: {
		Type: BlockTransform,
		Config: []FieldSpec{
			{Name: "template", Type: TypeAny},
			{Name: "pick", Type: TypeArray},
			{Name: "omit", Type: TypeArray},
		},
		Outputs: []FieldSpec{
			{Name: "result", Type: TypeAny, Required: true},
		},
	},
	BlockLLMPrompt: {
		Type: BlockLLMPrompt,
		Config: []FieldSpec{
			{Name: "prompt", Type: TypeString, Required: true},
			{Name: "provider", Type: TypeString, Enum: []string{"openai", "anthropic", "google", "mock"}},
			{Name: "model", Type: TypeString},
			{Name: "system", Type: TypeString},
			{Name: "temperature", Type: TypeNumber},
			{Name: "maxTokens", Type: TypeNumber},
		},
		Outputs: []FieldSpec{
			{Name: "text", Type: TypeString, Required: true},
			{Name: "model", Type: TypeString},
			{Name: "tokens_used", Type: TypeNumber},
		},
	},
	BlockPriceMonitor: {
		Type: BlockPriceMonitor,
		Config: []FieldSpec{
			{Name: "asset", Type: TypeString, Required: true},
			{Name: "currency", Type: TypeString},
			{Name: "threshold", Type: TypeNumber},
			{Name: "direction", Type: TypeString, Enum: []string{"above", "below"}},
			{Name: "source", Type: TypeString},
		},
		Outputs: []FieldSpec{
			{Name: "price", Type: TypeNumber, Required: true},
			{Name: "triggered", Type: TypeBoolean, Required: true},
			{Name: "asset", Type: TypeString},
		},
	},
	BlockBlockchainRead: {
		Type: BlockBlockchainRead,
		Config: []FieldSpec{
			{Name: "rpc_url", Type: TypeString, Required: true},
			{Name: "method", Type: TypeString, Required: true,
				Enum: []string{"balance", "nonce", "code", "block_number", "gas_price", "chain_id"}},
			{Name: "address", Type: TypeString},
		},
		Outputs: []FieldSpec{
			{Name: "value", Type: TypeAny, Required: true},
			{Name: "method", Type: TypeString},
		},
	},
	BlockBlockchainTransaction: {
		Type: BlockBlockchainTransaction,
		Config: []FieldSpec{
			{Name: "rpc_url", Type: TypeString, Required: true},
			{Name: "private_key", Type: TypeString, Required: true},
			{Name: "to", Type: TypeString, Required: true},
			{Name: "value", Type: TypeString, Required: true},
			{Name: "gas_limit", Type: TypeNumber},
			{Name: "chain_id", Type: TypeNumber},
			{Name: "useCircuitBreaker", Type: TypeBoolean},
			{Name: "scope", Type: TypeString},
		},
		Outputs: []FieldSpec{
			{Name: "tx_hash", Type: TypeString, Required: true},
			{Name: "nonce", Type: TypeNumber},
			{Name: "gas_price", Type: TypeString},
		},
	},
	BlockCalculator: {
		Type: BlockCalculator,
		Config: []FieldSpec{
			{Name: "operation", Type: TypeString, Required: true,
				Enum: []string{"add", "subtract", "multiply", "divide", "power", "modulo"}},
			{Name: "x", Type: TypeAny, Required: true},
			{Name: "y", Type: TypeAny, Required: true},
		},
		Outputs: []FieldSpec{
			{Name: "result", Type: TypeNumber, Required: true},
		},
	},
	BlockCustom: {
		Type: BlockCustom,
		Config: []FieldSpec{
			{Name: "kind", Type: TypeString, Required: true,
				Enum: []string{"expression", "script", "template", "condition"}},
			{Name: "source", Type: TypeString, Required: true},
			{Name: "inputs", Type: TypeArray},
		},
		Outputs: []FieldSpec{
			{Name: "result", Type: TypeAny, Required: true},
		},
	},
	BlockUnknown: {Type: BlockUnknown},
}

// SpecFor returns the schema for a block type. Unrecognized types get the
// empty BlockUnknown spec.
func SpecFor(t BlockType) BlockSpec {
	if spec, ok := blockCatalog[t]; ok {
		return spec
	}
	return blockCatalog[BlockUnknown]
}

// checkType reports whether the value satisfies the schema type.
// Numbers tolerate every numeric shape JSON decoding can produce.
func checkType(v any, t ValueType) bool {
	if v == nil {
		return t == TypeAny
	}
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

// hasTemplate reports whether a value contains an unexpanded template
// expression. Such values are type-checked only after materialization.
func hasTemplate(v any) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, "{{")
}

// checkEnum reports whether a string value is one of the allowed choices.
func checkEnum(v any, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// checkConfig validates a node's config against its block schema and
// appends a violation per failed field. Template expressions defer their
// type and enum checks to execution time.
func checkConfig(node Node, out []Violation) []Violation {
	spec := SpecFor(node.Type)
	for _, f := range spec.Config {
		v, present := node.Config[f.Name]
		if !present {
			if f.Required {
				out = append(out, Violation{
					Kind:   ViolationMissingConfig,
					NodeID: node.ID,
					Field:  f.Name,
				})
			}
			continue
		}
		if hasTemplate(v) {
			continue
		}
		if !checkType(v, f.Type) {
			out = append(out, Violation{
				Kind:   ViolationConfigInvalid,
				NodeID: node.ID,
				Field:  f.Name,
				Reason: fmt.Sprintf("expected %s, got %T", f.Type, v),
			})
			continue
		}
		if !checkEnum(v, f.Enum) {
			out = append(out, Violation{
				Kind:   ViolationConfigInvalid,
				NodeID: node.ID,
				Field:  f.Name,
				Reason: fmt.Sprintf("must be one of %s", strings.Join(f.Enum, ", ")),
			})
		}
	}
	return out
}

// checkInputs verifies the materialized config and inputs carry every
// required field with an acceptable type. Problems here are the workflow
// author's fault and classify as CONFIG, never retried.
func checkInputs(nodeID string, fields []FieldSpec, values map[string]any) *Error {
	for _, f := range fields {
		v, present := values[f.Name]
		if !present {
			if f.Required {
				return ConfigError(nodeID, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if !checkType(v, f.Type) {
			return ConfigError(nodeID, fmt.Sprintf("field %q: expected %s, got %T", f.Name, f.Type, v))
		}
		if !checkEnum(v, f.Enum) {
			return ConfigError(nodeID, fmt.Sprintf("field %q: must be one of %s", f.Name, strings.Join(f.Enum, ", ")))
		}
	}
	return nil
}

// checkOutputs verifies a handler produced every required output with the
// right type. Problems here are the handler's fault and classify as
// VALIDATION, never retried.
func checkOutputs(nodeID string, fields []FieldSpec, values map[string]any) *Error {
	for _, f := range fields {
		v, present := values[f.Name]
		if !present {
			if f.Required {
				return &Error{
					Kind:    FailValidation,
					NodeID:  nodeID,
					Message: fmt.Sprintf("missing required output %q", f.Name),
				}
			}
			continue
		}
		if !checkType(v, f.Type) {
			return &Error{
				Kind:    FailValidation,
				NodeID:  nodeID,
				Message: fmt.Sprintf("output %q: expected %s, got %T", f.Name, f.Type, v),
			}
		}
	}
	return nil
}
