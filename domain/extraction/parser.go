package extraction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/emergent-company/emergent.extract/pkg/apperror"
)

// ParseOperations validates and classifies the model's JSON output. The
// payload may be a bare array or an object with an "operations" array,
// optionally wrapped in a markdown code fence. Individual operations that
// fail validation are dropped with a warning; a payload that is not valid
// JSON is fatal.
func ParseOperations(content string) (*ParsedOperations, error) {
	raw := stripCodeFence(content)

	var ops []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		var wrapper struct {
			Operations []json.RawMessage `json:"operations"`
		}
		if werr := json.Unmarshal([]byte(raw), &wrapper); werr != nil || wrapper.Operations == nil {
			return nil, apperror.ErrParse.WithMessage(
				fmt.Sprintf("LLM response is not valid JSON: %s", truncate(raw, 500)),
			).WithInternal(err)
		}
		ops = wrapper.Operations
	}

	parsed := &ParsedOperations{}
	for i, rawOp := range ops {
		var op map[string]any
		if err := json.Unmarshal(rawOp, &op); err != nil {
			parsed.warnf("operation %d is not an object, dropped", i)
			continue
		}

		kind, _ := op["operation"].(string)
		if kind == "" {
			kind, _ = op["op"].(string)
		}

		switch strings.ToLower(kind) {
		case "create":
			parsed.appendCreate(i, op)
		case "add_relationship":
			parsed.appendRelationship(i, op)
		case "add_property":
			parsed.appendProperty(i, op)
		default:
			parsed.warnf("operation %d has unknown kind %q, dropped", i, kind)
		}
	}

	return parsed, nil
}

func (p *ParsedOperations) appendCreate(i int, op map[string]any) {
	label, ok := stringField(op, "label")
	if !ok {
		p.warnf("create %d missing label, dropped", i)
		return
	}
	entityType, ok := stringField(op, "entity_type")
	if !ok {
		p.warnf("create %d (%s) missing entity_type, dropped", i, label)
		return
	}

	create := CreateOp{Label: label, EntityType: entityType}
	create.Description, _ = stringField(op, "description")
	if create.Description == "" {
		p.warnf("create %d (%s) has no description", i, label)
	}

	if rawProps, present := op["properties"]; present {
		props, ok := rawProps.(map[string]any)
		if !ok {
			p.warnf("create %d (%s) properties is not an object, dropped", i, label)
			return
		}
		create.Properties = make(map[string]string, len(props))
		for k, v := range props {
			create.Properties[k] = fmt.Sprintf("%v", v)
		}
	}
	if len(create.Properties) < 2 {
		p.warnf("create %d (%s) has fewer than two properties", i, label)
	}

	p.Creates = append(p.Creates, create)
}

func (p *ParsedOperations) appendRelationship(i int, op map[string]any) {
	rel := RelationshipOp{}
	var ok bool
	if rel.Subject, ok = stringField(op, "subject"); !ok {
		p.warnf("add_relationship %d missing subject, dropped", i)
		return
	}
	if rel.Predicate, ok = stringField(op, "predicate"); !ok {
		p.warnf("add_relationship %d missing predicate, dropped", i)
		return
	}
	if rel.Target, ok = stringField(op, "target"); !ok {
		p.warnf("add_relationship %d missing target, dropped", i)
		return
	}

	rel.Description, _ = stringField(op, "description")
	if rel.Description == "" {
		p.warnf("add_relationship %d (%s %s %s) has no description", i, rel.Subject, rel.Predicate, rel.Target)
	}

	if raw, present := op["quote_start"]; present {
		if rel.QuoteStart, ok = raw.(string); !ok {
			p.warnf("add_relationship %d quote_start is not a string, dropped", i)
			return
		}
	}
	if raw, present := op["quote_end"]; present {
		if rel.QuoteEnd, ok = raw.(string); !ok {
			p.warnf("add_relationship %d quote_end is not a string, dropped", i)
			return
		}
	}

	p.Relationships = append(p.Relationships, rel)
}

func (p *ParsedOperations) appendProperty(i int, op map[string]any) {
	prop := PropertyOp{}
	var ok bool
	if prop.Entity, ok = stringField(op, "entity"); !ok {
		p.warnf("add_property %d missing entity, dropped", i)
		return
	}
	if prop.Key, ok = stringField(op, "key"); !ok {
		p.warnf("add_property %d missing key, dropped", i)
		return
	}
	if prop.Value, ok = stringField(op, "value"); !ok {
		p.warnf("add_property %d missing value, dropped", i)
		return
	}
	p.Properties = append(p.Properties, prop)
}

func (p *ParsedOperations) warnf(format string, args ...any) {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
}

// CollectReferencedLabels returns the union of every label appearing as a
// create target or as a subject, target, or entity in other operations.
func CollectReferencedLabels(parsed *ParsedOperations) map[string]struct{} {
	labels := make(map[string]struct{})
	for _, c := range parsed.Creates {
		labels[c.Label] = struct{}{}
	}
	for _, prop := range parsed.Properties {
		labels[prop.Entity] = struct{}{}
	}
	for _, rel := range parsed.Relationships {
		labels[rel.Subject] = struct{}{}
		labels[rel.Target] = struct{}{}
	}
	return labels
}

// Serialize renders parsed operations back to the wire shape the parser
// accepts, preserving list order.
func Serialize(parsed *ParsedOperations) (string, error) {
	ops := make([]map[string]any, 0,
		len(parsed.Creates)+len(parsed.Properties)+len(parsed.Relationships))

	for _, c := range parsed.Creates {
		op := map[string]any{
			"operation":   "create",
			"label":       c.Label,
			"entity_type": c.EntityType,
		}
		if c.Description != "" {
			op["description"] = c.Description
		}
		if len(c.Properties) > 0 {
			op["properties"] = c.Properties
		}
		ops = append(ops, op)
	}
	for _, prop := range parsed.Properties {
		ops = append(ops, map[string]any{
			"operation": "add_property",
			"entity":    prop.Entity,
			"key":       prop.Key,
			"value":     prop.Value,
		})
	}
	for _, rel := range parsed.Relationships {
		op := map[string]any{
			"operation": "add_relationship",
			"subject":   rel.Subject,
			"predicate": rel.Predicate,
			"target":    rel.Target,
		}
		if rel.Description != "" {
			op["description"] = rel.Description
		}
		if rel.QuoteStart != "" {
			op["quote_start"] = rel.QuoteStart
		}
		if rel.QuoteEnd != "" {
			op["quote_end"] = rel.QuoteEnd
		}
		ops = append(ops, op)
	}

	out, err := json.Marshal(ops)
	if err != nil {
		return "", fmt.Errorf("failed to serialize operations: %w", err)
	}
	return string(out), nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line (e.g. "json")
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func stringField(op map[string]any, key string) (string, bool) {
	v, ok := op[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
