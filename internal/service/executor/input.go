package executor

import (
	"fmt"
	"strings"

	"github.com/rickbal456/fdyu-sub003/internal/domain"
	"github.com/rickbal456/fdyu-sub003/internal/provider"
)

const defaultInputPort = "input"

// reserved node data keys never forwarded to a provider.
var reservedDataKeys = map[string]struct{}{
	"api_key": {},
	"apikey":  {},
	"apiKey":  {},
	"repeat":  {},
	"model":   {},
}

// buildInput merges node data, per-run overrides and upstream results keyed
// by target port. Credentials supplied inside node data are dropped.
func buildInput(node domain.Node, overrides map[string]interface{}, upstream []domain.Edge, results map[string]string) map[string]interface{} {
	input := map[string]interface{}{}
	for k, v := range node.Data {
		if _, skip := reservedDataKeys[k]; skip {
			continue
		}
		input[k] = v
	}
	for k, v := range overrides {
		if _, skip := reservedDataKeys[k]; skip {
			continue
		}
		input[k] = v
	}
	for _, edge := range upstream {
		ref, ok := results[edge.From.Node]
		if !ok || ref == "" {
			continue
		}
		port := strings.TrimSpace(edge.To.Port)
		if port == "" {
			port = defaultInputPort
		}
		switch existing := input[port].(type) {
		case nil:
			input[port] = ref
		case []interface{}:
			input[port] = append(existing, ref)
		default:
			input[port] = []interface{}{existing, ref}
		}
	}
	return input
}

// modelFor lets a node pick a model other than its type's default.
func modelFor(node domain.Node, spec provider.NodeTypeSpec) string {
	if m, ok := node.Data["model"].(string); ok && strings.TrimSpace(m) != "" {
		return strings.TrimSpace(m)
	}
	return spec.Model
}

// runLocal computes the result of a local node synchronously.
func runLocal(node domain.Node, input map[string]interface{}, upstream []domain.Edge, results map[string]string) (string, error) {
	switch node.Type {
	case provider.NodeTrigger:
		return "", nil
	case provider.NodeTextInput:
		return stringField(input, "text", "value", "prompt"), nil
	case provider.NodeImageUpload:
		ref := stringField(input, "url", "image_url", "imageUrl", "asset")
		if ref == "" {
			return "", fmt.Errorf("image_upload node %s has no asset url", node.ID)
		}
		return ref, nil
	case provider.NodeOutput:
		for _, edge := range upstream {
			if ref := results[edge.From.Node]; ref != "" {
				return ref, nil
			}
		}
		return "", nil
	default:
		return "", fmt.Errorf("%w: %q has no local behavior", provider.ErrUnknownNodeType, node.Type)
	}
}

func stringField(input map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := input[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
