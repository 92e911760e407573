package jsonpatch

import (
	"errors"
	"strconv"
	"strings"
)

var (
	errPathNotFound  = errors.New("path not found")
	errIndexOOB      = errors.New("array index out of range")
	errNotContainer  = errors.New("cannot traverse into a primitive")
	errWriteOnPrim   = errors.New("cannot write into a primitive")
	errRemoveMissing = errors.New("path not found")
)

// splitPointer splits a JSON-Pointer ("" means root) into unescaped tokens.
func splitPointer(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts
}

// getAt resolves path against root and reports whether it exists.
func getAt(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, true
	}
	cur := root
	for _, t := range splitPointer(path) {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, exists := node[t]
			if !exists {
				return nil, false
			}
			cur = v
		case []interface{}:
			if t == "-" {
				return nil, false
			}
			idx, err := strconv.Atoi(t)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

type leafFunc func(container interface{}, key string) (interface{}, error)

// navigateAndApply walks all but the last token of path, invoking leaf on
// the final container/key pair, and writes the (possibly replaced)
// container back into its own parent so array insert/remove, which change
// the slice header, are observed by the caller.
func navigateAndApply(root interface{}, path string, leaf leafFunc) (interface{}, error) {
	tokens := splitPointer(path)
	if len(tokens) == 0 {
		return nil, errors.New("empty path")
	}
	return navigate(root, tokens, leaf)
}

func navigate(container interface{}, tokens []string, leaf leafFunc) (interface{}, error) {
	if len(tokens) == 1 {
		newContainer, err := leaf(container, tokens[0])
		if err != nil {
			return container, err
		}
		return newContainer, nil
	}

	t := tokens[0]
	switch node := container.(type) {
	case map[string]interface{}:
		child, exists := node[t]
		if !exists {
			return container, errPathNotFound
		}
		newChild, err := navigate(child, tokens[1:], leaf)
		if err != nil {
			return container, err
		}
		node[t] = newChild
		return node, nil
	case []interface{}:
		idx, err := strconv.Atoi(t)
		if err != nil || idx < 0 || idx >= len(node) {
			return container, errIndexOOB
		}
		newChild, err := navigate(node[idx], tokens[1:], leaf)
		if err != nil {
			return container, err
		}
		node[idx] = newChild
		return node, nil
	default:
		return container, errNotContainer
	}
}

func setLeaf(value interface{}) leafFunc {
	return func(container interface{}, key string) (interface{}, error) {
		switch node := container.(type) {
		case map[string]interface{}:
			node[key] = value
			return node, nil
		case []interface{}:
			if key == "-" {
				return append(node, value), nil
			}
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return node, errIndexOOB
			}
			node[idx] = value
			return node, nil
		default:
			return container, errWriteOnPrim
		}
	}
}

func addLeaf(value interface{}) leafFunc {
	return func(container interface{}, key string) (interface{}, error) {
		switch node := container.(type) {
		case map[string]interface{}:
			node[key] = value
			return node, nil
		case []interface{}:
			if key == "-" {
				return append(node, value), nil
			}
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx > len(node) {
				return node, errIndexOOB
			}
			out := make([]interface{}, 0, len(node)+1)
			out = append(out, node[:idx]...)
			out = append(out, value)
			out = append(out, node[idx:]...)
			return out, nil
		default:
			return container, errWriteOnPrim
		}
	}
}

func removeLeaf() leafFunc {
	return func(container interface{}, key string) (interface{}, error) {
		switch node := container.(type) {
		case map[string]interface{}:
			if _, exists := node[key]; !exists {
				return node, errRemoveMissing
			}
			delete(node, key)
			return node, nil
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return node, errIndexOOB
			}
			out := make([]interface{}, 0, len(node)-1)
			out = append(out, node[:idx]...)
			out = append(out, node[idx+1:]...)
			return out, nil
		default:
			return container, errWriteOnPrim
		}
	}
}
