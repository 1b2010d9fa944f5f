// Package security holds the hardening helpers shared by the runtime
// surfaces: frame rate limiting for gateway connections and bounded YAML
// parsing for configuration files.
package security

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the shape of a YAML document before it is unmarshaled.
// Configuration files are small; anything that trips these limits is either
// corrupt or hostile (deeply nested or alias-expanded documents can blow up
// memory long before the decoder returns).
type YAMLLimits struct {
	MaxFileSize  int64 // bytes of raw input
	MaxDepth     int   // nesting depth
	MaxNodes     int   // total nodes, counting alias expansions
	MaxKeyLength int   // bytes per mapping key
	MaxValueSize int64 // bytes per scalar value
}

// DefaultYAMLLimits returns limits generous enough for any real config file.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  10 * 1024 * 1024,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
		MaxValueSize: 1024 * 1024,
	}
}

// SafeYAMLParser unmarshals YAML only after walking the node tree and
// checking it against the configured limits.
type SafeYAMLParser struct {
	limits YAMLLimits
}

func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// UnmarshalYAML validates data against the parser's limits and then
// unmarshals it into v.
func (p *SafeYAMLParser) UnmarshalYAML(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml input %d bytes exceeds limit %d", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return fmt.Errorf("yaml parse: %w", err)
	}

	w := &yamlWalker{limits: p.limits}
	if err := w.check(&root, 0); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

// UnmarshalYAMLFromReader reads at most MaxFileSize bytes from r and
// unmarshals them into v. Used when config arrives on stdin rather than
// from a file.
func (p *SafeYAMLParser) UnmarshalYAMLFromReader(r io.Reader, v any) error {
	// One extra byte so oversized input is detected rather than truncated.
	limited := io.LimitedReader{R: r, N: p.limits.MaxFileSize + 1}

	data, err := io.ReadAll(&limited)
	if err != nil {
		return fmt.Errorf("read yaml: %w", err)
	}
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml input exceeds limit %d bytes", p.limits.MaxFileSize)
	}

	return p.UnmarshalYAML(data, v)
}

// yamlWalker counts nodes and depth across one document. Alias targets are
// re-walked on every reference, so an anchor expanded many times charges the
// node budget each time it appears.
type yamlWalker struct {
	limits    YAMLLimits
	nodeCount int
}

func (w *yamlWalker) check(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml nesting depth %d exceeds limit %d", depth, w.limits.MaxDepth)
	}

	w.nodeCount++
	if w.nodeCount > w.limits.MaxNodes {
		return fmt.Errorf("yaml node count %d exceeds limit %d", w.nodeCount, w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.check(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("invalid yaml mapping: odd number of elements")
		}
		for i := 0; i < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml key length %d exceeds limit %d", len(key.Value), w.limits.MaxKeyLength)
			}
			if err := w.check(key, depth+1); err != nil {
				return err
			}
			if err := w.check(value, depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.check(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("yaml value size %d bytes exceeds limit %d", len(node.Value), w.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		if node.Alias != nil {
			if err := w.check(node.Alias, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}
