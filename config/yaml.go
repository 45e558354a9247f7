package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/CiaranWoodward/commbridge/errors"
)

// ParseYAML reads a mission file in YAML form:
//
//	global:
//	  COMMUNITY: alpha
//	  SERVERPORT: 9000
//	processes:
//	  pBridge:
//	    SHARE:
//	      - "[DEPTH] -> beta@localhost:9001 [DEPTH_A]"
//	      - "[SPEED] -> beta@localhost:9001"
//	    LOOPBACK: false
//
// A sequence value produces one entry per item, so keys that repeat in the text form are
// written as lists.
func ParseYAML(r io.Reader) (*File, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return &File{Blocks: make(map[string]Section)}, nil
		}
		return nil, err
	}
	f := &File{Blocks: make(map[string]Section)}
	if len(doc.Content) == 0 {
		return f, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: top level must be a mapping: %w", root.Line, errors.ErrInvalidConfig)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		name, body := root.Content[i], root.Content[i+1]
		switch name.Value {
		case "global":
			s, err := yamlSection(body)
			if err != nil {
				return nil, err
			}
			f.Global = s
		case "processes":
			if body.Kind != yaml.MappingNode {
				return nil, fmt.Errorf("line %d: processes must be a mapping: %w", body.Line, errors.ErrInvalidConfig)
			}
			for j := 0; j+1 < len(body.Content); j += 2 {
				s, err := yamlSection(body.Content[j+1])
				if err != nil {
					return nil, err
				}
				f.Blocks[body.Content[j].Value] = s
			}
		default:
			return nil, fmt.Errorf("line %d: unknown section %q: %w", name.Line, name.Value, errors.ErrInvalidConfig)
		}
	}
	return f, nil
}

func yamlSection(n *yaml.Node) (Section, error) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return Section{}, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of settings: %w", n.Line, errors.ErrInvalidConfig)
	}
	s := Section{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		switch value.Kind {
		case yaml.ScalarNode:
			s = append(s, Entry{Key: key.Value, Value: value.Value, Line: value.Line})
		case yaml.SequenceNode:
			for _, item := range value.Content {
				if item.Kind != yaml.ScalarNode {
					return nil, fmt.Errorf("line %d: %s items must be scalars: %w", item.Line, key.Value, errors.ErrInvalidConfig)
				}
				s = append(s, Entry{Key: key.Value, Value: item.Value, Line: item.Line})
			}
		default:
			return nil, fmt.Errorf("line %d: %s must be a scalar or a list: %w", value.Line, key.Value, errors.ErrInvalidConfig)
		}
	}
	return s, nil
}
