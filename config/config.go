/*
Package config loads mission files.

A mission file holds global settings followed by one block per process:

	// Community this machine belongs to
	COMMUNITY  = alpha
	SERVERHOST = localhost
	SERVERPORT = 9000

	ProcessConfig = pBridge
	{
	    SHARE = [DEPTH] -> beta@localhost:9001 [DEPTH_A]
	}

Keys are case-insensitive and may repeat; entries keep their file order. Text after // is
a comment. Files named *.yaml or *.yml are read as YAML with the same shape.
*/
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CiaranWoodward/commbridge/errors"
)

// Entry is one KEY = VALUE line
type Entry struct {
	Key   string
	Value string
	// Line is the 1-based line the entry came from
	Line int
}

// Section is an ordered list of entries
type Section []Entry

// Get returns the value of the first entry with key
func (s Section) Get(key string) (string, bool) {
	for _, e := range s {
		if strings.EqualFold(e.Key, key) {
			return e.Value, true
		}
	}
	return "", false
}

// GetDefault returns the value of key, or def when it is absent
func (s Section) GetDefault(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// All returns every entry with key, in file order
func (s Section) All(key string) []Entry {
	var out []Entry
	for _, e := range s {
		if strings.EqualFold(e.Key, key) {
			out = append(out, e)
		}
	}
	return out
}

// GetBool parses key as TRUE/FALSE (any case, or anything strconv.ParseBool accepts)
func (s Section) GetBool(key string, def bool) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def, fmt.Errorf("%s = %q: %w", key, v, errors.ErrInvalidConfig)
	}
	return b, nil
}

// GetFloat parses key as a number
func (s Section) GetFloat(key string, def float64) (float64, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s = %q: %w", key, v, errors.ErrInvalidConfig)
	}
	return f, nil
}

// GetInt parses key as an integer
func (s Section) GetInt(key string, def int) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s = %q: %w", key, v, errors.ErrInvalidConfig)
	}
	return i, nil
}

// File is a parsed mission file
type File struct {
	Path   string
	Global Section
	Blocks map[string]Section
}

// Block returns the ProcessConfig block for the named process
func (f *File) Block(name string) (Section, bool) {
	if s, ok := f.Blocks[name]; ok {
		return s, true
	}
	for n, s := range f.Blocks {
		if strings.EqualFold(n, name) {
			return s, true
		}
	}
	return nil, false
}

// Load reads a mission file, choosing the format from its extension
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("open %s", path))
	}
	defer fh.Close()

	var f *File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err = ParseYAML(fh)
	default:
		f, err = Parse(fh)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("parse %s", path))
	}
	f.Path = path
	return f, nil
}

const blockKey = "ProcessConfig"

// stripComment cuts a trailing // comment. The // must start the line or follow whitespace,
// so values such as http://host/path survive.
func stripComment(line string) string {
	for i := 0; ; {
		j := strings.Index(line[i:], "//")
		if j < 0 {
			return line
		}
		i += j
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			return line[:i]
		}
		i += 2
	}
}

// Parse reads mission file text
func Parse(r io.Reader) (*File, error) {
	f := &File{Blocks: make(map[string]Section)}
	scanner := bufio.NewScanner(r)

	var (
		block     string
		inBlock   bool
		wantBrace bool
		lineNo    int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}

		if wantBrace {
			if !strings.HasPrefix(line, "{") {
				return nil, fmt.Errorf("line %d: expected { after %s = %s: %w", lineNo, blockKey, block, errors.ErrInvalidConfig)
			}
			wantBrace = false
			inBlock = true
			line = strings.TrimSpace(line[1:])
			if line == "" {
				continue
			}
		}

		if inBlock && strings.HasPrefix(line, "}") {
			inBlock = false
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: %q is not KEY = VALUE: %w", lineNo, line, errors.ErrInvalidConfig)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key: %w", lineNo, errors.ErrInvalidConfig)
		}

		if !inBlock && strings.EqualFold(key, blockKey) {
			block = value
			// Allow "ProcessConfig = name {" on one line
			if name, ok := strings.CutSuffix(block, "{"); ok {
				block = strings.TrimSpace(name)
				inBlock = true
			} else {
				wantBrace = true
			}
			if block == "" {
				return nil, fmt.Errorf("line %d: unnamed %s: %w", lineNo, blockKey, errors.ErrInvalidConfig)
			}
			if _, ok := f.Blocks[block]; !ok {
				f.Blocks[block] = Section{}
			}
			continue
		}

		e := Entry{Key: key, Value: value, Line: lineNo}
		if inBlock {
			f.Blocks[block] = append(f.Blocks[block], e)
		} else {
			f.Global = append(f.Global, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if inBlock || wantBrace {
		return nil, fmt.Errorf("%s %s is not closed: %w", blockKey, block, errors.ErrInvalidConfig)
	}
	return f, nil
}
