package filestore

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"daq-writer/internal/daq"
)

// ErrMissingParameter is returned by WriteFormat when an attribute refers to
// a parameter that was never supplied.
var ErrMissingParameter = errors.New("parameter not set")

// ParametersPath is the attribute group every supplied parameter is copied to.
const ParametersPath = "/parameters"

// Format describes the metadata block written at the end of a run: which
// parameters the run needs, which attributes are derived from them, and which
// dataset aliases exist.
type Format struct {
	Parameters map[string]daq.DataType
	Attributes []Attribute
	Links      []Link
}

// Attribute is a named value attached to a path. The value is either taken
// from the parameter named by Parameter or is the literal Value.
type Attribute struct {
	Path      string
	Name      string
	Parameter string
	Value     daq.Value
}

// Link makes a dataset reachable under another path.
type Link struct {
	Path   string
	Target string
}

type formatFile struct {
	Parameters map[string]string `yaml:"parameters"`
	Attributes []struct {
		Path      string `yaml:"path"`
		Name      string `yaml:"name"`
		Parameter string `yaml:"parameter"`
		Type      string `yaml:"type"`
		Value     any    `yaml:"value"`
	} `yaml:"attributes"`
	Links []struct {
		Path   string `yaml:"path"`
		Target string `yaml:"target"`
	} `yaml:"links"`
}

// LoadFormat reads a format descriptor from a YAML file.
func LoadFormat(path string) (*Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read format file: %w", err)
	}
	format, err := ParseFormat(data)
	if err != nil {
		return nil, fmt.Errorf("format file %s: %w", path, err)
	}
	return format, nil
}

// ParseFormat parses a YAML format descriptor.
func ParseFormat(data []byte) (*Format, error) {
	var raw formatFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse format: %w", err)
	}

	format := &Format{Parameters: make(map[string]daq.DataType, len(raw.Parameters))}
	for name, typ := range raw.Parameters {
		t, err := daq.ParseDataType(typ)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		format.Parameters[name] = t
	}

	for i, a := range raw.Attributes {
		if a.Path == "" || a.Name == "" {
			return nil, fmt.Errorf("attribute %d: path and name are required", i)
		}
		attr := Attribute{Path: a.Path, Name: a.Name, Parameter: a.Parameter}
		switch {
		case a.Parameter != "" && a.Value != nil:
			return nil, fmt.Errorf("attribute %s/%s: parameter and value are exclusive", a.Path, a.Name)
		case a.Parameter != "":
			if _, ok := format.Parameters[a.Parameter]; !ok {
				return nil, fmt.Errorf("attribute %s/%s: parameter %q is not declared", a.Path, a.Name, a.Parameter)
			}
		case a.Value != nil:
			typ := a.Type
			if typ == "" {
				typ = string(daq.TypeString)
			}
			t, err := daq.ParseDataType(typ)
			if err != nil {
				return nil, fmt.Errorf("attribute %s/%s: %w", a.Path, a.Name, err)
			}
			v, err := daq.ParseValue(t, a.Value)
			if err != nil {
				return nil, fmt.Errorf("attribute %s/%s: %w", a.Path, a.Name, err)
			}
			attr.Value = v
		default:
			return nil, fmt.Errorf("attribute %s/%s: needs a parameter or a value", a.Path, a.Name)
		}
		format.Attributes = append(format.Attributes, attr)
	}

	for _, l := range raw.Links {
		if l.Path == "" || l.Target == "" {
			return nil, errors.New("link: path and target are required")
		}
		format.Links = append(format.Links, Link{Path: l.Path, Target: l.Target})
	}
	return format, nil
}

// WriteFormat writes the format block into f: every supplied parameter under
// ParametersPath, then the format's attributes and links, and flushes the
// current batch.
func WriteFormat(f *File, format *Format, params map[string]daq.Value) error {
	if f == nil || f.tx == nil {
		return ErrFileClosed
	}
	if format == nil {
		format = &Format{}
	}

	// The block is all or nothing; a failure leaves no partial rows for
	// Close to commit.
	if _, err := f.tx.Exec(`SAVEPOINT format_block`); err != nil {
		return fmt.Errorf("begin format block: %w", err)
	}
	if err := writeFormatBlock(f, format, params); err != nil {
		if _, rbErr := f.tx.Exec(`ROLLBACK TO format_block`); rbErr != nil {
			return errors.Join(err, fmt.Errorf("roll back format block: %w", rbErr))
		}
		if _, relErr := f.tx.Exec(`RELEASE format_block`); relErr != nil {
			return errors.Join(err, fmt.Errorf("release format block: %w", relErr))
		}
		return err
	}
	if _, err := f.tx.Exec(`RELEASE format_block`); err != nil {
		return fmt.Errorf("release format block: %w", err)
	}
	return f.Flush()
}

func writeFormatBlock(f *File, format *Format, params map[string]daq.Value) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := f.putAttribute(ParametersPath, name, params[name]); err != nil {
			return err
		}
	}

	for _, a := range format.Attributes {
		v := a.Value
		if a.Parameter != "" {
			p, ok := params[a.Parameter]
			if !ok {
				return fmt.Errorf("%w: %s (attribute %s/%s)", ErrMissingParameter, a.Parameter, a.Path, a.Name)
			}
			v = p
		}
		if err := f.putAttribute(a.Path, a.Name, v); err != nil {
			return err
		}
	}

	for _, l := range format.Links {
		if err := f.putLink(l.Path, l.Target); err != nil {
			return err
		}
	}
	return nil
}
