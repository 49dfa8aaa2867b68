// Package grammar implements the bind/parse/render grammar: a declared set
// of input names, an ordered list of pure codec mappings, and the logical
// name whose value becomes the grammar's output.
package grammar

import (
	"encoding/base64"
	"encoding/hex"
	"sort"
	"unicode/utf8"

	"ubl-gate/ublerr"
)

// Mapping is one ordered codec step: read logical variable From, apply
// Codec, bind the result to logical variable To.
type Mapping struct {
	From  string `json:"from" yaml:"from"`
	Codec string `json:"codec" yaml:"codec"`
	To    string `json:"to" yaml:"to"`
}

// Grammar declares the shape of one execution's input binding.
type Grammar struct {
	Inputs     map[string]*string `json:"inputs" yaml:"inputs"` // logical name -> optional default
	Mappings   []Mapping          `json:"mappings" yaml:"mappings"`
	OutputFrom string             `json:"output_from" yaml:"output_from"`
}

// Codec is a pure, deterministic, total transform over a single logical
// variable's bytes.
type Codec func(in []byte) ([]byte, error)

// Codecs is the registry of codec identifiers available to mappings.
// base64.decode is the only codec spec.md names explicitly; the rest are
// siblings in the same pure-transform family.
var Codecs = map[string]Codec{
	"base64.decode": func(in []byte) ([]byte, error) {
		out := make([]byte, base64.StdEncoding.DecodedLen(len(in)))
		n, err := base64.StdEncoding.Decode(out, in)
		if err != nil {
			return nil, ublerr.Wrap(ublerr.KindValidation, "GRAMMAR.BAD_BASE64", "invalid base64 input", err)
		}
		return out[:n], nil
	},
	"base64.encode": func(in []byte) ([]byte, error) {
		return []byte(base64.StdEncoding.EncodeToString(in)), nil
	},
	"hex.decode": func(in []byte) ([]byte, error) {
		out := make([]byte, hex.DecodedLen(len(in)))
		n, err := hex.Decode(out, in)
		if err != nil {
			return nil, ublerr.Wrap(ublerr.KindValidation, "GRAMMAR.BAD_HEX", "invalid hex input", err)
		}
		return out[:n], nil
	},
	"hex.encode": func(in []byte) ([]byte, error) {
		return []byte(hex.EncodeToString(in)), nil
	},
	"utf8.decode": func(in []byte) ([]byte, error) {
		if !isValidUTF8(in) {
			return nil, ublerr.New(ublerr.KindValidation, "GRAMMAR.BAD_UTF8", "input is not valid UTF-8")
		}
		return in, nil
	},
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// Bindings is the mutable variable environment a grammar's mappings read
// from and write to, keyed by logical name.
type Bindings map[string][]byte

// Apply runs g's mappings in order against bindings (seeded with the
// grammar's declared defaults and the caller-supplied vars), and returns
// the value bound to g.OutputFrom.
func Apply(g Grammar, vars map[string][]byte) ([]byte, error) {
	bindings := make(Bindings, len(g.Inputs)+len(vars))
	names := make([]string, 0, len(g.Inputs))
	for name := range g.Inputs {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic missing-vars enumeration order
	var missing []string
	for _, name := range names {
		if v, ok := vars[name]; ok {
			bindings[name] = v
			continue
		}
		if def := g.Inputs[name]; def != nil {
			bindings[name] = []byte(*def)
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return nil, ublerr.New(ublerr.KindValidation, "GRAMMAR.MISSING_VARS", "missing required inputs: "+joinNames(missing))
	}
	for k, v := range vars {
		if _, declared := g.Inputs[k]; !declared {
			bindings[k] = v
		}
	}

	for _, m := range g.Mappings {
		codec, ok := Codecs[m.Codec]
		if !ok {
			return nil, ublerr.New(ublerr.KindValidation, "GRAMMAR.UNKNOWN_CODEC", "unknown codec: "+m.Codec)
		}
		in, ok := bindings[m.From]
		if !ok {
			return nil, ublerr.New(ublerr.KindValidation, "GRAMMAR.MISSING_VARS", "mapping references unbound variable: "+m.From)
		}
		out, err := codec(in)
		if err != nil {
			return nil, err
		}
		bindings[m.To] = out
	}

	out, ok := bindings[g.OutputFrom]
	if !ok {
		return nil, ublerr.New(ublerr.KindValidation, "GRAMMAR.MISSING_VARS", "output_from variable never bound: "+g.OutputFrom)
	}
	return out, nil
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

