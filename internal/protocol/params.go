package protocol

import (
	"strconv"
	"strings"
)

// Params builds the "--key value" parameter string of a free-form RPC.
// Keys keep insertion order; the server splits on " --".
type Params struct {
	args []string
}

// NewParams returns an empty parameter list.
func NewParams() *Params {
	return &Params{}
}

// Set appends --key value. Empty string values are skipped.
func (p *Params) Set(key, value string) *Params {
	if value == "" {
		return p
	}
	p.args = append(p.args, "--"+key, value)
	return p
}

// Flag appends a bare --key when on is true.
func (p *Params) Flag(key string, on bool) *Params {
	if on {
		p.args = append(p.args, "--"+key)
	}
	return p
}

// Float appends --key <v> using the shortest exact representation.
func (p *Params) Float(key string, v float64) *Params {
	return p.Set(key, FormatFloat(v))
}

// Int appends --key <v>.
func (p *Params) Int(key string, v int) *Params {
	return p.Set(key, strconv.Itoa(v))
}

// Floats appends --key (a,b,c). Empty lists are skipped.
func (p *Params) Floats(key string, vs []float64) *Params {
	if len(vs) == 0 {
		return p
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = FormatFloat(v)
	}
	return p.Set(key, "("+strings.Join(parts, ",")+")")
}

// String renders the parameter string.
func (p *Params) String() string {
	return strings.Join(p.args, " ")
}

// FormatFloat renders v without trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseParams splits a parameter string back into key/value pairs. Bare
// flags map to "". Used by the simulator and tests.
func ParseParams(s string) map[string]string {
	out := make(map[string]string)
	for _, chunk := range strings.Split(" "+s, " --") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		chunk = strings.TrimPrefix(chunk, "--")
		key, val, _ := strings.Cut(chunk, " ")
		out[key] = strings.TrimSpace(val)
	}
	return out
}
