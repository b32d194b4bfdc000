package protocol

import (
	"strconv"
	"strings"
)

// Payload is a SUCCESS payload split into "|"-separated items. Items of the
// form key:value become fields; the rest are positional. The format has no
// escaping and no nesting: a value containing "|" is split, and only the
// first ":" of an item separates key from value.
type Payload struct {
	Positional []string
	Items      []Item
}

// Item is one key:value pair in wire order.
type Item struct {
	Key   string
	Value string
}

// ParsePayload splits s defensively. It never fails: malformed items are
// kept as positional text.
func ParsePayload(s string) Payload {
	var p Payload
	for _, raw := range strings.Split(s, "|") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, val, ok := strings.Cut(raw, ":")
		if !ok || strings.TrimSpace(key) == "" || looksLikePath(raw) {
			p.Positional = append(p.Positional, raw)
			continue
		}
		p.Items = append(p.Items, Item{Key: strings.TrimSpace(key), Value: strings.TrimSpace(val)})
	}
	return p
}

// looksLikePath keeps Windows drive paths ("C:\data") positional.
func looksLikePath(s string) bool {
	return len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/')
}

// Path returns the first positional item, conventionally the output
// location.
func (p Payload) Path() string {
	if len(p.Positional) == 0 {
		return ""
	}
	return p.Positional[0]
}

// Lookup returns the last value for key.
func (p Payload) Lookup(key string) (string, bool) {
	for i := len(p.Items) - 1; i >= 0; i-- {
		if p.Items[i].Key == key {
			return p.Items[i].Value, true
		}
	}
	return "", false
}

// String returns the value for key or def.
func (p Payload) String(key, def string) string {
	if v, ok := p.Lookup(key); ok {
		return v
	}
	return def
}

// Float returns the numeric value for key or def when missing or
// malformed.
func (p Payload) Float(key string, def float64) float64 {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Int returns the integer value for key or def.
func (p Payload) Int(key string, def int) int {
	v, ok := p.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- Per-command result shapes ---

// BackgroundResult is the BGACQUIRE payload:
// <outputDir>|<angle>:<exposureMs>|...
type BackgroundResult struct {
	OutputDir string
	Exposures map[float64]float64 // angle (deg) -> final exposure (ms)
}

func ParseBackgroundResult(s string) BackgroundResult {
	p := ParsePayload(s)
	res := BackgroundResult{OutputDir: p.Path(), Exposures: make(map[float64]float64)}
	for _, it := range p.Items {
		angle, err1 := strconv.ParseFloat(it.Key, 64)
		exp, err2 := strconv.ParseFloat(it.Value, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		res.Exposures[angle] = exp
	}
	return res
}

// AutofocusResult is the TESTAF / TESTADAF payload.
type AutofocusResult struct {
	InitialZ float64
	FinalZ   float64
	ZShift   float64
	Message  string
}

func ParseAutofocusResult(s string) AutofocusResult {
	p := ParsePayload(s)
	res := AutofocusResult{
		InitialZ: p.Float("initial_z", 0),
		FinalZ:   p.Float("final_z", 0),
		Message:  p.String("message", ""),
	}
	res.ZShift = p.Float("z_shift", res.FinalZ-res.InitialZ)
	return res
}

// BenchmarkResult is the AFBENCH payload.
type BenchmarkResult struct {
	ResultsDir  string
	Trials      int
	SuccessRate float64
}

func ParseBenchmarkResult(s string) BenchmarkResult {
	p := ParsePayload(s)
	return BenchmarkResult{
		ResultsDir:  p.Path(),
		Trials:      p.Int("trials", 0),
		SuccessRate: p.Float("success_rate", 0),
	}
}

// PolarizerResult is the POLCAL payload.
type PolarizerResult struct {
	ReportPath string
	Offset     float64
}

func ParsePolarizerResult(s string) PolarizerResult {
	p := ParsePayload(s)
	return PolarizerResult{ReportPath: p.Path(), Offset: p.Float("offset", 0)}
}

// BirefringenceResult is the PPMBIREF payload.
type BirefringenceResult struct {
	OutputDir    string
	OptimalAngle float64
	Contrast     float64
}

func ParseBirefringenceResult(s string) BirefringenceResult {
	p := ParsePayload(s)
	return BirefringenceResult{
		OutputDir:    p.Path(),
		OptimalAngle: p.Float("optimal_angle", 0),
		Contrast:     p.Float("contrast", 0),
	}
}

// WhiteBalanceResult is the WBSIMPLE / WBPPM payload. Per-angle entries
// are not interpreted.
type WhiteBalanceResult struct {
	OutputDir string
	R, G, B   float64
}

func ParseWhiteBalanceResult(s string) WhiteBalanceResult {
	p := ParsePayload(s)
	return WhiteBalanceResult{
		OutputDir: p.Path(),
		R:         p.Float("r", 0),
		G:         p.Float("g", 0),
		B:         p.Float("b", 0),
	}
}

// SunburstResult is the SUNBURST payload.
type SunburstResult struct {
	CalibrationPath string
	RSquared        float64
}

func ParseSunburstResult(s string) SunburstResult {
	p := ParsePayload(s)
	return SunburstResult{CalibrationPath: p.Path(), RSquared: p.Float("r_squared", 0)}
}
