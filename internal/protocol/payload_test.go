package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope("PROGRESS:5:10")
	require.NoError(t, err)
	assert.Equal(t, EnvProgress, env.Kind)
	assert.Equal(t, Progress{Current: 5, Total: 10}, env.Progress)
	assert.Empty(t, env.Payload)

	env, err = ParseEnvelope("PROGRESS:3:8:angle 90: exposure 12ms")
	require.NoError(t, err)
	assert.Equal(t, Progress{Current: 3, Total: 8}, env.Progress)
	assert.Equal(t, "angle 90: exposure 12ms", env.Payload)

	env, err = ParseEnvelope("SUCCESS:/data/out|trials:3")
	require.NoError(t, err)
	assert.Equal(t, EnvSuccess, env.Kind)
	assert.Equal(t, "/data/out|trials:3", env.Payload)
	assert.True(t, env.Kind.Terminal())

	env, err = ParseEnvelope("FAILED:SAFETY: Z would exceed limit")
	require.NoError(t, err)
	assert.Equal(t, EnvFailed, env.Kind)
	assert.Equal(t, "SAFETY: Z would exceed limit", env.Payload)

	env, err = ParseEnvelope("STAGEMOVE:move to 100,200?")
	require.NoError(t, err)
	assert.Equal(t, EnvStageMove, env.Kind)

	env, err = ParseEnvelope("STARTED:")
	require.NoError(t, err)
	assert.Equal(t, EnvStarted, env.Kind)
	assert.False(t, env.Kind.Terminal())
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	for _, s := range []string{"HELLO:world", "PROGRESS:x:y", "PROGRESS:5", ""} {
		_, err := ParseEnvelope(s)
		assert.ErrorIs(t, err, ErrProtocol, s)
	}
}

func TestParamsBuilder(t *testing.T) {
	p := NewParams().
		Set("yaml", "/cfg/scope.yml").
		Set("empty", "").
		Floats("angles", []float64{-7, 0, 7, 90}).
		Float("exposure", 12.5).
		Int("retries", 3).
		Flag("debug", true).
		Flag("quiet", false)

	assert.Equal(t, "--yaml /cfg/scope.yml --angles (-7,0,7,90) --exposure 12.5 --retries 3 --debug", p.String())

	parsed := ParseParams(p.String())
	assert.Equal(t, "/cfg/scope.yml", parsed["yaml"])
	assert.Equal(t, "(-7,0,7,90)", parsed["angles"])
	assert.Equal(t, "3", parsed["retries"])
	v, ok := parsed["debug"]
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestParsePayloadDefensive(t *testing.T) {
	p := ParsePayload(" /data/run1 | trials:5 |junk| success_rate:0.8|unknown:x|trials:6")
	assert.Equal(t, "/data/run1", p.Path())
	assert.Equal(t, []string{"/data/run1", "junk"}, p.Positional)
	assert.Equal(t, 6, p.Int("trials", 0), "last value wins")
	assert.InDelta(t, 0.8, p.Float("success_rate", 0), 1e-9)
	assert.Equal(t, 42, p.Int("missing", 42))
	assert.Equal(t, -1.0, p.Float("unknown", -1), "malformed numbers fall back")
}

func TestParsePayloadWindowsPath(t *testing.T) {
	p := ParsePayload(`C:\scans\bg|offset:1.5`)
	assert.Equal(t, `C:\scans\bg`, p.Path())
	assert.Equal(t, 1.5, p.Float("offset", 0))
}

func TestParsePayloadEmbeddedDelimiterIsSplit(t *testing.T) {
	// No escaping exists: a message containing "|" is cut at the pipe.
	r := ParseAutofocusResult("initial_z:10|final_z:12|message:ok|not really")
	assert.Equal(t, "ok", r.Message)
	assert.Equal(t, 2.0, r.ZShift)
}

func TestParseBackgroundResult(t *testing.T) {
	r := ParseBackgroundResult("/bg/2026-10-19|-7.0:21.5|0:3.25|90:1.1|note:skip")
	assert.Equal(t, "/bg/2026-10-19", r.OutputDir)
	assert.Equal(t, map[float64]float64{-7: 21.5, 0: 3.25, 90: 1.1}, r.Exposures)
}

func TestParseCommandResults(t *testing.T) {
	af := ParseAutofocusResult("initial_z:100.5|final_z:98.5|z_shift:-2|message:converged")
	assert.Equal(t, AutofocusResult{InitialZ: 100.5, FinalZ: 98.5, ZShift: -2, Message: "converged"}, af)

	b := ParseBenchmarkResult("/bench|trials:40|success_rate:0.95")
	assert.Equal(t, BenchmarkResult{ResultsDir: "/bench", Trials: 40, SuccessRate: 0.95}, b)

	pol := ParsePolarizerResult("/cal/report.csv|offset:3.75")
	assert.Equal(t, PolarizerResult{ReportPath: "/cal/report.csv", Offset: 3.75}, pol)

	bi := ParseBirefringenceResult("/biref|contrast:0.4|optimal_angle:6.5")
	assert.Equal(t, BirefringenceResult{OutputDir: "/biref", OptimalAngle: 6.5, Contrast: 0.4}, bi)

	wb := ParseWhiteBalanceResult("/wb|r:10|g:8.5|b:12|90@r:3")
	assert.Equal(t, WhiteBalanceResult{OutputDir: "/wb", R: 10, G: 8.5, B: 12}, wb)

	sb := ParseSunburstResult("/sunburst.json")
	assert.Equal(t, SunburstResult{CalibrationPath: "/sunburst.json"}, sb)
}
