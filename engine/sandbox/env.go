package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// consoleAPI exposes console.Log and console.Error to sandboxed code.
// Both return nil so they can appear inside expressions.
type consoleAPI struct {
	sink Console
}

func (c consoleAPI) Log(args ...any) any {
	if c.sink != nil {
		c.sink.Log(args...)
	}
	return nil
}

func (c consoleAPI) Error(args ...any) any {
	if c.sink != nil {
		c.sink.Error(args...)
	}
	return nil
}

// jsonAPI exposes JSON.Encode and JSON.Decode.
type jsonAPI struct{}

func (jsonAPI) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("JSON.Encode: %v", err)
	}
	return string(b), nil
}

func (jsonAPI) Decode(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("JSON.Decode: %v", err)
	}
	return v, nil
}

// mathAPI exposes a numeric helper set over float64.
type mathAPI struct{}

func (mathAPI) Abs(x float64) float64 { return math.Abs(x) }

func (mathAPI) Floor(x float64) float64 { return math.Floor(x) }

func (mathAPI) Ceil(x float64) float64 { return math.Ceil(x) }

func (mathAPI) Round(x float64) float64 { return math.Round(x) }

func (mathAPI) Min(x, y float64) float64 { return math.Min(x, y) }

func (mathAPI) Max(x, y float64) float64 { return math.Max(x, y) }

func (mathAPI) Pow(x, y float64) float64 { return math.Pow(x, y) }

func (mathAPI) Sqrt(x float64) float64 { return math.Sqrt(x) }

func (mathAPI) Random() float64 { return rand.Float64() }

// dateAPI exposes clock reads. The now function is injected so tests can
// pin time; sandboxed code never sees the function itself.
type dateAPI struct {
	now func() time.Time
}

func (d dateAPI) Now() string { return d.now().UTC().Format(time.RFC3339) }

func (d dateAPI) Unix() int64 { return d.now().Unix() }

func (d dateAPI) Format(layout string) string { return d.now().UTC().Format(layout) }
