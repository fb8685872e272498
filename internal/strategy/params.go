// Package strategy defines versioned strategy parameters, session strategy
// configuration and the signal executors that turn candles into actions.
package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"trading-autopilot/internal/faults"
)

// ParamsSchemaVersion is the current Params document version.
const ParamsSchemaVersion = 1

// Algorithm selects the Params variant.
type Algorithm string

const (
	AlgoSMACrossover Algorithm = "sma_crossover"
	AlgoRSIReversion Algorithm = "rsi_reversion"
	AlgoMACDMomentum Algorithm = "macd_momentum"
)

// Algorithms lists every known variant.
var Algorithms = []Algorithm{AlgoSMACrossover, AlgoRSIReversion, AlgoMACDMomentum}

type SMACrossoverParams struct {
	FastPeriod int `json:"fast_period"`
	SlowPeriod int `json:"slow_period"`
}

type RSIReversionParams struct {
	Period     int     `json:"period"`
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
}

type MACDMomentumParams struct {
	FastPeriod   int `json:"fast_period"`
	SlowPeriod   int `json:"slow_period"`
	SignalPeriod int `json:"signal_period"`
}

// Params is a tagged union keyed by Algorithm; exactly the matching variant
// field is set.
type Params struct {
	SchemaVersion int                 `json:"schema_version"`
	Algorithm     Algorithm           `json:"algorithm"`
	SMACrossover  *SMACrossoverParams `json:"sma_crossover,omitempty"`
	RSIReversion  *RSIReversionParams `json:"rsi_reversion,omitempty"`
	MACDMomentum  *MACDMomentumParams `json:"macd_momentum,omitempty"`
}

const paramsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schema_version", "algorithm"],
  "properties": {
    "schema_version": {"const": 1},
    "algorithm": {"enum": ["sma_crossover", "rsi_reversion", "macd_momentum"]},
    "sma_crossover": {
      "type": "object",
      "required": ["fast_period", "slow_period"],
      "additionalProperties": false,
      "properties": {
        "fast_period": {"type": "integer", "minimum": 2, "maximum": 200},
        "slow_period": {"type": "integer", "minimum": 3, "maximum": 400}
      }
    },
    "rsi_reversion": {
      "type": "object",
      "required": ["period", "oversold", "overbought"],
      "additionalProperties": false,
      "properties": {
        "period": {"type": "integer", "minimum": 2, "maximum": 100},
        "oversold": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 50},
        "overbought": {"type": "number", "exclusiveMinimum": 50, "exclusiveMaximum": 100}
      }
    },
    "macd_momentum": {
      "type": "object",
      "required": ["fast_period", "slow_period", "signal_period"],
      "additionalProperties": false,
      "properties": {
        "fast_period": {"type": "integer", "minimum": 2, "maximum": 100},
        "slow_period": {"type": "integer", "minimum": 3, "maximum": 200},
        "signal_period": {"type": "integer", "minimum": 2, "maximum": 100}
      }
    }
  },
  "oneOf": [
    {"properties": {"algorithm": {"const": "sma_crossover"}}, "required": ["sma_crossover"],
     "not": {"anyOf": [{"required": ["rsi_reversion"]}, {"required": ["macd_momentum"]}]}},
    {"properties": {"algorithm": {"const": "rsi_reversion"}}, "required": ["rsi_reversion"],
     "not": {"anyOf": [{"required": ["sma_crossover"]}, {"required": ["macd_momentum"]}]}},
    {"properties": {"algorithm": {"const": "macd_momentum"}}, "required": ["macd_momentum"],
     "not": {"anyOf": [{"required": ["sma_crossover"]}, {"required": ["rsi_reversion"]}]}}
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func paramsValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("strategy_params.json", strings.NewReader(paramsSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("strategy_params.json")
	})
	return compiledSchema, schemaErr
}

// ParseParams validates a raw parameter document and decodes it.
func ParseParams(raw []byte) (Params, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Params{}, faults.Invalid("parameters", "not valid json: %v", err)
	}
	if err := validateDocument(doc); err != nil {
		return Params{}, err
	}

	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return Params{}, faults.Invalid("parameters", "decode: %v", err)
	}
	if err := p.checkRanges(); err != nil {
		return Params{}, err
	}
	return p, nil
}

func validateDocument(doc interface{}) error {
	schema, err := paramsValidator()
	if err != nil {
		return fmt.Errorf("compile params schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return faults.Invalid("parameters", "%s", flattenSchemaError(err))
	}
	return nil
}

func flattenSchemaError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}

// Validate checks the schema and the cross-field rules.
func (p Params) Validate() error {
	raw, err := json.Marshal(p)
	if err != nil {
		return faults.Invalid("parameters", "encode: %v", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return faults.Invalid("parameters", "encode: %v", err)
	}
	if err := validateDocument(doc); err != nil {
		return err
	}
	return p.checkRanges()
}

// Clone returns a copy that shares no variant pointers with p.
func (p Params) Clone() Params {
	out := p
	if p.SMACrossover != nil {
		v := *p.SMACrossover
		out.SMACrossover = &v
	}
	if p.RSIReversion != nil {
		v := *p.RSIReversion
		out.RSIReversion = &v
	}
	if p.MACDMomentum != nil {
		v := *p.MACDMomentum
		out.MACDMomentum = &v
	}
	return out
}

func (p Params) checkRanges() error {
	switch {
	case p.Algorithm == AlgoSMACrossover && p.SMACrossover != nil:
		if p.SMACrossover.FastPeriod >= p.SMACrossover.SlowPeriod {
			return faults.Invalid("sma_crossover.fast_period", "must be below slow_period")
		}
	case p.Algorithm == AlgoMACDMomentum && p.MACDMomentum != nil:
		if p.MACDMomentum.FastPeriod >= p.MACDMomentum.SlowPeriod {
			return faults.Invalid("macd_momentum.fast_period", "must be below slow_period")
		}
	}
	return nil
}

// Lookback is the number of candles the executor needs before it can emit
// a non-HOLD signal.
func (p Params) Lookback() int {
	switch {
	case p.Algorithm == AlgoSMACrossover && p.SMACrossover != nil:
		return p.SMACrossover.SlowPeriod + 2
	case p.Algorithm == AlgoRSIReversion && p.RSIReversion != nil:
		return p.RSIReversion.Period + 2
	case p.Algorithm == AlgoMACDMomentum && p.MACDMomentum != nil:
		return p.MACDMomentum.SlowPeriod + p.MACDMomentum.SignalPeriod + 2
	}
	return 0
}

// Indicators names the indicators the variant reads.
func (p Params) Indicators() []string {
	switch p.Algorithm {
	case AlgoSMACrossover:
		return []string{"sma_fast", "sma_slow"}
	case AlgoRSIReversion:
		return []string{"rsi"}
	case AlgoMACDMomentum:
		return []string{"macd", "macd_signal", "macd_hist"}
	}
	return nil
}

// Vector maps the parameters into [0,1]^4 for similarity comparisons. The
// first slot encodes the algorithm so different variants sit far apart.
func (p Params) Vector() []float64 {
	v := make([]float64, 4)
	for i, a := range Algorithms {
		if a == p.Algorithm {
			v[0] = float64(i) / float64(len(Algorithms)-1)
		}
	}
	switch {
	case p.Algorithm == AlgoSMACrossover && p.SMACrossover != nil:
		v[1] = scale(float64(p.SMACrossover.FastPeriod), 2, 200)
		v[2] = scale(float64(p.SMACrossover.SlowPeriod), 3, 400)
	case p.Algorithm == AlgoRSIReversion && p.RSIReversion != nil:
		v[1] = scale(float64(p.RSIReversion.Period), 2, 100)
		v[2] = p.RSIReversion.Oversold / 100
		v[3] = p.RSIReversion.Overbought / 100
	case p.Algorithm == AlgoMACDMomentum && p.MACDMomentum != nil:
		v[1] = scale(float64(p.MACDMomentum.FastPeriod), 2, 100)
		v[2] = scale(float64(p.MACDMomentum.SlowPeriod), 3, 200)
		v[3] = scale(float64(p.MACDMomentum.SignalPeriod), 2, 100)
	}
	return v
}

func scale(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return math.Max(0, math.Min(1, (x-lo)/(hi-lo)))
}

// DefaultParams returns a sensible parameter set for algo.
func DefaultParams(algo Algorithm) Params {
	p := Params{SchemaVersion: ParamsSchemaVersion, Algorithm: algo}
	switch algo {
	case AlgoSMACrossover:
		p.SMACrossover = &SMACrossoverParams{FastPeriod: 10, SlowPeriod: 30}
	case AlgoRSIReversion:
		p.RSIReversion = &RSIReversionParams{Period: 14, Oversold: 30, Overbought: 70}
	case AlgoMACDMomentum:
		p.MACDMomentum = &MACDMomentumParams{FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9}
	}
	return p
}
