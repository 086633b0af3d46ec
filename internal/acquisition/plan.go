package acquisition

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/sweepctl/internal/errors"
)

// Measurement types.
const (
	TypeResistance  = "Resistance"
	TypeCapacitance = "Capacitance"
)

// Parameter field names as produced by the entry front end.
const (
	FieldStart     = "Vstart"
	FieldEnd       = "Vend"
	FieldPoints    = "Points number"
	FieldPlot      = "Plot (y/n)"
	FieldSave      = "Save data table (y/n)"
	FieldFrequency = "Frequency"
	FieldACLevel   = "AC level"
	FieldAverages  = "Averages"
)

const minPoints = 2

var (
	numberPattern  = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	integerPattern = regexp.MustCompile(`^\d+$`)
	flagPattern    = regexp.MustCompile(`^[yYnN]$`)
)

type fieldKind int

const (
	kindNumber fieldKind = iota
	kindInteger
	kindFlag
)

type fieldSpec struct {
	name string
	kind fieldKind
}

var typeFields = map[string][]fieldSpec{
	TypeResistance: {
		{FieldStart, kindNumber},
		{FieldEnd, kindNumber},
		{FieldPoints, kindInteger},
		{FieldPlot, kindFlag},
		{FieldSave, kindFlag},
	},
	TypeCapacitance: {
		{FieldStart, kindNumber},
		{FieldEnd, kindNumber},
		{FieldPoints, kindInteger},
		{FieldFrequency, kindNumber},
		{FieldACLevel, kindNumber},
		{FieldPlot, kindFlag},
		{FieldSave, kindFlag},
	},
}

// FieldError identifies the parameter that failed validation.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

// SweepPlan describes one sweep. Build it with NewSweepPlan or ParsePlan;
// Validate is checked again before a run touches the instrument.
type SweepPlan struct {
	Type      string
	Start     float64
	End       float64
	Points    int
	Plot      bool
	Save      bool
	Averages  int
	Frequency float64
	ACLevel   float64
}

// NewSweepPlan returns a resistance plan with single-shot readings.
func NewSweepPlan(start, end float64, points int, plot, save bool) (SweepPlan, error) {
	p := SweepPlan{
		Type:     TypeResistance,
		Start:    start,
		End:      end,
		Points:   points,
		Plot:     plot,
		Save:     save,
		Averages: 1,
	}
	if err := p.Validate(); err != nil {
		return SweepPlan{}, err
	}

	return p, nil
}

// ParsePlan validates the raw parameter map for measType and converts it.
// Every value is re-checked even if the front end already did.
func ParsePlan(measType string, fields map[string]string) (SweepPlan, error) {
	specs, ok := typeFields[measType]
	if !ok {
		return SweepPlan{}, planErr("type", measType, "unknown measurement type")
	}

	values := make(map[string]string, len(specs))
	for _, spec := range specs {
		raw, ok := fields[spec.name]
		if !ok {
			return SweepPlan{}, planErr(spec.name, "", "missing")
		}
		raw = strings.TrimSpace(raw)
		if err := checkField(spec, raw); err != nil {
			return SweepPlan{}, err
		}
		values[spec.name] = raw
	}

	p := SweepPlan{Type: measType, Averages: 1}

	var err error
	if p.Start, err = parseNumber(FieldStart, values[FieldStart]); err != nil {
		return SweepPlan{}, err
	}
	if p.End, err = parseNumber(FieldEnd, values[FieldEnd]); err != nil {
		return SweepPlan{}, err
	}
	if p.Points, err = parseInteger(FieldPoints, values[FieldPoints]); err != nil {
		return SweepPlan{}, err
	}
	p.Plot = strings.EqualFold(values[FieldPlot], "y")
	p.Save = strings.EqualFold(values[FieldSave], "y")

	if measType == TypeCapacitance {
		if p.Frequency, err = parseNumber(FieldFrequency, values[FieldFrequency]); err != nil {
			return SweepPlan{}, err
		}
		if p.ACLevel, err = parseNumber(FieldACLevel, values[FieldACLevel]); err != nil {
			return SweepPlan{}, err
		}
	}

	if raw := strings.TrimSpace(fields[FieldAverages]); raw != "" {
		if err := checkField(fieldSpec{FieldAverages, kindInteger}, raw); err != nil {
			return SweepPlan{}, err
		}
		if p.Averages, err = parseInteger(FieldAverages, raw); err != nil {
			return SweepPlan{}, err
		}
	}

	if err := p.Validate(); err != nil {
		return SweepPlan{}, err
	}

	return p, nil
}

// Validate enforces the plan invariants.
func (p SweepPlan) Validate() error {
	if _, ok := typeFields[p.Type]; !ok {
		return planErr("type", p.Type, "unknown measurement type")
	}
	if p.Points < minPoints {
		return planErr(FieldPoints, strconv.Itoa(p.Points), "at least 2 points are required")
	}
	if !finite(p.Start) {
		return planErr(FieldStart, formatFloat(p.Start), "not a finite number")
	}
	if !finite(p.End) {
		return planErr(FieldEnd, formatFloat(p.End), "not a finite number")
	}
	if p.Averages < 1 {
		return planErr(FieldAverages, strconv.Itoa(p.Averages), "must be at least 1")
	}

	return nil
}

// Value returns the set value of step i.
func (p SweepPlan) Value(i int) float64 {
	if i == p.Points-1 {
		return p.End
	}
	return p.Start + float64(i)*(p.End-p.Start)/float64(p.Points-1)
}

// SetValues returns every set value of the sweep in order.
func (p SweepPlan) SetValues() []float64 {
	if p.Points < minPoints {
		return nil
	}

	values := make([]float64, p.Points)
	for i := range values {
		values[i] = p.Value(i)
	}

	return values
}

func checkField(spec fieldSpec, raw string) error {
	var ok bool
	switch spec.kind {
	case kindNumber:
		ok = numberPattern.MatchString(raw)
	case kindInteger:
		ok = integerPattern.MatchString(raw)
	case kindFlag:
		ok = flagPattern.MatchString(raw)
	}
	if !ok {
		return planErr(spec.name, raw, "invalid format")
	}

	return nil
}

func parseNumber(field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || !finite(v) {
		return 0, planErr(field, raw, "not a finite number")
	}
	return v, nil
}

func parseInteger(field, raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, planErr(field, raw, "not an integer")
	}
	return v, nil
}

func planErr(field, value, reason string) error {
	return errors.New().WithData(errors.ErrInvalidPlan, FieldError{
		Field:  field,
		Value:  value,
		Reason: reason,
	})
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
