package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/utils/ptr"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
)

// Policy selects how the runs of a load are placed in the window.
type Policy int

const (
	PolicyRandom Policy = iota
	PolicyPeriodic
	PolicyFixed
)

func (p Policy) String() string {
	switch p {
	case PolicyRandom:
		return "random"
	case PolicyPeriodic:
		return "periodic"
	case PolicyFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// Placement is one explicit FIXED occurrence.
type Placement struct {
	Offset         int64  // from the window start, microseconds
	TargetDuration *int64 // nil keeps the exemplar's own length
}

// Directive is a parsed run-generation directive.
type Directive struct {
	Policy         Policy
	Count          int    // random
	Period         int64  // periodic, microseconds
	TargetDuration *int64 // random and periodic
	Placements     []Placement
}

// String renders the directive back into its declarative form.
func (d Directive) String() string {
	withTarget := func(v int64, target *int64) string {
		if target == nil {
			return strconv.FormatInt(v, 10)
		}
		return fmt.Sprintf("%d:%d", v, *target)
	}
	switch d.Policy {
	case PolicyRandom:
		return "random " + withTarget(int64(d.Count), d.TargetDuration)
	case PolicyPeriodic:
		return "periodic " + withTarget(d.Period, d.TargetDuration)
	case PolicyFixed:
		parts := make([]string, len(d.Placements))
		for i, p := range d.Placements {
			parts[i] = withTarget(p.Offset, p.TargetDuration)
		}
		return "fixed " + strings.Join(parts, ",")
	}
	return d.Policy.String()
}

// ParseDirective parses "random <count>[:<dur>]", "periodic <period>[:<dur>]"
// or "fixed <offset>[:<dur>][,<offset>[:<dur>]...]".
func ParseDirective(s string) (Directive, error) {
	kind, args, _ := strings.Cut(strings.TrimSpace(s), " ")
	args = strings.TrimSpace(args)
	if args == "" {
		return Directive{}, common.NewConfigError("runs directive %q is missing its arguments", s)
	}

	switch kind {
	case "random":
		countStr, target, err := splitTarget(args)
		if err != nil {
			return Directive{}, err
		}
		count, err := strconv.Atoi(countStr)
		if err != nil || count < 0 {
			return Directive{}, common.NewConfigError("random run count %q must be a non-negative integer", countStr)
		}
		return Directive{Policy: PolicyRandom, Count: count, TargetDuration: target}, nil

	case "periodic":
		periodStr, target, err := splitTarget(args)
		if err != nil {
			return Directive{}, err
		}
		period, err := ParseDuration(periodStr)
		if err != nil {
			return Directive{}, err
		}
		if period <= 0 {
			return Directive{}, common.NewConfigError("periodic period %q must be positive", periodStr)
		}
		return Directive{Policy: PolicyPeriodic, Period: period, TargetDuration: target}, nil

	case "fixed":
		var placements []Placement
		for _, entry := range strings.Split(args, ",") {
			offsetStr, target, err := splitTarget(strings.TrimSpace(entry))
			if err != nil {
				return Directive{}, err
			}
			offset, err := ParseDuration(offsetStr)
			if err != nil {
				return Directive{}, err
			}
			if offset < 0 {
				return Directive{}, common.NewConfigError("fixed offset %q must not be negative", offsetStr)
			}
			placements = append(placements, Placement{Offset: offset, TargetDuration: target})
		}
		return Directive{Policy: PolicyFixed, Placements: placements}, nil
	}

	return Directive{}, common.NewConfigError("unsupported runs type %q, must be fixed|periodic|random", kind)
}

func splitTarget(s string) (string, *int64, error) {
	head, tail, found := strings.Cut(s, ":")
	if !found {
		return head, nil, nil
	}
	target, err := ParseDuration(tail)
	if err != nil {
		return "", nil, err
	}
	return head, ptr.To(target), nil
}

// ParseDuration parses an integer number of microseconds or a number suffixed
// with s, m or h.
func ParseDuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	if len(s) < 2 {
		return 0, common.NewConfigError("invalid duration %q", s)
	}

	unit := s[len(s)-1]
	value, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, common.WrapConfigError(err, "invalid duration %q", s)
	}
	switch unit {
	case 's':
		return int64(value * 1e6), nil
	case 'm':
		return int64(value * 1e6 * 60), nil
	case 'h':
		return int64(value * 1e6 * 60 * 60), nil
	}
	return 0, common.NewConfigError("unsupported duration unit [%c], must be s|m|h", unit)
}

// ParsePercentage turns "5%" into 0.05.
func ParsePercentage(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, "%") {
		return 0, common.NewConfigError("flex value %q must be a percentage such as 35%%", s)
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || v < 0 {
		return 0, common.NewConfigError("flex value %q must be a non-negative percentage such as 35%%", s)
	}
	return v / 100.0, nil
}
