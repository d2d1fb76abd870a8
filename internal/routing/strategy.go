package routing

import (
	"fmt"
	"strings"

	"lavaroute/internal/core"
)

// Strategy selects how the planner picks an outbound address.
type Strategy int

const (
	// RotateOnBan keeps one address until it is marked failing, then advances.
	RotateOnBan Strategy = iota
	// LoadBalance picks uniformly among usable addresses.
	LoadBalance
	// NanoSwitch rotates through the first block on every request.
	NanoSwitch
	// RotatingNanoSwitch is NanoSwitch with exclusion and failure tracking.
	RotatingNanoSwitch
)

var strategyNames = map[string]Strategy{
	"rotateonban":        RotateOnBan,
	"loadbalance":        LoadBalance,
	"nanoswitch":         NanoSwitch,
	"rotatingnanoswitch": RotatingNanoSwitch,
}

// ParseStrategy maps a configured strategy name onto a Strategy.
// Names are case-insensitive.
func ParseStrategy(name string) (Strategy, error) {
	s, ok := strategyNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, core.NewConfigurationError("routeplanner", name, fmt.Errorf("unknown strategy"))
	}
	return s, nil
}

func (s Strategy) String() string {
	switch s {
	case RotateOnBan:
		return "RotateOnBan"
	case LoadBalance:
		return "LoadBalance"
	case NanoSwitch:
		return "NanoSwitch"
	case RotatingNanoSwitch:
		return "RotatingNanoSwitch"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// filtersExcluded reports whether the strategy honors the exclusion set.
func (s Strategy) filtersExcluded() bool {
	return s != NanoSwitch
}

// tracksFailing reports whether the strategy records and skips failing addresses.
func (s Strategy) tracksFailing() bool {
	return s != NanoSwitch
}
