package config

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

// Resolve turns a target definition into a validated registry target.
func (tc TargetConfig) Resolve(global GlobalOptions) (state.Target, error) {
	target := state.Target{
		Target: probe.Target{
			ID:      tc.Name,
			Address: tc.Address,
		},
		Name:     tc.Name,
		Kind:     state.KindLink,
		Group:    tc.Group,
		Interval: global.Interval,
	}

	devicesSet := false
	for _, key := range sortedKeys(tc.Options) {
		val := tc.Options[key]
		var err error
		switch key {
		case "kind":
			switch state.Kind(val) {
			case state.KindLink, state.KindDevice:
				target.Kind = state.Kind(val)
			default:
				err = fmt.Errorf("unknown kind %q", val)
			}
		case "interval":
			target.Interval, err = parsePositiveDuration(key, val)
		case "devices":
			target.DevicesInterval, err = parseDuration(key, val)
			devicesSet = true
		case "subnet":
			if _, _, perr := net.ParseCIDR(val); perr != nil {
				err = perr
			}
			target.Subnet = val
		case "ports":
			target.Ports, err = probe.ParsePorts(val)
		case "count":
			target.EchoCount, err = strconv.Atoi(val)
			if err == nil && target.EchoCount < 1 {
				err = fmt.Errorf("count must be at least 1")
			}
		case "system":
			target.SystemLocal, err = strconv.ParseBool(val)
		case "stun":
			if _, _, perr := net.SplitHostPort(val); perr != nil {
				err = perr
			}
			target.STUNServer = val
		default:
			err = fmt.Errorf("unknown option")
		}
		if err != nil {
			return state.Target{}, fmt.Errorf("%w: target %s: %s=%s: %v", ErrInvalid, tc.Name, key, val, err)
		}
	}
	if !devicesSet && target.Kind == state.KindLink {
		target.DevicesInterval = global.DevicesInterval
	}

	if err := target.Validate(); err != nil {
		return state.Target{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return target, nil
}

// ResolveTargets resolves every target and rejects duplicate names.
func (c *Config) ResolveTargets() ([]state.Target, error) {
	seen := make(map[string]struct{}, len(c.Targets))
	out := make([]state.Target, 0, len(c.Targets))
	for _, tc := range c.Targets {
		if _, dup := seen[tc.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate target name %q", ErrInvalid, tc.Name)
		}
		seen[tc.Name] = struct{}{}
		target, err := tc.Resolve(c.Global)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
