package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"rrcstim/pkg/rrcstim"
)

// loadRunRequestFromConfig reads a run description. Engine parameters go
// under "values" using the persisted settings keys; booleans are accepted for
// the flag keys.
func loadRunRequestFromConfig(path string) (rrcstim.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rrcstim.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return rrcstim.RunRequest{}, err
	}

	var req rrcstim.RunRequest
	if v, ok := asString(raw["protocol"]); ok {
		req.Protocol = v
	}
	if v, ok := asString(raw["settings"]); ok {
		req.Settings = v
	}
	if v, ok := asString(raw["channel"]); ok {
		req.Channel = v
	}
	if v, ok := asFloat64(raw["period_ms"]); ok {
		req.Period = msToDuration(v)
	}
	if v, ok := asFloat64(raw["duration_ms"]); ok {
		req.Duration = msToDuration(v)
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asBool(raw["realtime"]); ok {
		req.Realtime = v
	}
	if v, ok := asBool(raw["record"]); ok {
		req.Record = v
	}
	if values, ok := raw["values"].(map[string]any); ok {
		overrides, err := valuesFromMap(values)
		if err != nil {
			return rrcstim.RunRequest{}, err
		}
		req.Overrides = overrides
	}
	return req, nil
}

func valuesFromMap(values map[string]any) (map[string]float64, error) {
	out := make(map[string]float64, len(values))
	for key, raw := range values {
		if v, ok := asFloat64(raw); ok {
			out[key] = v
			continue
		}
		if b, ok := asBool(raw); ok {
			out[key] = boolValue(b)
			continue
		}
		return nil, fmt.Errorf("value for %s must be a number or boolean", key)
	}
	return out, nil
}

func loadOrDefaultRunRequest(configPath string) (rrcstim.RunRequest, error) {
	if configPath == "" {
		return rrcstim.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return rrcstim.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

// overrideFromFlags applies explicitly set flags on top of a loaded config.
func overrideFromFlags(req *rrcstim.RunRequest, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "protocol":
			req.Protocol = v.(string)
		case "settings":
			req.Settings = v.(string)
		case "channel":
			req.Channel = v.(string)
		case "period-ms":
			req.Period = msToDuration(v.(float64))
		case "duration-ms":
			req.Duration = msToDuration(v.(float64))
		case "seed":
			req.Seed = v.(int64)
		case "realtime":
			req.Realtime = v.(bool)
		case "record":
			req.Record = v.(bool)
		case "set":
			if req.Overrides == nil {
				req.Overrides = make(map[string]float64)
			}
			for key, value := range v.(assignments) {
				req.Overrides[key] = value
			}
		}
	}
}

// assignments collects repeated -set key=value flags.
type assignments map[string]float64

func (a assignments) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatFloat(a[k], 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

func (a assignments) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "true", "on":
		a[key] = 1
		return nil
	case "false", "off":
		a[key] = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("value for %s: %w", key, err)
	}
	a[key] = v
	return nil
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
