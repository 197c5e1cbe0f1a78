package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"rrcstim/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrVersionMismatch = errors.New("record version mismatch")
	ErrUnknownKey      = errors.New("unknown settings key")
)

type binding struct {
	key string
	get func(c *model.Config) float64
	set func(c *model.Config, v float64)
}

func floatField(key string, field func(c *model.Config) *float64) binding {
	return binding{
		key: key,
		get: func(c *model.Config) float64 { return *field(c) },
		set: func(c *model.Config, v float64) { *field(c) = v },
	}
}

func intField(key string, field func(c *model.Config) *int) binding {
	return binding{
		key: key,
		get: func(c *model.Config) float64 { return float64(*field(c)) },
		set: func(c *model.Config, v float64) { *field(c) = int(math.Round(v)) },
	}
}

func boolField(key string, field func(c *model.Config) *bool) binding {
	return binding{
		key: key,
		get: func(c *model.Config) float64 {
			if *field(c) {
				return 1
			}
			return 0
		},
		set: func(c *model.Config, v float64) { *field(c) = v != 0 },
	}
}

// bindings lists the persisted keys in display order.
var bindings = []binding{
	floatField("bcl", func(c *model.Config) *float64 { return &c.BCL }),
	floatField("stim_amplitude", func(c *model.Config) *float64 { return &c.StimAmplitude }),
	floatField("stim_length", func(c *model.Config) *float64 { return &c.StimLength }),
	floatField("ljp", func(c *model.Config) *float64 { return &c.LJP }),
	floatField("cm", func(c *model.Config) *float64 { return &c.Cm }),
	floatField("thresh_startAmplitude", func(c *model.Config) *float64 { return &c.ThreshStartAmplitude }),
	floatField("thresh_ampIncrement", func(c *model.Config) *float64 { return &c.ThreshAmpIncrement }),
	intField("thresh_beatNumber", func(c *model.Config) *int { return &c.ThreshBeatNumber }),
	intField("thresh_apdCutoff", func(c *model.Config) *int { return &c.ThreshAPDCutoff }),
	floatField("rrc_amplitude", func(c *model.Config) *float64 { return &c.RRCAmplitude }),
	floatField("rrc_delay", func(c *model.Config) *float64 { return &c.RRCDelay }),
	intField("rrc_length", func(c *model.Config) *int { return &c.RRCLength }),
	intField("rrc_thresholdWindow", func(c *model.Config) *int { return &c.RRCThresholdWindow }),
	intField("rrc_beatNumber", func(c *model.Config) *int { return &c.RRCBeatNumber }),
	intField("rrc_chance", func(c *model.Config) *int { return &c.RRCChance }),
	intField("rrc_endBeatNumber", func(c *model.Config) *int { return &c.RRCEndBeatNumber }),
	intField("apd_repolPercent", func(c *model.Config) *int { return &c.APDRepolPercent }),
	intField("apd_min", func(c *model.Config) *int { return &c.APDMin }),
	intField("apd_stimWindow", func(c *model.Config) *int { return &c.APDStimWindow }),
	floatField("apd_upstrokeThreshold", func(c *model.Config) *float64 { return &c.APDUpstrokeThreshold }),
	boolField("apd_upstrokeTimeout", func(c *model.Config) *bool { return &c.APDUpstrokeTimeout }),
	boolField("pace_recordData", func(c *model.Config) *bool { return &c.Record.Pace }),
	boolField("stim_recordData", func(c *model.Config) *bool { return &c.Record.StimThreshold }),
	boolField("thresh_recordData", func(c *model.Config) *bool { return &c.Record.RRCThreshold }),
	boolField("rrcProtocol_recordData", func(c *model.Config) *bool { return &c.Record.RRCProtocol }),
}

// Keys returns the persisted keys in display order.
func Keys() []string {
	keys := make([]string, 0, len(bindings))
	for _, b := range bindings {
		keys = append(keys, b.key)
	}
	return keys
}

// EncodeConfig flattens cfg into persisted key/value pairs. Booleans are 0 or 1.
func EncodeConfig(cfg model.Config) map[string]float64 {
	values := make(map[string]float64, len(bindings))
	for _, b := range bindings {
		values[b.key] = b.get(&cfg)
	}
	return values
}

// ApplySettings overlays values on cfg. Missing keys keep their current value,
// unknown keys are rejected and the result must validate.
func ApplySettings(cfg model.Config, values map[string]float64) (model.Config, error) {
	index := make(map[string]binding, len(bindings))
	for _, b := range bindings {
		index[b.key] = b
	}
	for key, value := range values {
		b, ok := index[key]
		if !ok {
			return model.Config{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return model.Config{}, fmt.Errorf("%w: %s is not finite", model.ErrInvalidConfig, key)
		}
		b.set(&cfg, value)
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// NewRecord captures cfg as a versioned record.
func NewRecord(name string, cfg model.Config) model.SettingsRecord {
	return model.SettingsRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Name:            name,
		Values:          EncodeConfig(cfg),
	}
}

func EncodeRecord(record model.SettingsRecord) ([]byte, error) {
	return json.Marshal(record)
}

func DecodeRecord(data []byte) (model.SettingsRecord, error) {
	var record model.SettingsRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.SettingsRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.SettingsRecord{}, err
	}
	return record, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func validateRecord(record model.SettingsRecord) error {
	if record.Name == "" {
		return errors.New("settings name is required")
	}
	return checkVersion(record.VersionedRecord)
}
