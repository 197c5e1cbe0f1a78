package settings

import (
	"errors"
	"testing"

	"rrcstim/internal/model"
)

func TestEncodeConfigCoversEveryKey(t *testing.T) {
	values := EncodeConfig(model.DefaultConfig())
	keys := Keys()
	if len(values) != len(keys) {
		t.Fatalf("expected %d values, got %d", len(keys), len(values))
	}
	for _, key := range keys {
		if _, ok := values[key]; !ok {
			t.Fatalf("missing key %s", key)
		}
	}
	if values["bcl"] != 1000 || values["stim_amplitude"] != 4 || values["apd_upstrokeThreshold"] != -40 {
		t.Fatalf("unexpected default values: %+v", values)
	}
	if values["pace_recordData"] != 0 {
		t.Fatalf("record flags default off, got %f", values["pace_recordData"])
	}
}

func TestApplySettingsOverlaysValues(t *testing.T) {
	cfg, err := ApplySettings(model.DefaultConfig(), map[string]float64{
		"bcl":                    500,
		"rrc_chance":             75,
		"thresh_beatNumber":      4.0000001,
		"rrcProtocol_recordData": 1,
		"apd_upstrokeTimeout":    1,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.BCL != 500 || cfg.RRCChance != 75 || cfg.ThreshBeatNumber != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.Record.RRCProtocol || cfg.Record.Pace || !cfg.APDUpstrokeTimeout {
		t.Fatalf("unexpected flags: %+v", cfg.Record)
	}
	if cfg.StimAmplitude != 4 {
		t.Fatalf("missing keys must keep their value, got %f", cfg.StimAmplitude)
	}
}

func TestApplySettingsRejectsBadInput(t *testing.T) {
	if _, err := ApplySettings(model.DefaultConfig(), map[string]float64{"gain": 1}); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := ApplySettings(model.DefaultConfig(), map[string]float64{"bcl": 0}); !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRecordRoundTripRestoresConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.RRCAmplitude = 0.35
	cfg.Record.StimThreshold = true
	payload, err := EncodeRecord(NewRecord("cell-7", cfg))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	record, err := DecodeRecord(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	restored, err := ApplySettings(model.DefaultConfig(), record.Values)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if restored != cfg {
		t.Fatalf("restored config differs:\n got %+v\nwant %+v", restored, cfg)
	}
}

func TestDecodeRecordRejectsVersionMismatch(t *testing.T) {
	_, err := DecodeRecord([]byte(`{"schema_version":2,"codec_version":1,"name":"x","values":{}}`))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}
