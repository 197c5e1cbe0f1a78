package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidConfig = errors.New("invalid protocol config")

// Config holds every tunable of the stimulation engine. Amplitudes are in nA,
// durations in ms, voltages in mV and percentages in whole percent.
type Config struct {
	// Stimulus
	BCL           float64 `json:"bcl"`
	StimAmplitude float64 `json:"stim_amplitude"`
	StimLength    float64 `json:"stim_length"`
	LJP           float64 `json:"ljp"`
	Cm            float64 `json:"cm"`

	// RRC threshold search
	ThreshStartAmplitude float64 `json:"thresh_start_amplitude"`
	ThreshAmpIncrement   float64 `json:"thresh_amp_increment"`
	ThreshBeatNumber     int     `json:"thresh_beat_number"`
	ThreshAPDCutoff      int     `json:"thresh_apd_cutoff"`

	// Randomized RRC protocol
	RRCAmplitude       float64 `json:"rrc_amplitude"`
	RRCDelay           float64 `json:"rrc_delay"`
	RRCLength          int     `json:"rrc_length"`
	RRCThresholdWindow int     `json:"rrc_threshold_window"`
	RRCBeatNumber      int     `json:"rrc_beat_number"`
	RRCChance          int     `json:"rrc_chance"`
	RRCEndBeatNumber   int     `json:"rrc_end_beat_number"`

	// APD detection
	APDRepolPercent      int     `json:"apd_repol_percent"`
	APDMin               int     `json:"apd_min"`
	APDStimWindow        int     `json:"apd_stim_window"`
	APDUpstrokeThreshold float64 `json:"apd_upstroke_threshold"`
	APDUpstrokeTimeout   bool    `json:"apd_upstroke_timeout"`

	Record RecordFlags `json:"record"`
}

func DefaultConfig() Config {
	return Config{
		BCL:           1000,
		StimAmplitude: 4,
		StimLength:    1,
		LJP:           0,
		Cm:            100,

		ThreshStartAmplitude: 0,
		ThreshAmpIncrement:   0.01,
		ThreshBeatNumber:     3,
		ThreshAPDCutoff:      20,

		RRCAmplitude:       0,
		RRCDelay:           5,
		RRCLength:          0,
		RRCThresholdWindow: 10,
		RRCBeatNumber:      3,
		RRCChance:          50,
		RRCEndBeatNumber:   100,

		APDRepolPercent:      90,
		APDMin:               50,
		APDStimWindow:        4,
		APDUpstrokeThreshold: -40,
	}
}

// Validate rejects values that leave tick arithmetic undefined. Range checks
// beyond that belong to whoever collects the values from the operator.
func (c Config) Validate() error {
	switch {
	case c.BCL <= 0:
		return fmt.Errorf("%w: bcl must be > 0", ErrInvalidConfig)
	case c.StimLength < 0:
		return fmt.Errorf("%w: stim_length must be >= 0", ErrInvalidConfig)
	case c.ThreshBeatNumber <= 0:
		return fmt.Errorf("%w: thresh_beatNumber must be > 0", ErrInvalidConfig)
	case c.RRCBeatNumber <= 0:
		return fmt.Errorf("%w: rrc_beatNumber must be > 0", ErrInvalidConfig)
	case c.RRCDelay < 0 || c.RRCLength < 0:
		return fmt.Errorf("%w: rrc_delay and rrc_length must be >= 0", ErrInvalidConfig)
	case c.APDStimWindow < 0:
		return fmt.Errorf("%w: apd_stimWindow must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// ParseProtocol maps a command-line protocol name to a Protocol.
func ParseProtocol(name string) (Protocol, error) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case "pace":
		return ProtocolPace, nil
	case "stim-threshold", "stim_threshold", "stimthreshold":
		return ProtocolStimThreshold, nil
	case "rrc-threshold", "rrc_threshold", "rrcthreshold":
		return ProtocolRRCThreshold, nil
	case "rrc-protocol", "rrc_protocol", "rrcprotocol":
		return ProtocolRRCProtocol, nil
	case "idle", "":
		return ProtocolIdle, nil
	default:
		return ProtocolIdle, fmt.Errorf("unsupported protocol: %s", name)
	}
}
