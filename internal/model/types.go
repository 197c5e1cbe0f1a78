package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Protocol identifies the dispatcher mode of an engine.
type Protocol int

const (
	ProtocolIdle Protocol = iota
	ProtocolPace
	ProtocolStimThreshold
	ProtocolRRCThreshold
	ProtocolRRCProtocol
)

func (p Protocol) String() string {
	switch p {
	case ProtocolIdle:
		return "idle"
	case ProtocolPace:
		return "pace"
	case ProtocolStimThreshold:
		return "stim-threshold"
	case ProtocolRRCThreshold:
		return "rrc-threshold"
	case ProtocolRRCProtocol:
		return "rrc-protocol"
	default:
		return "unknown"
	}
}

// Protocols lists the startable protocols in display order.
func Protocols() []Protocol {
	return []Protocol{ProtocolPace, ProtocolStimThreshold, ProtocolRRCThreshold, ProtocolRRCProtocol}
}

// Injection is the per-beat RRC injection decision of the randomized protocol.
type Injection int

const (
	InjectionSub   Injection = -1
	InjectionNone  Injection = 0
	InjectionSupra Injection = 1
)

// RecordFlags selects which protocols start the data recorder on their first step.
type RecordFlags struct {
	Pace          bool `json:"pace_record_data"`
	StimThreshold bool `json:"stim_record_data"`
	RRCThreshold  bool `json:"thresh_record_data"`
	RRCProtocol   bool `json:"rrc_protocol_record_data"`
}

// For reports whether recording is requested for the given protocol.
func (f RecordFlags) For(p Protocol) bool {
	switch p {
	case ProtocolPace:
		return f.Pace
	case ProtocolStimThreshold:
		return f.StimThreshold
	case ProtocolRRCThreshold:
		return f.RRCThreshold
	case ProtocolRRCProtocol:
		return f.RRCProtocol
	default:
		return false
	}
}

// Snapshot is the externally visible state of an engine, refreshed every step.
type Snapshot struct {
	Protocol  Protocol  `json:"protocol"`
	Time      float64   `json:"time_ms"`
	Tick      int64     `json:"tick"`
	Voltage   float64   `json:"voltage_mv"`
	Beat      float64   `json:"beat"`
	APD       float64   `json:"apd_ms"`
	Current   float64   `json:"current_a"`
	Injection Injection `json:"injection"`
	Recording bool      `json:"recording"`
}

// SettingsRecord is a named, persisted parameter set.
type SettingsRecord struct {
	VersionedRecord
	Name   string             `json:"name"`
	Values map[string]float64 `json:"values"`
}
