package quality

const (
	LevelGood     = "good"
	LevelTooQuiet = "too-quiet"
	LevelTooLoud  = "too-loud"

	noisyFloor = -50.0
)

// MicSample is a pre-recording microphone test reading, in dBFS.
type MicSample struct {
	RMS        float64
	Peak       float64
	NoiseFloor float64
	IsClipping bool
}

type MicStatus struct {
	Level       string   `json:"level"`
	NoiseFloor  float64  `json:"noiseFloor"`
	Clipping    bool     `json:"clipping"`
	Suggestions []string `json:"suggestions"`
}

func CheckMic(s MicSample) MicStatus {
	st := MicStatus{Level: LevelGood, NoiseFloor: s.NoiseFloor, Clipping: s.IsClipping, Suggestions: []string{}}
	switch {
	case s.RMS < quietRMS:
		st.Level = LevelTooQuiet
	case s.RMS > loudRMS || s.IsClipping:
		st.Level = LevelTooLoud
	}
	if s.IsClipping {
		st.Suggestions = append(st.Suggestions, "Reduce microphone gain to prevent clipping")
	}
	if st.Level == LevelTooQuiet {
		st.Suggestions = append(st.Suggestions, "Move closer to the microphone or increase input gain")
	}
	if s.NoiseFloor > noisyFloor {
		st.Suggestions = append(st.Suggestions, "Background noise is high, find a quieter room")
	}
	return st
}
