package feeder

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// CalibrationTrigger selects when a feeder runs vision calibration.
type CalibrationTrigger int

const (
	// TriggerNone never calibrates; the feeder runs on its nominal geometry.
	TriggerNone CalibrationTrigger = iota
	// TriggerOnFirstUse calibrates whenever there is no vision offset.
	TriggerOnFirstUse
	// TriggerUntilConfident also calibrates after each tape feed until the
	// error statistics reach the wanted precision.
	TriggerUntilConfident
	// TriggerOnEachTapeFeed calibrates after every tape feed.
	TriggerOnEachTapeFeed
)

var triggerNames = map[CalibrationTrigger]string{
	TriggerNone:           "none",
	TriggerOnFirstUse:     "on_first_use",
	TriggerUntilConfident: "until_confident",
	TriggerOnEachTapeFeed: "on_each_tape_feed",
}

func (t CalibrationTrigger) String() string {
	if s, ok := triggerNames[t]; ok {
		return s
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// ParseCalibrationTrigger parses the names used in configuration files.
func ParseCalibrationTrigger(s string) (CalibrationTrigger, error) {
	for t, name := range triggerNames {
		if name == s {
			return t, nil
		}
	}
	return TriggerNone, fmt.Errorf("unknown calibration trigger %q", s)
}

func (t CalibrationTrigger) MarshalYAML() (interface{}, error) {
	if _, ok := triggerNames[t]; !ok {
		return nil, fmt.Errorf("unknown calibration trigger %d", int(t))
	}
	return t.String(), nil
}

func (t *CalibrationTrigger) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseCalibrationTrigger(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = parsed
	return nil
}
