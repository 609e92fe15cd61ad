package contract

import "path/filepath"

// DefaultVersion is the contract version assumed when a session does not
// record one.
const DefaultVersion = "0.6.0"

// harpDevices lists the devices of a VR-foraging rig: stream name and the
// .harp directory under behavior/.
var harpDevices = []struct{ name, dir string }{
	{"HarpBehavior", "Behavior.harp"},
	{"HarpManipulator", "StepperDriver.harp"},
	{"HarpTreadmill", "Treadmill.harp"},
	{"HarpOlfactometer", "Olfactometer.harp"},
	{"HarpSniffDetector", "SniffDetector.harp"},
	{"HarpLickometer", "Lickometer.harp"},
	{"HarpClockGenerator", "ClockGenerator.harp"},
	{"HarpEnvironmentSensor", "EnvironmentSensor.harp"},
}

func harpDeviceStreams(base string) []*Stream {
	out := make([]*Stream, 0, len(harpDevices))
	for _, d := range harpDevices {
		out = append(out, &Stream{Name: d.name, Kind: KindHarpDevice, Path: filepath.Join(base, d.dir)})
	}
	return out
}

// Default returns the VR-foraging contract for the session rooted at root.
func Default(root string) *Dataset {
	behavior := filepath.Join(root, "behavior")
	logs := filepath.Join(behavior, "Logs")

	streams := harpDeviceStreams(behavior)
	streams = append(streams,
		NewCollection("HarpCommands", "Commands sent to Harp devices", harpDeviceStreams(filepath.Join(behavior, "HarpCommands"))...),
		&Stream{
			Name:        "SoftwareEvents",
			Description: "Software events generated by the workflow. The timestamps of these events are low precision and should not be used to align to physiology data.",
			Kind:        KindMapFromPaths,
			Params: Params{
				Paths:   []string{filepath.Join(behavior, "SoftwareEvents"), filepath.Join(behavior, "UpdaterEvents")},
				Include: []string{"*.json"},
				Inner:   KindSoftwareEvents,
				Index:   "timestamp",
			},
		},
		&Stream{
			Name:        "OperationControl",
			Description: "Events related with conditions and task logic computed online.",
			Kind:        KindMapFromPaths,
			Params: Params{
				Paths:   []string{filepath.Join(behavior, "OperationControl")},
				Include: []string{"*.csv"},
				Inner:   KindCSV,
				Index:   "Seconds",
			},
		},
		&Stream{
			Name:        "RendererSynchState",
			Description: "Contains information that allows the post-hoc alignment of visual stimuli to the behavior data.",
			Kind:        KindCSV,
			Path:        filepath.Join(behavior, "Renderer", "RendererSynchState.csv"),
		},
		NewCollection("Logs", "",
			&Stream{
				Name:        "Launcher",
				Description: "Contains the console log of the launcher process.",
				Kind:        KindText,
				Path:        filepath.Join(logs, "launcher.log"),
			},
			&Stream{
				Name:        "EndSession",
				Description: "A file that determines the end of the session. If the file is empty, the session is still running or it was not closed properly.",
				Kind:        KindSoftwareEvents,
				Path:        filepath.Join(logs, "endsession.json"),
			},
		),
		NewCollection("InputSchemas", "Configuration files for the behavior rig, task_logic and session.",
			&Stream{Name: "Rig", Kind: KindJSONModel, Path: filepath.Join(logs, "rig_input.json")},
			&Stream{Name: "TaskLogic", Kind: KindJSONModel, Path: filepath.Join(logs, "tasklogic_input.json")},
			&Stream{Name: "Session", Kind: KindJSONModel, Path: filepath.Join(logs, "session_input.json")},
		),
	)

	return &Dataset{
		Name:        "vr_foraging",
		Version:     DefaultVersion,
		Description: "VR foraging behavior session",
		Dir:         root,
		Root: NewCollection("Dataset", "Root of the dataset",
			NewCollection("Behavior", "Data from the Behavior modality", streams...),
		),
	}
}
