package dap

import (
	"encoding/json"
	"fmt"
)

// LaunchConfig is the collection of launch request attributes recognized by the kcdap DAP implementation.
type LaunchConfig struct {
	// Required.
	// Path to the program image (.kcc or .prg) to load into the emulator.
	// If it is not an absolute path, it will be interpreted as a path
	// relative to Cwd.
	Program string `json:"program,omitempty"`

	// NoDebug is used to run the program without debugging: no address
	// map is loaded and breakpoints are never installed.
	NoDebug bool `json:"noDebug,omitempty"`

	LaunchAttachCommonConfig
}

// LaunchAttachCommonConfig is the attributes common in both launch/attach requests.
type LaunchAttachCommonConfig struct {
	// Address map written by the assembler. Defaults to the program path
	// with the extension replaced by ".map".
	MapFile string `json:"mapFile,omitempty"`

	// Automatically stop program after launch or attach.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Absolute path to the project root. Source paths in the address map
	// are relative to it. Defaults to the directory of the map file.
	Cwd string `json:"cwd,omitempty"`

	// Prefix stripped from the source paths in the address map, this is
	// the root of the filesystem the assembler ran in.
	// (Default: the map-path-prefix option of the config file)
	MapPathPrefix *string `json:"mapPathPrefix,omitempty"`
}

// AttachConfig is the collection of attach request attributes recognized by the kcdap DAP implementation.
// Attaching loads the program exactly like launching does, the emulator
// is always running already.
type AttachConfig = LaunchConfig

// unmarshalLaunchAttachArgs wraps unmarshalling of launch/attach request's
// arguments attribute. Upon unmarshal failure, it returns an error massaged
// to be suitable for end-users.
func unmarshalLaunchAttachArgs(input json.RawMessage, config interface{}) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, config); err != nil {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			// Format json.UnmarshalTypeError error string in our own way. E.g.,
			//   "json: cannot unmarshal number into Go struct field LaunchArgs.program of type string"
			//   => "cannot unmarshal number into 'program' of type string"
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, uerr.Type.String())
		}
		return err
	}
	return nil
}
