package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTimeoutS is the liveness timeout when a stage does not set one.
	DefaultTimeoutS = 300
	// DefaultHeartbeatIntervalS keeps several heartbeats inside every timeout window.
	DefaultHeartbeatIntervalS = 100

	// minQueueTimeout is the floor for the job queue's wall-clock ceiling.
	minQueueTimeout = 10 * time.Minute
)

// StageDefinition is the static configuration of one pipeline stage. Each
// stage is a thin configuration record; the engine itself is generic.
type StageDefinition struct {
	// Key names the stage (e.g. "scene2tech") and scopes task state,
	// event topics, and metrics labels.
	Key string `yaml:"key"`

	// Endpoint is the remote compute application path, joined to the
	// configured base URL as <base>/<endpoint>/invoke.
	Endpoint string `yaml:"endpoint"`

	// StepIDPrefix is the short tag embedded in minted step ids (e.g. "S2T").
	StepIDPrefix string `yaml:"step_id_prefix"`

	// TimeoutS is the liveness threshold used by the reaper: a running task
	// whose freshest timestamp is older than this is force-failed.
	TimeoutS int `yaml:"timeout_s"`

	// HeartbeatIntervalS is how often the execution engine refreshes
	// last_heartbeat while the remote call is in flight.
	HeartbeatIntervalS int `yaml:"heartbeat_interval_s"`

	// RequiredInputs are record fields that must be non-empty before the
	// stage can be admitted.
	RequiredInputs []string `yaml:"required_inputs"`

	// FieldMapping maps remote result keys onto record field names. Keys
	// absent or null in the result leave the record field untouched.
	FieldMapping map[string]string `yaml:"field_mapping"`

	// ArtifactRoles maps remote result keys carrying binary payloads onto
	// artifact file roles (e.g. docx_bytes -> docx).
	ArtifactRoles map[string]string `yaml:"artifact_roles"`
}

// Timeout returns the stage's liveness threshold as a duration.
func (d StageDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutS) * time.Second
}

// HeartbeatInterval returns the stage's heartbeat period as a duration.
func (d StageDefinition) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatIntervalS) * time.Second
}

// Stages is the full set of stage definitions keyed by stage key.
type Stages map[string]StageDefinition

// Get returns the definition for a stage key.
func (s Stages) Get(key string) (StageDefinition, bool) {
	d, ok := s[key]
	return d, ok
}

// Keys returns all stage keys in unspecified order.
func (s Stages) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// QueueTimeout derives the job queue's wall-clock ceiling from the stage
// timeouts. It is always at least double the largest liveness timeout, so the
// reaper detects a dead worker before the queue infrastructure would, no
// matter how individual stages are configured.
func (s Stages) QueueTimeout() time.Duration {
	maxT := time.Duration(0)
	for _, d := range s {
		if t := d.Timeout(); t > maxT {
			maxT = t
		}
	}
	if 2*maxT < minQueueTimeout {
		return minQueueTimeout
	}
	return 2 * maxT
}

// stageFile is the YAML document shape.
type stageFile struct {
	Stages []StageDefinition `yaml:"stages"`
}

// LoadStages reads and validates stage definitions from a YAML file.
func LoadStages(path string) (Stages, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage file: %w", err)
	}
	return ParseStages(raw)
}

// ParseStages parses stage definitions from YAML bytes, applying defaults and
// validating each definition.
func ParseStages(raw []byte) (Stages, error) {
	var f stageFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse stage file: %w", err)
	}
	if len(f.Stages) == 0 {
		return nil, fmt.Errorf("stage file defines no stages")
	}

	stages := make(Stages, len(f.Stages))
	prefixOwner := make(map[string]string, len(f.Stages))
	for _, d := range f.Stages {
		if d.Key == "" {
			return nil, fmt.Errorf("stage with empty key")
		}
		if _, dup := stages[d.Key]; dup {
			return nil, fmt.Errorf("duplicate stage key %q", d.Key)
		}
		if d.Endpoint == "" {
			return nil, fmt.Errorf("stage %q: endpoint is required", d.Key)
		}
		if d.StepIDPrefix == "" {
			return nil, fmt.Errorf("stage %q: step_id_prefix is required", d.Key)
		}
		// "-" separates step-id segments; a prefix containing it would make one
		// stage's artifact generation indistinguishable from another's.
		if strings.Contains(d.StepIDPrefix, "-") {
			return nil, fmt.Errorf("stage %q: step_id_prefix %q must not contain %q",
				d.Key, d.StepIDPrefix, "-")
		}
		if owner, dup := prefixOwner[d.StepIDPrefix]; dup {
			return nil, fmt.Errorf("stage %q: step_id_prefix %q already used by stage %q",
				d.Key, d.StepIDPrefix, owner)
		}
		prefixOwner[d.StepIDPrefix] = d.Key
		if d.TimeoutS == 0 {
			d.TimeoutS = DefaultTimeoutS
		}
		if d.TimeoutS < 0 {
			return nil, fmt.Errorf("stage %q: timeout_s must be positive", d.Key)
		}
		if d.HeartbeatIntervalS == 0 {
			d.HeartbeatIntervalS = DefaultHeartbeatIntervalS
		}
		if d.HeartbeatIntervalS < 0 {
			return nil, fmt.Errorf("stage %q: heartbeat_interval_s must be positive", d.Key)
		}
		if d.HeartbeatIntervalS >= d.TimeoutS {
			return nil, fmt.Errorf("stage %q: heartbeat interval %ds must be shorter than timeout %ds",
				d.Key, d.HeartbeatIntervalS, d.TimeoutS)
		}
		stages[d.Key] = d
	}
	return stages, nil
}
