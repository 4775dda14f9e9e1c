package procs

import (
	"github.com/sarveshkapre/clone/pkg/catalog"
	"github.com/sarveshkapre/clone/pkg/coerce"
)

// StartRequest parameterizes a launch. Repos nil means the whole catalog.
type StartRequest struct {
	ParallelRepos int             `json:"parallel_repos"`
	MaxCycles     int             `json:"max_cycles"`
	TasksPerRepo  int             `json:"tasks_per_repo"`
	Model         string          `json:"model,omitempty"`
	Repos         []catalog.Entry `json:"repos,omitempty"`
}

// Normalize applies defaults and clamps: parallelism [1,64] default 5,
// cycles [1,10000] default 30, tasks per repo [0,1000].
func (r StartRequest) Normalize() StartRequest {
	if r.ParallelRepos == 0 {
		r.ParallelRepos = 5
	}
	if r.MaxCycles == 0 {
		r.MaxCycles = 30
	}
	r.ParallelRepos = coerce.Clamp(r.ParallelRepos, 1, 64)
	r.MaxCycles = coerce.Clamp(r.MaxCycles, 1, 10000)
	r.TasksPerRepo = coerce.Clamp(r.TasksPerRepo, 0, 1000)
	return r
}

// StopRequest controls Stop. WaitSeconds zero means the default of 12.
type StopRequest struct {
	Force       bool `json:"force"`
	WaitSeconds int  `json:"wait_seconds"`
}

// NormalizeRequest controls Normalize. WaitSeconds zero means 8.
type NormalizeRequest struct {
	Force       bool `json:"force"`
	WaitSeconds int  `json:"wait_seconds"`
	KeepPGID    int  `json:"keep_pgid,omitempty"`
}

// RestartRequest stops with force and then starts with Start.
type RestartRequest struct {
	Start       StartRequest `json:"start"`
	WaitSeconds int          `json:"wait_seconds"`
}

func waitSeconds(n, def int) int {
	if n == 0 {
		n = def
	}
	return coerce.Clamp(n, 2, 30)
}

// ParseStartRequest converts a loosely typed request body, resolving the
// optional "repos" selection against entries.
func ParseStartRequest(raw map[string]interface{}, entries []catalog.Entry) (StartRequest, error) {
	req := StartRequest{
		ParallelRepos: coerce.Int(raw["parallel_repos"], 5),
		MaxCycles:     coerce.Int(raw["max_cycles"], 30),
		TasksPerRepo:  coerce.Int(raw["tasks_per_repo"], 0),
		Model:         coerce.String(raw["model"]),
	}
	selected, err := catalog.Resolve(raw["repos"], entries)
	if err != nil {
		return req.Normalize(), err
	}
	req.Repos = selected
	return req.Normalize(), nil
}

// ParseStopRequest converts a loosely typed request body. Force defaults
// to false.
func ParseStopRequest(raw map[string]interface{}) StopRequest {
	return StopRequest{
		Force:       coerce.Bool(raw["force"]),
		WaitSeconds: waitSeconds(coerce.Int(raw["wait_seconds"], 12), 12),
	}
}

// ParseNormalizeRequest converts a loosely typed request body. Force
// defaults to true.
func ParseNormalizeRequest(raw map[string]interface{}) NormalizeRequest {
	force := true
	if v, ok := raw["force"]; ok {
		force = coerce.Bool(v)
	}
	return NormalizeRequest{
		Force:       force,
		WaitSeconds: waitSeconds(coerce.Int(raw["wait_seconds"], 8), 8),
		KeepPGID:    coerce.Int(raw["keep_pgid"], 0),
	}
}

// ParseRestartRequest converts a loosely typed restart body.
func ParseRestartRequest(raw map[string]interface{}, entries []catalog.Entry) (RestartRequest, error) {
	start, err := ParseStartRequest(raw, entries)
	return RestartRequest{
		Start:       start,
		WaitSeconds: waitSeconds(coerce.Int(raw["wait_seconds"], 12), 12),
	}, err
}
