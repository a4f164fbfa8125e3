package domain

import (
	"encoding/json"
	"time"
)

// Pipeline stages in execution order.
const (
	StageAIAnalysis = "ai_analysis"
	StageCodeGen    = "code_gen"
	StageBuild      = "build"
	StageDeploy     = "deploy"
)

// Stage sub-statuses.
const (
	StageStarted   = "started"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// Stages lists pipeline stages in order.
var Stages = []string{StageAIAnalysis, StageCodeGen, StageBuild, StageDeploy}

// StageIndex returns the position of stage in the pipeline or -1.
func StageIndex(stage string) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return -1
}

// BuildStageEvent is an immutable record of one stage transition.
type BuildStageEvent struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	BuildID   string          `json:"build_id"`
	Sequence  int64           `json:"sequence"`
	Stage     string          `json:"stage"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LastStarted returns the stage of the most recent started event in the given
// build that has no matching completed or failed event.
func LastStarted(events []BuildStageEvent, buildID string) (string, bool) {
	open := ""
	for _, ev := range events {
		if ev.BuildID != buildID {
			continue
		}
		switch ev.Status {
		case StageStarted:
			open = ev.Stage
		case StageCompleted, StageFailed:
			if ev.Stage == open {
				open = ""
			}
		}
	}
	return open, open != ""
}
