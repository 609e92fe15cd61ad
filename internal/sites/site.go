package sites

import (
	"fmt"
	"math"

	"github.com/nucleus/nwb-capsule/internal/frame"
)

// Site is one traversed odor site with its derived trial fields. Times are
// in seconds; NaN marks an event that did not happen.
type Site struct {
	StartTime              float64
	StopTime               float64
	StartPosition          float64
	Length                 float64
	SiteLabel              string
	Friction               float64
	PatchLabel             string
	OdorConcentration      []float64
	PatchIndex             int64
	PatchInBlockIndex      int64
	SiteIndex              int64
	SiteInPatchIndex       int64
	SiteInBlockIndex       int64
	SiteByTypeInPatchIndex int64
	BlockIndex             int64
	OdorOnsetTime          float64
	RewardOnsetTime        float64
	RewardAmount           float64
	RewardProbability      float64
	RewardAvailable        float64
	HasReward              bool
	ChoiceCueTime          float64
	HasChoice              bool
	RewardDelayDuration    float64
	// HasWaitedRewardDelay is nil when no wait outcome was logged.
	HasWaitedRewardDelay *bool
}

// Frame lays sites out as a table indexed by start_time. Odor
// concentrations become one column per olfactometer channel.
func Frame(sites []Site, channels int) (*frame.Frame, error) {
	cols := []*frame.Column{
		frame.Empty("start_time", frame.Float),
		frame.Empty("stop_time", frame.Float),
		frame.Empty("start_position", frame.Float),
		frame.Empty("length", frame.Float),
		frame.Empty("site_label", frame.String),
		frame.Empty("friction", frame.Float),
		frame.Empty("patch_label", frame.String),
	}
	for c := 0; c < channels; c++ {
		cols = append(cols, frame.Empty(fmt.Sprintf("odor_concentration_%d", c), frame.Float))
	}
	cols = append(cols,
		frame.Empty("patch_index", frame.Int),
		frame.Empty("patch_in_block_index", frame.Int),
		frame.Empty("site_index", frame.Int),
		frame.Empty("site_in_patch_index", frame.Int),
		frame.Empty("site_in_block_index", frame.Int),
		frame.Empty("site_by_type_in_patch_index", frame.Int),
		frame.Empty("block_index", frame.Int),
		frame.Empty("odor_onset_time", frame.Float),
		frame.Empty("reward_onset_time", frame.Float),
		frame.Empty("reward_amount", frame.Float),
		frame.Empty("reward_probability", frame.Float),
		frame.Empty("reward_available", frame.Float),
		frame.Empty("has_reward", frame.Bool),
		frame.Empty("choice_cue_time", frame.Float),
		frame.Empty("has_choice", frame.Bool),
		frame.Empty("reward_delay_duration", frame.Float),
		frame.Empty("has_waited_reward_delay", frame.Bool),
	)

	for _, s := range sites {
		if len(s.OdorConcentration) != channels {
			return nil, fmt.Errorf("site %d has %d odor channels, want %d", s.SiteIndex, len(s.OdorConcentration), channels)
		}
		row := []any{s.StartTime, s.StopTime, s.StartPosition, s.Length, s.SiteLabel, s.Friction, s.PatchLabel}
		for _, c := range s.OdorConcentration {
			row = append(row, c)
		}
		var waited any
		if s.HasWaitedRewardDelay != nil {
			waited = *s.HasWaitedRewardDelay
		}
		row = append(row,
			s.PatchIndex, s.PatchInBlockIndex, s.SiteIndex, s.SiteInPatchIndex, s.SiteInBlockIndex,
			s.SiteByTypeInPatchIndex, s.BlockIndex, s.OdorOnsetTime, s.RewardOnsetTime,
			s.RewardAmount, s.RewardProbability, s.RewardAvailable, s.HasReward,
			s.ChoiceCueTime, s.HasChoice, s.RewardDelayDuration, waited,
		)
		for i, v := range row {
			if err := cols[i].Append(v); err != nil {
				return nil, err
			}
		}
	}
	return frame.New("start_time", cols...)
}

func nan() float64 { return math.NaN() }
