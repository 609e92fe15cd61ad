package sites

import (
	"math"

	"github.com/tidwall/gjson"
)

// Process builds one Site per ActiveSite event except the last, which may
// not have completed. Each site spans from its own event to the next.
func (p *Processor) Process() ([]Site, error) {
	sites, err := p.softwareEvents(StreamActiveSite)
	if err != nil {
		return nil, err
	}
	patches, err := p.softwareEvents(StreamActivePatch)
	if err != nil {
		return nil, err
	}
	blocks, err := p.softwareEvents(StreamBlock)
	if err != nil {
		return nil, err
	}
	rewards, err := p.softwareEvents(StreamGiveReward)
	if err != nil {
		return nil, err
	}
	var waits []event
	if _, ok := p.Source.Frame(StreamWaitRewardOutcome); ok {
		if waits, err = p.softwareEvents(StreamWaitRewardOutcome); err != nil {
			return nil, err
		}
	}

	choices, err := p.flagged(StreamPwmStart, "PwmDO2")
	if err != nil {
		return nil, err
	}
	water, err := p.flagged(StreamOutputSet, "SupplyPort0")
	if err != nil {
		return nil, err
	}
	odorOnsets, err := p.risingEdges(StreamEndValveState, "EndValve0")
	if err != nil {
		return nil, err
	}
	frictionTs, frictionCol, frictionRows, err := p.writes(StreamBrakeCurrentSetPoint, "BrakeCurrentSetPoint")
	if err != nil {
		return nil, err
	}
	channels, err := p.ChannelCount()
	if err != nil {
		return nil, err
	}

	typeCounter := map[string]int64{}
	resetTypes := func() {
		for k := range typeCounter {
			typeCounter[k] = 0
		}
	}
	for _, s := range sites {
		typeCounter[s.data.Get("label").String()] = 0
	}

	var (
		currentFriction     float64
		currentBlock        int64
		currentPatch        int64
		currentPatchInBlock int64
		currentSiteInPatch  int64
		currentSiteInBlock  int64
		out                 []Site
	)
	for i := 0; i+1 < len(sites); i++ {
		start, stop := sites[i].t, sites[i+1].t
		site := sites[i].data

		patchIdx := int64(lastAtOrBefore(patches, start))
		var patch gjson.Result
		if patchIdx >= 0 {
			patch = patches[patchIdx].data
		}
		blockIdx := int64(lastAtOrBefore(blocks, start))

		siteChoices := between(choices, start, stop)
		if len(siteChoices) > 1 {
			if err := p.fail(i, "multiple speaker choices in site interval"); err != nil {
				return nil, err
			}
		}
		siteWater := between(water, start, stop)
		if len(siteWater) > 1 {
			if err := p.fail(i, "multiple water deliveries in site interval"); err != nil {
				return nil, err
			}
		}
		siteOdor := between(odorOnsets, start, stop)

		for j, t := range frictionTs {
			if t >= start && t < stop {
				currentFriction = frictionCol.Float64(frictionRows[j])
			}
		}

		currentSiteInPatch++
		currentSiteInBlock++
		if patchIdx != currentPatch {
			currentPatch = patchIdx
			currentSiteInPatch = 0
			currentPatchInBlock++
			resetTypes()
		}
		if blockIdx != currentBlock {
			currentBlock = blockIdx
			currentPatchInBlock = 0
			currentSiteInBlock = 0
		}
		label := site.Get("label").String()
		typeCounter[label]++

		choiceTime := math.NaN()
		if len(siteChoices) > 0 {
			choiceTime = siteChoices[0]
		}

		odorOnset := math.NaN()
		spec := site.Get("odor_specification")
		switch {
		case len(siteOdor) > 0:
			odorOnset = siteOdor[0]
		case spec.Exists() && spec.Type != gjson.Null:
			early := between(odorOnsets, start-odorOnsetTolerance, start)
			if len(early) == 0 {
				if err := p.fail(i, "no odor onset found in site interval"); err != nil {
					return nil, err
				}
			} else {
				p.Log.WithField("site", i).Warn("odor onset found slightly before site interval, using site onset")
				odorOnset = start
			}
		}

		rewardOnset := math.NaN()
		siteRewards := eventsBetween(rewards, start, stop)
		if anyReward(siteRewards) {
			switch {
			case len(siteWater) == 0:
				if err := p.fail(i, "valid reward metadata found but no water delivery in site interval"); err != nil {
					return nil, err
				}
			case len(siteRewards) > 1:
				p.Log.WithField("site", i).Warn("multiple reward metadata entries in site interval, using first one")
				rewardOnset = siteWater[0]
			default:
				rewardOnset = siteWater[0]
			}
		}

		var waited *bool
		if w := eventsBetween(waits, start, stop); len(w) > 0 {
			v := w[0].data.Get("IsSuccessfulWait").Bool()
			waited = &v
		}

		conc, err := p.OdorConcentration(patch.Get("odor_specification"), channels)
		if err != nil {
			return nil, err
		}

		out = append(out, Site{
			StartTime:              start,
			StopTime:               stop,
			StartPosition:          site.Get("start_position").Float(),
			Length:                 site.Get("length").Float(),
			SiteLabel:              label,
			Friction:               currentFriction,
			PatchLabel:             patch.Get("label").String(),
			OdorConcentration:      conc,
			PatchIndex:             currentPatch,
			PatchInBlockIndex:      currentPatchInBlock,
			SiteIndex:              int64(i),
			SiteInPatchIndex:       currentSiteInPatch,
			SiteInBlockIndex:       currentSiteInBlock,
			SiteByTypeInPatchIndex: typeCounter[label] - 1,
			BlockIndex:             blockIdx,
			OdorOnsetTime:          odorOnset,
			RewardOnsetTime:        rewardOnset,
			RewardAmount:           nan(),
			RewardProbability:      nan(),
			RewardAvailable:        nan(),
			HasReward:              !math.IsNaN(rewardOnset),
			ChoiceCueTime:          choiceTime,
			HasChoice:              len(siteChoices) > 0,
			RewardDelayDuration:    rewardOnset - odorOnset,
			HasWaitedRewardDelay:   waited,
		})
	}
	return out, nil
}

// anyReward reports whether any reward event carries a non-zero amount.
// Missing amounts count as zero.
func anyReward(ev []event) bool {
	for _, e := range ev {
		if e.num != 0 && !math.IsNaN(e.num) {
			return true
		}
	}
	return false
}
