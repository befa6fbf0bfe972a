package storage

import (
	"encoding/json"
	"fmt"

	"tradewatch/internal/rules"
)

func encodeState(state MonitorState) (settings, rulesJSON, observations []byte, err error) {
	if settings, err = json.Marshal(state.Settings); err != nil {
		return nil, nil, nil, fmt.Errorf("encode monitor settings: %w", err)
	}
	ruleSet := state.Rules
	if ruleSet == nil {
		ruleSet = []rules.Rule{}
	}
	if rulesJSON, err = json.Marshal(ruleSet); err != nil {
		return nil, nil, nil, fmt.Errorf("encode monitor rules: %w", err)
	}
	obs := state.Observations
	if obs == nil {
		obs = []rules.Observation{}
	}
	if observations, err = json.Marshal(obs); err != nil {
		return nil, nil, nil, fmt.Errorf("encode monitor observations: %w", err)
	}
	return settings, rulesJSON, observations, nil
}

func decodeState(state *MonitorState, settings, rulesJSON, observations []byte) error {
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &state.Settings); err != nil {
			return fmt.Errorf("decode monitor settings: %w", err)
		}
	}
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &state.Rules); err != nil {
			return fmt.Errorf("decode monitor rules: %w", err)
		}
	}
	if len(observations) > 0 {
		if err := json.Unmarshal(observations, &state.Observations); err != nil {
			return fmt.Errorf("decode monitor observations: %w", err)
		}
	}
	return nil
}

func nonNilParams(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

func cloneState(state MonitorState) MonitorState {
	out := state
	out.Rules = make([]rules.Rule, len(state.Rules))
	for i, r := range state.Rules {
		out.Rules[i] = r.Clone()
	}
	out.Observations = append([]rules.Observation(nil), state.Observations...)
	return out
}

func cloneJob(job JobRecord) JobRecord {
	out := job
	out.Weekdays = append([]string(nil), job.Weekdays...)
	if job.Params != nil {
		out.Params = make(map[string]string, len(job.Params))
		for k, v := range job.Params {
			out.Params[k] = v
		}
	}
	if job.LastRun != nil {
		t := *job.LastRun
		out.LastRun = &t
	}
	if job.NextRun != nil {
		t := *job.NextRun
		out.NextRun = &t
	}
	if job.LastError != nil {
		msg := *job.LastError
		out.LastError = &msg
	}
	return out
}
