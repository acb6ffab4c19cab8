package config

import (
	"fmt"
	"sort"

	"forkd/internal/forkconfig"
	"forkd/internal/keystroke"
)

// Profile is a fork configuration as written in the file. Unset global
// timings keep the machine defaults. Keys are names ("f", "leftctrl") or
// numbers.
type Profile struct {
	Name          string `toml:"name" json:"name" yaml:"name"`
	Verification  *int   `toml:"verification_ms,omitempty" json:"verification_ms,omitempty" yaml:"verification_ms,omitempty"`
	Overlap       *int   `toml:"overlap_ms,omitempty" json:"overlap_ms,omitempty" yaml:"overlap_ms,omitempty"`
	RepeatMax     *int   `toml:"repeat_max_ms,omitempty" json:"repeat_max_ms,omitempty" yaml:"repeat_max_ms,omitempty"`
	ClearInterval *int   `toml:"clear_interval_ms,omitempty" json:"clear_interval_ms,omitempty" yaml:"clear_interval_ms,omitempty"`
	ConsiderForks *bool  `toml:"consider_forks,omitempty" json:"consider_forks,omitempty" yaml:"consider_forks,omitempty"`
	Debug         *int   `toml:"debug,omitempty" json:"debug,omitempty" yaml:"debug,omitempty"`

	Keys  []KeySetting  `toml:"keys,omitempty" json:"keys,omitempty" yaml:"keys,omitempty"`
	Pairs []PairSetting `toml:"pairs,omitempty" json:"pairs,omitempty" yaml:"pairs,omitempty"`
}

// KeySetting configures one physical key.
type KeySetting struct {
	Key        string `toml:"key" json:"key" yaml:"key"`
	Fork       string `toml:"fork,omitempty" json:"fork,omitempty" yaml:"fork,omitempty"`
	Repeatable bool   `toml:"repeatable,omitempty" json:"repeatable,omitempty" yaml:"repeatable,omitempty"`
}

// PairSetting overrides the timings of a key, or of a key followed by
// twin. An empty twin sets the key default.
type PairSetting struct {
	Key          string `toml:"key" json:"key" yaml:"key"`
	Twin         string `toml:"twin,omitempty" json:"twin,omitempty" yaml:"twin,omitempty"`
	Verification int    `toml:"verification_ms,omitempty" json:"verification_ms,omitempty" yaml:"verification_ms,omitempty"`
	Overlap      int    `toml:"overlap_ms,omitempty" json:"overlap_ms,omitempty" yaml:"overlap_ms,omitempty"`
}

func (p Profile) clone() Profile {
	cp := p
	cp.Keys = append([]KeySetting(nil), p.Keys...)
	cp.Pairs = append([]PairSetting(nil), p.Pairs...)
	return cp
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// Build turns the profile into a fork configuration.
func (p Profile) Build() (*forkconfig.Config, error) {
	c := forkconfig.New(p.Name)
	if p.Verification != nil {
		c.Verification = keystroke.Time(*p.Verification)
	}
	if p.Overlap != nil {
		c.Overlap = keystroke.Time(*p.Overlap)
	}
	if p.RepeatMax != nil {
		c.RepeatMax = keystroke.Time(*p.RepeatMax)
	}
	if p.ClearInterval != nil {
		c.ClearInterval = keystroke.Time(*p.ClearInterval)
	}
	if p.ConsiderForks != nil {
		c.ConsiderForks = *p.ConsiderForks
	}
	if p.Debug != nil {
		c.Debug = *p.Debug
	}

	for _, ks := range p.Keys {
		key, err := keystroke.ParseKeycode(ks.Key)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if ks.Fork != "" {
			target, err := keystroke.ParseKeycode(ks.Fork)
			if err != nil {
				return nil, fmt.Errorf("profile %s: key %s: %w", p.Name, ks.Key, err)
			}
			if err := c.SetFork(key, target); err != nil {
				return nil, fmt.Errorf("profile %s: key %s: %w", p.Name, ks.Key, err)
			}
		}
		if err := c.SetRepeatable(key, ks.Repeatable); err != nil {
			return nil, fmt.Errorf("profile %s: key %s: %w", p.Name, ks.Key, err)
		}
	}

	for _, ps := range p.Pairs {
		key, err := keystroke.ParseKeycode(ps.Key)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		var twin keystroke.Keycode
		if ps.Twin != "" {
			if twin, err = keystroke.ParseKeycode(ps.Twin); err != nil {
				return nil, fmt.Errorf("profile %s: %w", p.Name, err)
			}
		}
		if ps.Verification != 0 {
			if err := c.Set(forkconfig.ParamVerification, ps.Verification, key, twin); err != nil {
				return nil, fmt.Errorf("profile %s: pair %s/%s: %w", p.Name, ps.Key, ps.Twin, err)
			}
		}
		if ps.Overlap != 0 {
			if err := c.Set(forkconfig.ParamOverlap, ps.Overlap, key, twin); err != nil {
				return nil, fmt.Errorf("profile %s: pair %s/%s: %w", p.Name, ps.Key, ps.Twin, err)
			}
		}
	}
	return c, nil
}

// ProfileFrom describes c as a profile, the inverse of Build.
func ProfileFrom(c *forkconfig.Config) Profile {
	p := Profile{
		Name:          c.Name,
		Verification:  intPtr(int(c.Verification)),
		Overlap:       intPtr(int(c.Overlap)),
		RepeatMax:     intPtr(int(c.RepeatMax)),
		ClearInterval: intPtr(int(c.ClearInterval)),
		ConsiderForks: boolPtr(c.ConsiderForks),
		Debug:         intPtr(c.Debug),
	}

	seen := make(map[keystroke.Keycode]bool)
	for _, k := range c.ForkableKeys() {
		seen[k] = true
		p.Keys = append(p.Keys, KeySetting{
			Key:        keystroke.KeyName(k),
			Fork:       keystroke.KeyName(c.ForkTarget(k)),
			Repeatable: c.Repeatable(k),
		})
	}
	for k := keystroke.Keycode(1); k < keystroke.KeycodeCount; k++ {
		if !seen[k] && c.Repeatable(k) {
			p.Keys = append(p.Keys, KeySetting{Key: keystroke.KeyName(k), Repeatable: true})
		}
	}

	pairs := c.Pairs()
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Key != pairs[j].Key {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Twin < pairs[j].Twin
	})
	for _, ps := range pairs {
		setting := PairSetting{
			Key:          keystroke.KeyName(ps.Key),
			Verification: int(ps.Verification),
			Overlap:      int(ps.Overlap),
		}
		if ps.Twin != 0 {
			setting.Twin = keystroke.KeyName(ps.Twin)
		}
		p.Pairs = append(p.Pairs, setting)
	}
	return p
}

// ApplyProfiles loads the profiles of cfg into store. A profile whose name
// matches an existing configuration replaces its settings in place, keeping
// its id; any other profile is added. If cfg names an active profile that
// is not active yet, it is switched to. The caller reconsiders pending
// events afterwards.
func ApplyProfiles(store *forkconfig.Store, cfg *Config) error {
	built := make([]*forkconfig.Config, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		c, err := p.Build()
		if err != nil {
			return err
		}
		built[i] = c
	}

	for _, c := range built {
		if existing := store.FindByName(c.Name); existing != nil {
			existing.Assign(c)
			continue
		}
		store.Add(c)
	}

	if cfg.ActiveProfile == "" {
		return nil
	}
	target := store.FindByName(cfg.ActiveProfile)
	if target == nil {
		return fmt.Errorf("active profile %q: %w", cfg.ActiveProfile, forkconfig.ErrNotFound)
	}
	if target == store.Active() {
		return nil
	}
	return store.SwitchTo(target.ID)
}
