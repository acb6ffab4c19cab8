// Package forkconfig holds the parameters that drive fork decisions and the
// list of named configurations a machine can switch between.
package forkconfig

import (
	"errors"
	"fmt"

	"forkd/internal/keystroke"
)

// Default timings in milliseconds.
const (
	DefaultVerification  = 200
	DefaultOverlap       = 100
	DefaultRepeatMax     = 80
	DefaultClearInterval = 0
	DefaultDebug         = 1
)

// Param selects a configurable value. The numbering is part of the
// configuration protocol.
type Param uint8

const (
	ParamHistorySize Param = iota
	ParamOverlap
	ParamVerification
	ParamRepeatMax
	ParamConsiderForks
	ParamKeyFork
	ParamKeyRepeatable
	ParamDebug
	ParamSwitch
	ParamClone
	ParamClearInterval
	ParamServerDump
	ParamClientDump
)

var paramNames = map[Param]string{
	ParamHistorySize:   "history-size",
	ParamOverlap:       "overlap",
	ParamVerification:  "verification",
	ParamRepeatMax:     "repeat-max",
	ParamConsiderForks: "consider-forks",
	ParamKeyFork:       "fork",
	ParamKeyRepeatable: "repeatable",
	ParamDebug:         "debug",
	ParamSwitch:        "switch",
	ParamClone:         "clone",
	ParamClearInterval: "clear-interval",
	ParamServerDump:    "server-dump",
	ParamClientDump:    "client-dump",
}

func (p Param) String() string {
	if name, ok := paramNames[p]; ok {
		return name
	}
	return fmt.Sprintf("param(%d)", uint8(p))
}

// ParseParam maps a name as printed by String back to a Param.
func ParseParam(name string) (Param, error) {
	for p, n := range paramNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter %q", name)
}

// Errors returned by configuration access.
var (
	ErrUnknownParam  = errors.New("forkconfig: parameter not available at this scope")
	ErrBadKeycode    = errors.New("forkconfig: keycode out of range")
	ErrNotFound      = errors.New("forkconfig: no configuration with that id")
	ErrAlreadyActive = errors.New("forkconfig: configuration already active")
)

type pair struct {
	key, twin keystroke.Keycode
}

// Config is one named set of fork parameters. Durations are milliseconds.
type Config struct {
	ID   int
	Name string

	Verification  keystroke.Time
	Overlap       keystroke.Time
	ClearInterval keystroke.Time
	RepeatMax     keystroke.Time
	ConsiderForks bool
	Debug         int

	forkTo       [keystroke.KeycodeCount]keystroke.Keycode
	repeatable   [keystroke.KeycodeCount]bool
	verification map[pair]keystroke.Time
	overlap      map[pair]keystroke.Time

	next *Config
}

// New returns a configuration with default timings and no forkable keys.
func New(name string) *Config {
	return &Config{
		Name:          name,
		Verification:  DefaultVerification,
		Overlap:       DefaultOverlap,
		ClearInterval: DefaultClearInterval,
		RepeatMax:     DefaultRepeatMax,
		ConsiderForks: true,
		Debug:         DefaultDebug,
		verification:  make(map[pair]keystroke.Time),
		overlap:       make(map[pair]keystroke.Time),
	}
}

// Clone returns a deep copy that is not linked into any store.
func (c *Config) Clone(name string) *Config {
	cp := *c
	cp.Name = name
	cp.next = nil
	cp.verification = make(map[pair]keystroke.Time, len(c.verification))
	for k, v := range c.verification {
		cp.verification[k] = v
	}
	cp.overlap = make(map[pair]keystroke.Time, len(c.overlap))
	for k, v := range c.overlap {
		cp.overlap[k] = v
	}
	return &cp
}

// Assign replaces every setting of c with those of src. c keeps its id,
// name and place in its store.
func (c *Config) Assign(src *Config) {
	id, name, next := c.ID, c.Name, c.next
	*c = *src.Clone(name)
	c.ID, c.next = id, next
}

// ForkTarget returns the keycode k forks to, or 0 if k is not forkable.
func (c *Config) ForkTarget(k keystroke.Keycode) keystroke.Keycode {
	if int(k) >= keystroke.KeycodeCount {
		return 0
	}
	return c.forkTo[k]
}

// Forkable reports whether k has a fork target.
func (c *Config) Forkable(k keystroke.Keycode) bool {
	return c.ForkTarget(k) != 0
}

// Repeatable reports whether autorepeat of a suspected k cancels the fork.
func (c *Config) Repeatable(k keystroke.Keycode) bool {
	if int(k) >= keystroke.KeycodeCount {
		return false
	}
	return c.repeatable[k]
}

// SetFork sets the fork target of k. Zero makes k plain.
func (c *Config) SetFork(k, target keystroke.Keycode) error {
	if !k.Valid() || int(target) >= keystroke.KeycodeCount {
		return ErrBadKeycode
	}
	c.forkTo[k] = target
	return nil
}

// SetRepeatable sets the repeatable flag of k.
func (c *Config) SetRepeatable(k keystroke.Keycode, on bool) error {
	if !k.Valid() {
		return ErrBadKeycode
	}
	c.repeatable[k] = on
	return nil
}

// ForkableKeys returns every key with a fork target, in keycode order.
func (c *Config) ForkableKeys() []keystroke.Keycode {
	var out []keystroke.Keycode
	for k := range c.forkTo {
		if c.forkTo[k] != 0 {
			out = append(out, keystroke.Keycode(k))
		}
	}
	return out
}

func lookup(m map[pair]keystroke.Time, key, twin keystroke.Keycode, global keystroke.Time) keystroke.Time {
	if v := m[pair{key, twin}]; v != 0 {
		return v
	}
	if v := m[pair{key, 0}]; v != 0 {
		return v
	}
	return global
}

// VerificationInterval returns how long key must be held alone before it
// forks, when twin is the key pressed after it. Zero entries fall back to
// the key default and then the global value.
func (c *Config) VerificationInterval(key, twin keystroke.Keycode) keystroke.Time {
	return lookup(c.verification, key, twin, c.Verification)
}

// OverlapTolerance returns how long twin may overlap key before key forks.
func (c *Config) OverlapTolerance(key, twin keystroke.Keycode) keystroke.Time {
	return lookup(c.overlap, key, twin, c.Overlap)
}

func setPair(m map[pair]keystroke.Time, key, twin keystroke.Keycode, v keystroke.Time) {
	if v == 0 {
		delete(m, pair{key, twin})
		return
	}
	m[pair{key, twin}] = v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get reads a parameter. The number of keys selects the scope: none for a
// global value, one for a per-key value, two for a per-pair value. Per-key
// and per-pair timings report the raw stored value, zero meaning unset.
func (c *Config) Get(p Param, keys ...keystroke.Keycode) (int, error) {
	for _, k := range keys {
		if int(k) >= keystroke.KeycodeCount {
			return 0, ErrBadKeycode
		}
	}
	switch len(keys) {
	case 0:
		switch p {
		case ParamVerification:
			return int(c.Verification), nil
		case ParamOverlap:
			return int(c.Overlap), nil
		case ParamClearInterval:
			return int(c.ClearInterval), nil
		case ParamRepeatMax:
			return int(c.RepeatMax), nil
		case ParamConsiderForks:
			return boolInt(c.ConsiderForks), nil
		case ParamDebug:
			return c.Debug, nil
		}
	case 1:
		switch p {
		case ParamKeyFork:
			return int(c.forkTo[keys[0]]), nil
		case ParamKeyRepeatable:
			return boolInt(c.repeatable[keys[0]]), nil
		}
	case 2:
		switch p {
		case ParamVerification:
			return int(c.verification[pair{keys[0], keys[1]}]), nil
		case ParamOverlap:
			return int(c.overlap[pair{keys[0], keys[1]}]), nil
		}
	}
	return 0, ErrUnknownParam
}

// Set writes a parameter; the scope rules match Get.
func (c *Config) Set(p Param, value int, keys ...keystroke.Keycode) error {
	for _, k := range keys {
		if int(k) >= keystroke.KeycodeCount {
			return ErrBadKeycode
		}
	}
	switch len(keys) {
	case 0:
		switch p {
		case ParamVerification:
			c.Verification = keystroke.Time(value)
			return nil
		case ParamOverlap:
			c.Overlap = keystroke.Time(value)
			return nil
		case ParamClearInterval:
			c.ClearInterval = keystroke.Time(value)
			return nil
		case ParamRepeatMax:
			c.RepeatMax = keystroke.Time(value)
			return nil
		case ParamConsiderForks:
			c.ConsiderForks = value != 0
			return nil
		case ParamDebug:
			c.Debug = value
			return nil
		}
	case 1:
		switch p {
		case ParamKeyFork:
			if value < 0 || value >= keystroke.KeycodeCount {
				return ErrBadKeycode
			}
			return c.SetFork(keys[0], keystroke.Keycode(value))
		case ParamKeyRepeatable:
			return c.SetRepeatable(keys[0], value != 0)
		}
	case 2:
		switch p {
		case ParamVerification:
			setPair(c.verification, keys[0], keys[1], keystroke.Time(value))
			return nil
		case ParamOverlap:
			setPair(c.overlap, keys[0], keys[1], keystroke.Time(value))
			return nil
		}
	}
	return ErrUnknownParam
}

// PairSetting is one stored per-key or per-pair timing.
type PairSetting struct {
	Key          keystroke.Keycode
	Twin         keystroke.Keycode
	Verification keystroke.Time
	Overlap      keystroke.Time
}

// Pairs returns every stored per-key and per-pair timing.
func (c *Config) Pairs() []PairSetting {
	merged := make(map[pair]*PairSetting)
	get := func(p pair) *PairSetting {
		if s, ok := merged[p]; ok {
			return s
		}
		s := &PairSetting{Key: p.key, Twin: p.twin}
		merged[p] = s
		return s
	}
	for p, v := range c.verification {
		get(p).Verification = v
	}
	for p, v := range c.overlap {
		get(p).Overlap = v
	}
	out := make([]PairSetting, 0, len(merged))
	for _, s := range merged {
		out = append(out, *s)
	}
	return out
}
