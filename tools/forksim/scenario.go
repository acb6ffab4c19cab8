package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"forkd/internal/config"
	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/keystroke"
)

// Scenario is a scripted run of the fork machine.
//
// Script lines are "<ms> <action> [operands]":
//
//	120 f down          key press (also "press")
//	250 f up            key release (also "release")
//	300 motion          pointer activity, forces a pending decision
//	310 freeze          the downstream device stops accepting events
//	400 thaw            and accepts them again
//	500 set verification 300
//	500 set fork j rightctrl
//	600 switch 1
//	900 tick            only lets time pass
//
// Expect lists the delivered events as "key press@ms".
type Scenario struct {
	Name        string         `yaml:"name" toml:"name"`
	Description string         `yaml:"description,omitempty" toml:"description,omitempty"`
	Profile     config.Profile `yaml:"profile" toml:"profile"`
	History     int            `yaml:"history,omitempty" toml:"history,omitempty"`
	Script      []string       `yaml:"script" toml:"script"`
	Expect      []string       `yaml:"expect,omitempty" toml:"expect,omitempty"`
}

// LoadScenario reads a YAML or TOML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Scenario
	switch filepath.Ext(path) {
	case ".toml":
		err = toml.Unmarshal(data, &s)
	default:
		err = yaml.Unmarshal(data, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &s, nil
}

type actionKind uint8

const (
	actKey actionKind = iota
	actMotion
	actFreeze
	actThaw
	actConfigure
	actTick
)

// Action is one parsed script line.
type Action struct {
	Time    keystroke.Time
	Kind    actionKind
	Event   keystroke.Event
	Request fork.Request
}

// ParseAction parses one script line.
func ParseAction(line string) (Action, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Action{}, fmt.Errorf("%q: want \"<ms> <action>\"", line)
	}
	ms, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || ms < 0 {
		return Action{}, fmt.Errorf("%q: bad time %q", line, fields[0])
	}
	a := Action{Time: keystroke.Time(ms)}
	args := fields[2:]

	switch fields[1] {
	case "motion":
		a.Kind = actMotion
	case "freeze":
		a.Kind = actFreeze
	case "thaw":
		a.Kind = actThaw
	case "tick":
		a.Kind = actTick
	case "switch":
		if len(args) != 1 {
			return Action{}, fmt.Errorf("%q: switch takes an id", line)
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return Action{}, fmt.Errorf("%q: bad id", line)
		}
		a.Kind = actConfigure
		a.Request = fork.Request{Param: forkconfig.ParamSwitch, Args: [3]int{id}}
	case "set":
		r, err := parseSet(args)
		if err != nil {
			return Action{}, fmt.Errorf("%q: %w", line, err)
		}
		a.Kind = actConfigure
		a.Request = r
	default:
		if len(args) != 1 {
			return Action{}, fmt.Errorf("%q: want \"<ms> <key> down|up\"", line)
		}
		code, err := keystroke.ParseKeycode(fields[1])
		if err != nil {
			return Action{}, fmt.Errorf("%q: %w", line, err)
		}
		var kind keystroke.Kind
		switch args[0] {
		case "down", "press":
			kind = keystroke.Press
		case "up", "release":
			kind = keystroke.Release
		default:
			return Action{}, fmt.Errorf("%q: unknown direction %q", line, args[0])
		}
		a.Kind = actKey
		a.Event = keystroke.Event{Kind: kind, Code: code, Time: a.Time}
	}
	return a, nil
}

// parseSet reads "param [key [twin]] value".
func parseSet(args []string) (fork.Request, error) {
	if len(args) < 2 || len(args) > 4 {
		return fork.Request{}, fmt.Errorf("set takes a parameter, up to two keys and a value")
	}
	p, err := forkconfig.ParseParam(args[0])
	if err != nil {
		return fork.Request{}, err
	}
	keys := args[1 : len(args)-1]
	r := fork.Request{Param: p, NArgs: len(keys)}
	for i, k := range keys {
		code, err := keystroke.ParseKeycode(k)
		if err != nil {
			return fork.Request{}, err
		}
		r.Args[i] = int(code)
	}

	value := args[len(args)-1]
	switch {
	case value == "on":
		r.Args[r.NArgs] = 1
	case value == "off":
		r.Args[r.NArgs] = 0
	case p == forkconfig.ParamKeyFork:
		code, err := keystroke.ParseKeycode(value)
		if err != nil {
			return fork.Request{}, err
		}
		r.Args[r.NArgs] = int(code)
	default:
		v, err := strconv.Atoi(value)
		if err != nil {
			return fork.Request{}, fmt.Errorf("bad value %q", value)
		}
		r.Args[r.NArgs] = v
	}
	return r, nil
}
