package main

import (
	"fmt"
	"strconv"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
	"forkd/internal/keystroke"
)

// parseRequest builds a request from "param [key [twin]]". The number of
// keys gives the scope: none for the global value, one per key, two for a
// key pair.
func parseRequest(param string, keys []string) (fork.Request, error) {
	p, err := forkconfig.ParseParam(param)
	if err != nil {
		if op, nerr := strconv.Atoi(param); nerr == nil {
			return parseOp(op, keys)
		}
		return fork.Request{}, err
	}
	if len(keys) > 2 {
		return fork.Request{}, fmt.Errorf("%s takes at most two keys", param)
	}

	r := fork.Request{Param: p, NArgs: len(keys)}
	for i, k := range keys {
		code, err := keystroke.ParseKeycode(k)
		if err != nil {
			return fork.Request{}, err
		}
		r.Args[i] = int(code)
	}
	return r, nil
}

// parseSet builds a write request from "param [key [twin]] value", or from
// a numeric operation followed by its operands.
func parseSet(args []string) (fork.Request, error) {
	if op, err := strconv.Atoi(args[0]); err == nil {
		return parseOp(op, args[1:])
	}
	last := len(args) - 1
	r, err := parseRequest(args[0], args[1:last])
	if err != nil {
		return fork.Request{}, err
	}
	if r.Args[r.NArgs], err = parseValue(r.Param, args[last]); err != nil {
		return fork.Request{}, err
	}
	return r, nil
}

// parseOp accepts a raw wire operation with numeric operands.
func parseOp(op int, operands []string) (fork.Request, error) {
	if op < 0 {
		return fork.Request{}, fmt.Errorf("operation %d out of range", op)
	}
	args := make([]int, 0, len(operands))
	for _, s := range operands {
		v, err := strconv.Atoi(s)
		if err != nil {
			return fork.Request{}, fmt.Errorf("operand %q: %w", s, err)
		}
		args = append(args, v)
	}
	r := fork.DecodeRequest(op, args...)
	if len(operands) > r.NArgs+1 {
		return fork.Request{}, fmt.Errorf("operation %d takes %d operands", op, r.NArgs+1)
	}
	return r, nil
}

// parseValue reads a setting value: a number, on/off for switches, or a
// key name for fork targets.
func parseValue(p forkconfig.Param, s string) (int, error) {
	switch s {
	case "on", "true", "yes":
		return 1, nil
	case "off", "false", "no":
		return 0, nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	if p == forkconfig.ParamKeyFork {
		code, err := keystroke.ParseKeycode(s)
		if err != nil {
			return 0, err
		}
		return int(code), nil
	}
	return 0, fmt.Errorf("invalid value %q for %s", s, p)
}

// formatValue is the reverse of parseValue for printing.
func formatValue(p forkconfig.Param, v int) string {
	switch p {
	case forkconfig.ParamKeyFork:
		if v == 0 {
			return "none"
		}
		return keystroke.KeyName(keystroke.Keycode(v))
	case forkconfig.ParamKeyRepeatable, forkconfig.ParamConsiderForks:
		if v != 0 {
			return "on"
		}
		return "off"
	}
	return strconv.Itoa(v)
}
