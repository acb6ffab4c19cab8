// keystroke-gen generates synthetic human-like key sequences as forksim
// scenarios, for tuning fork timings without needing manual typing.
//
// Usage:
//
//	go run tools/keystroke-gen.go -output typing.yaml -count 200
//	go run tools/keystroke-gen.go -output chords.yaml -profile chord-heavy
//	go run ./tools/forksim -stats typing.yaml
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// scenario mirrors the file format read by forksim.
type scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Profile     profile  `yaml:"profile"`
	Script      []string `yaml:"script"`
}

type profile struct {
	Name         string       `yaml:"name"`
	Verification int          `yaml:"verification_ms,omitempty"`
	Overlap      int          `yaml:"overlap_ms,omitempty"`
	Keys         []keySetting `yaml:"keys"`
}

type keySetting struct {
	Key  string `yaml:"key"`
	Fork string `yaml:"fork"`
}

// Home row modifiers on both hands.
var homeRow = []keySetting{
	{Key: "a", Fork: "leftmeta"},
	{Key: "s", Fork: "leftalt"},
	{Key: "d", Fork: "leftshift"},
	{Key: "f", Fork: "leftctrl"},
	{Key: "j", Fork: "rightctrl"},
	{Key: "k", Fork: "rightshift"},
	{Key: "l", Fork: "rightalt"},
}

var letters = strings.Split("abcdefghijklmnopqrstuvwxyz", "")

// TypingProfile defines parameters for simulating different typing behaviors.
type TypingProfile struct {
	Name                string
	Description         string
	MedianIntervalMs    float64 // between presses
	IntervalStdDevMs    float64
	MedianHoldMs        float64 // press to release of a plain tap
	HoldStdDevMs        float64
	RolloverProbability float64 // next key goes down before this one is up
	ChordProbability    float64 // a home row key is held as a modifier
	ChordHoldMs         float64
	MotionProbability   float64 // the mouse moves during a chord
	PauseProbability    float64
	PauseMaxMs          float64
}

var profiles = map[string]TypingProfile{
	"normal": {
		Name:                "Normal Typist",
		Description:         "Typical typing with the occasional shortcut",
		MedianIntervalMs:    180,
		IntervalStdDevMs:    90,
		MedianHoldMs:        95,
		HoldStdDevMs:        30,
		RolloverProbability: 0.15,
		ChordProbability:    0.05,
		ChordHoldMs:         350,
		MotionProbability:   0.1,
		PauseProbability:    0.04,
		PauseMaxMs:          3000,
	},
	"fast-typist": {
		Name:                "Fast Typist",
		Description:         "Quick typing with heavy rollover, the hard case for home row forks",
		MedianIntervalMs:    90,
		IntervalStdDevMs:    35,
		MedianHoldMs:        110,
		HoldStdDevMs:        40,
		RolloverProbability: 0.45,
		ChordProbability:    0.03,
		ChordHoldMs:         260,
		MotionProbability:   0.05,
		PauseProbability:    0.02,
		PauseMaxMs:          1500,
	},
	"chord-heavy": {
		Name:                "Shortcut User",
		Description:         "Editor navigation, mostly modifier chords",
		MedianIntervalMs:    300,
		IntervalStdDevMs:    150,
		MedianHoldMs:        90,
		HoldStdDevMs:        25,
		RolloverProbability: 0.05,
		ChordProbability:    0.4,
		ChordHoldMs:         450,
		MotionProbability:   0.3,
		PauseProbability:    0.1,
		PauseMaxMs:          4000,
	},
}

type stats struct {
	presses   int
	rollovers int
	chords    int
	motions   int
	intervals []float64
}

func main() {
	var (
		outputPath   = flag.String("output", "typing.yaml", "Output file path")
		keyCount     = flag.Int("count", 100, "Number of keys to type")
		profileName  = flag.String("profile", "normal", "Typing profile to use")
		verification = flag.Int("verification", 0, "Verification interval in ms; 0 = machine default")
		overlap      = flag.Int("overlap", 0, "Overlap interval in ms; 0 = machine default")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		for name, p := range profiles {
			fmt.Printf("  %-20s %s\n", name, p.Description)
		}
		os.Exit(0)
	}

	tp, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	fmt.Printf("Generating %d keys with profile: %s\n", *keyCount, tp.Name)
	fmt.Printf("Random seed: %d\n", *seed)

	script, st := generateScript(rng, tp, *keyCount)
	sc := scenario{
		Name:        *profileName,
		Description: fmt.Sprintf("%s, seed %d", tp.Description, *seed),
		Profile: profile{
			Name:         "home-row",
			Verification: *verification,
			Overlap:      *overlap,
			Keys:         homeRow,
		},
		Script: script,
	}

	data, err := yaml.Marshal(&sc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling scenario: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outputPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d script lines to %s\n", len(script), *outputPath)
	printStats(st)
}

type keyUp struct {
	at  int64
	key string
}

// generateScript types count keys. Releases are kept in a pending list so
// that rollover and chords interleave with later presses in time order.
func generateScript(rng *rand.Rand, tp TypingProfile, count int) ([]string, stats) {
	var (
		script  []string
		pending []keyUp
		st      stats
		now     int64
	)

	flush := func(until int64) {
		for len(pending) > 0 {
			next := 0
			for i, u := range pending {
				if u.at < pending[next].at {
					next = i
				}
			}
			if pending[next].at > until {
				return
			}
			script = append(script, fmt.Sprintf("%d %s up", pending[next].at, pending[next].key))
			pending = append(pending[:next], pending[next+1:]...)
		}
	}
	emit := func(at int64, format string, args ...any) {
		flush(at)
		script = append(script, fmt.Sprintf("%d ", at)+fmt.Sprintf(format, args...))
	}
	isDown := func(key string) bool {
		for _, u := range pending {
			if u.key == key {
				return true
			}
		}
		return false
	}
	pick := func(avoid string) string {
		for {
			key := letters[rng.Intn(len(letters))]
			if key != avoid && !isDown(key) {
				return key
			}
		}
	}

	for i := 0; i < count; i++ {
		interval := logNormalSample(rng, tp.MedianIntervalMs, tp.IntervalStdDevMs)
		if rng.Float64() < tp.PauseProbability {
			interval += rng.Float64() * tp.PauseMaxMs
		}
		if i > 0 {
			st.intervals = append(st.intervals, interval)
		}
		now += int64(math.Max(interval, 1))

		// Under rollover the last key pressed stays down past this press.
		if last := len(pending) - 1; last >= 0 && rng.Float64() < tp.RolloverProbability {
			st.rollovers++
			if pending[last].at <= now {
				pending[last].at = now + 1 + int64(rng.Intn(40))
			}
		}

		if rng.Float64() < tp.ChordProbability {
			mod := homeRow[rng.Intn(len(homeRow))].Key
			if isDown(mod) {
				continue
			}
			st.chords++
			emit(now, "%s down", mod)
			if rng.Float64() < tp.MotionProbability {
				st.motions++
				emit(now+20, "motion")
			}
			tap := now + 40 + int64(rng.Intn(60))
			key := pick(mod)
			emit(tap, "%s down", key)
			now = tap + int64(tp.MedianHoldMs/2)
			emit(now, "%s up", key)
			hold := int64(tp.ChordHoldMs * (0.7 + 0.6*rng.Float64()))
			pending = append(pending, keyUp{at: max(now, tap+hold), key: mod})
			st.presses += 2
			continue
		}

		key := pick("")
		hold := logNormalSample(rng, tp.MedianHoldMs, tp.HoldStdDevMs)
		emit(now, "%s down", key)
		pending = append(pending, keyUp{at: now + int64(math.Max(hold, 1)), key: key})
		st.presses++
	}
	flush(math.MaxInt64)
	return script, st
}

// logNormalSample generates a sample from a log-normal distribution.
func logNormalSample(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := math.Log(1 + stdDev/median)
	if sigma < 0.1 {
		sigma = 0.1
	}

	// Box-Muller transform
	u1 := rng.Float64()
	u2 := rng.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)

	return math.Exp(mu + sigma*z)
}

func printStats(st stats) {
	if len(st.intervals) == 0 {
		return
	}

	var sum, sumSq float64
	lo, hi := st.intervals[0], st.intervals[0]
	for _, v := range st.intervals {
		sum += v
		sumSq += v * v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(st.intervals))
	stdDev := math.Sqrt(sumSq/float64(len(st.intervals)) - mean*mean)

	fmt.Println("\nStatistics:")
	fmt.Printf("  Key presses:      %d\n", st.presses)
	fmt.Printf("  Rollovers:        %d\n", st.rollovers)
	fmt.Printf("  Chords:           %d\n", st.chords)
	fmt.Printf("  With motion:      %d\n", st.motions)
	fmt.Printf("  Interval mean:    %.1f ms\n", mean)
	fmt.Printf("  Interval stddev:  %.1f ms\n", stdDev)
	fmt.Printf("  Interval min:     %.1f ms\n", lo)
	fmt.Printf("  Interval max:     %.1f ms\n", hi)
}
