// keystroke-gen generates synthetic, human-like replay documents for
// exercising the player and the replay endpoints without manual typing.
//
// Usage:
//
//	go run ./tools/keystroke-gen -output replay.json
//	go run ./tools/keystroke-gen -output replay.json -profile fast-typist -seed 7
//	go run ./tools/keystroke-gen -list
//
// The output is a replay document accepted by keyreplayctl.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"keyreplay/internal/keystroke"
	"keyreplay/internal/store"
)

// TypingProfile defines parameters for simulating different typing behaviors.
type TypingProfile struct {
	Name             string
	Description      string
	MedianIntervalMs float64 // median time between keys
	IntervalStdDevMs float64
	TypoProbability  float64 // chance a key is mistyped and overtyped
	BurstProbability float64
	BurstIntervalMs  float64
	PauseProbability float64 // chance of a thinking pause before a word
	PauseMaxMs       float64
}

var profiles = map[string]TypingProfile{
	"normal": {
		Name:             "Normal Typist",
		Description:      "Typical typing with natural variation",
		MedianIntervalMs: 180,
		IntervalStdDevMs: 90,
		TypoProbability:  0.03,
		BurstProbability: 0.1,
		BurstIntervalMs:  70,
		PauseProbability: 0.05,
		PauseMaxMs:       4000,
	},
	"fast-typist": {
		Name:             "Fast Typist",
		Description:      "Experienced typist with quick, consistent pace",
		MedianIntervalMs: 90,
		IntervalStdDevMs: 30,
		TypoProbability:  0.02,
		BurstProbability: 0.2,
		BurstIntervalMs:  45,
		PauseProbability: 0.02,
		PauseMaxMs:       1500,
	},
	"slow-thoughtful": {
		Name:             "Slow Thoughtful Writer",
		Description:      "Careful, deliberate writing with many pauses",
		MedianIntervalMs: 400,
		IntervalStdDevMs: 250,
		TypoProbability:  0.04,
		BurstProbability: 0.02,
		BurstIntervalMs:  150,
		PauseProbability: 0.2,
		PauseMaxMs:       12000,
	},
	"revision-pass": {
		Name:             "Heavy Reviser",
		Description:      "Frequent mistakes and corrections",
		MedianIntervalMs: 200,
		IntervalStdDevMs: 120,
		TypoProbability:  0.15,
		BurstProbability: 0.05,
		BurstIntervalMs:  90,
		PauseProbability: 0.08,
		PauseMaxMs:       6000,
	},
}

const defaultText = `func add(a, b int) int {
	return a + b
}`

func main() {
	var (
		outputPath   = flag.String("output", "replay.json", "Output file path")
		profileName  = flag.String("profile", "normal", "Typing profile to use")
		textPath     = flag.String("text", "", "File with the text to type; default is a short Go function")
		initialText  = flag.String("initial", "", "Text present before typing starts")
		language     = flag.String("language", "go", "Language label")
		seed         = flag.Int64("seed", 0, "Random seed; 0 = use current time")
		listProfiles = flag.Bool("list", false, "List available profiles")
	)
	flag.Parse()

	if *listProfiles {
		fmt.Println("Available profiles:")
		names := make([]string, 0, len(profiles))
		for name := range profiles {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Printf("  %-20s %s\n", name, profiles[name].Description)
		}
		return
	}

	profile, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown profile: %s\n", *profileName)
		fmt.Fprintf(os.Stderr, "Use -list to see available profiles\n")
		os.Exit(1)
	}

	target := defaultText
	if *textPath != "" {
		data, err := os.ReadFile(*textPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading text: %v\n", err)
			os.Exit(1)
		}
		target = string(data)
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))

	fmt.Printf("Typing %d characters with profile: %s\n", len([]rune(target)), profile.Name)
	fmt.Printf("Random seed: %d\n", *seed)

	replay := generate(rng, profile, *initialText, target, *language)

	data, err := json.MarshalIndent(replay, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling replay: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outputPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d events to %s\n", len(replay.Keystrokes), *outputPath)
	printStats(replay)
}

// generate types target after initial. A typo is typed and then
// overtyped with the intended character, recorded as a Replace.
func generate(rng *rand.Rand, profile TypingProfile, initial, target, language string) *store.Replay {
	var (
		events []keystroke.Event
		now    float64
		burst  int
	)
	caret := len([]rune(initial))
	at := func() int64 { return int64(now) }

	for _, r := range []rune(target) {
		if r == ' ' && rng.Float64() < profile.PauseProbability {
			now += profile.MedianIntervalMs + rng.Float64()*profile.PauseMaxMs
		}

		now += interval(rng, profile, &burst)
		if r != '\n' && r != '\t' && rng.Float64() < profile.TypoProbability {
			events = append(events, keystroke.NewInsert(caret, string(typo(rng, r)), at()))
			now += interval(rng, profile, &burst) * 2
			events = append(events, keystroke.NewReplace(caret, 1, string(r), at()))
		} else {
			events = append(events, keystroke.NewInsert(caret, string(r), at()))
		}
		caret++
	}

	events = keystroke.Materialize(initial, events)
	return &store.Replay{
		AnswerID:    uuid.NewString(),
		QuestionID:  uuid.NewString(),
		InitialText: initial,
		Language:    language,
		Text:        keystroke.ReconstructFrom(initial, events),
		Keystrokes:  events,
	}
}

func interval(rng *rand.Rand, p TypingProfile, burst *int) float64 {
	switch {
	case *burst > 0:
		*burst--
		return p.BurstIntervalMs * (0.5 + rng.Float64())
	case rng.Float64() < p.BurstProbability:
		*burst = 3 + rng.Intn(10)
		return p.BurstIntervalMs * (0.5 + rng.Float64())
	default:
		return logNormalSample(rng, p.MedianIntervalMs, p.IntervalStdDevMs)
	}
}

// typo returns a neighbouring letter, or r itself for non-letters.
func typo(rng *rand.Rand, r rune) rune {
	if r >= 'a' && r < 'z' {
		if rng.Intn(2) == 0 && r > 'a' {
			return r - 1
		}
		return r + 1
	}
	return 'x'
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

func printStats(r *store.Replay) {
	events := r.Keystrokes
	if len(events) < 2 {
		return
	}

	var sum, sumSq float64
	minI, maxI := math.Inf(1), 0.0
	fixes := 0
	for i, ev := range events {
		if ev.Kind == keystroke.Replace {
			fixes++
		}
		if i == 0 {
			continue
		}
		v := float64(ev.RelativeTimestampMs - events[i-1].RelativeTimestampMs)
		sum += v
		sumSq += v * v
		minI = min(minI, v)
		maxI = max(maxI, v)
	}
	n := float64(len(events) - 1)
	mean := sum / n
	stdDev := math.Sqrt(max(sumSq/n-mean*mean, 0))

	fmt.Println("\nStatistics:")
	fmt.Printf("  Total events:     %d\n", len(events))
	fmt.Printf("  Duration:         %s\n", keystroke.FormatDuration(r.DurationMs()))
	fmt.Printf("  Interval mean:    %.0f ms\n", mean)
	fmt.Printf("  Interval stddev:  %.0f ms\n", stdDev)
	fmt.Printf("  Interval min:     %.0f ms\n", minI)
	fmt.Printf("  Interval max:     %.0f ms\n", maxI)
	fmt.Printf("  Corrections:      %d\n", fixes)
}
