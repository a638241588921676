// Package speech derives pacing metrics and automatic trims from a
// word-timed transcription of a beat's voice track.
package speech

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/bobarin/beatreel/internal/models"
)

// Word is one transcribed word with its timing in seconds.
type Word struct {
	Text  string
	Start float64
	End   float64
}

// Thresholds tune the analysis. They come from configuration.
type Thresholds struct {
	TargetSPS float64       // syllables per second the beat should reach
	MaxSpeed  float64       // never suggest more than this
	Padding   time.Duration // silence kept around detected speech
	MinTrim   time.Duration // trims shorter than this are ignored
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TargetSPS: 4.5,
		MaxSpeed:  1.5,
		Padding:   150 * time.Millisecond,
		MinTrim:   50 * time.Millisecond,
	}
}

type Analysis struct {
	Text               string
	SpeechStart        float64
	SpeechEnd          float64
	Syllables          int
	SyllablesPerSecond float64
	SuggestedSpeed     float64
}

// Analyze measures where speech starts and ends and how fast it is.
func Analyze(words []Word, th Thresholds) (*Analysis, error) {
	var spoken []Word
	for _, w := range words {
		if strings.TrimSpace(w.Text) == "" || w.End < w.Start {
			continue
		}
		spoken = append(spoken, w)
	}
	if len(spoken) == 0 {
		return nil, fmt.Errorf("no spoken words in transcription")
	}

	a := &Analysis{
		SpeechStart: spoken[0].Start,
		SpeechEnd:   spoken[0].End,
	}
	texts := make([]string, 0, len(spoken))
	for _, w := range spoken {
		if w.Start < a.SpeechStart {
			a.SpeechStart = w.Start
		}
		if w.End > a.SpeechEnd {
			a.SpeechEnd = w.End
		}
		a.Syllables += CountSyllables(w.Text)
		texts = append(texts, strings.TrimSpace(w.Text))
	}
	a.Text = strings.Join(texts, " ")

	span := a.SpeechEnd - a.SpeechStart
	if span > 0 {
		a.SyllablesPerSecond = float64(a.Syllables) / span
	}
	a.SuggestedSpeed = SuggestSpeed(a.SyllablesPerSecond, th)

	return a, nil
}

// SuggestSpeed returns the speed that brings sps up to the target rate,
// clamped to [1.0, MaxSpeed].
func SuggestSpeed(sps float64, th Thresholds) float64 {
	if sps <= 0 || th.TargetSPS <= 0 {
		return 1.0
	}
	speed := th.TargetSPS / sps
	if speed < 1.0 {
		speed = 1.0
	}
	if th.MaxSpeed >= 1.0 && speed > th.MaxSpeed {
		speed = th.MaxSpeed
	}
	return math.Round(speed*100) / 100
}

// Adjustments derives trims around detected speech plus the suggested
// speed for a clip of clipDuration seconds.
func (a *Analysis) Adjustments(clipDuration float64, th Thresholds) models.Adjustments {
	adj := models.Adjustments{Speed: a.SuggestedSpeed}
	if adj.Speed < 1.0 {
		adj.Speed = 1.0
	}

	pad := th.Padding.Seconds()
	minTrim := th.MinTrim.Seconds()

	start := a.SpeechStart - pad
	if start > minTrim {
		s := round3(start)
		adj.TrimStart = &s
	}

	if clipDuration > 0 {
		end := a.SpeechEnd + pad
		if end < clipDuration-minTrim {
			e := round3(end)
			adj.TrimEnd = &e
		}
	}

	return adj
}

// Transcription converts the analysis into the persisted form.
func (a *Analysis) Transcription() *models.Transcription {
	return &models.Transcription{
		Text:               a.Text,
		SpeechStart:        a.SpeechStart,
		SpeechEnd:          a.SpeechEnd,
		SyllablesPerSecond: a.SyllablesPerSecond,
		SuggestedSpeed:     a.SuggestedSpeed,
	}
}

// CountSyllables estimates syllables as vowel groups, discounting a silent
// trailing "e". Any word with letters has at least one.
func CountSyllables(word string) int {
	w := strings.ToLower(strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) }))
	if w == "" {
		return 0
	}

	count := 0
	prevVowel := false
	runes := []rune(w)
	for _, r := range runes {
		v := isVowel(r)
		if v && !prevVowel {
			count++
		}
		prevVowel = v
	}

	if n := len(runes); n > 2 && runes[n-1] == 'e' && !isVowel(runes[n-2]) && runes[n-2] != 'l' && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y',
		'á', 'é', 'í', 'ó', 'ú', 'à', 'è', 'ì', 'ò', 'ù', 'â', 'ê', 'î', 'ô', 'û', 'ä', 'ë', 'ï', 'ö', 'ü':
		return true
	}
	return false
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
