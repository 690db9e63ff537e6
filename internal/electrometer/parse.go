package electrometer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/KevinKickass/ElectrometerCSC/internal/types"
)

var (
	numberPattern = `[-+]?[.]?\d+(?:,\d\d\d)*[.]?\d*(?:[eE][-+]?\d+)?`
	tokenRegexp   = regexp.MustCompile(`(` + numberPattern + `)|([a-zA-Z]+)`)
)

type token struct {
	number float64
	word   string
	isWord bool
}

// tokenize splits a reply into numbers and unit words, left to right. Stray
// exponent markers are dropped from the words.
func tokenize(text string) []token {
	var out []token
	for _, m := range tokenRegexp.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil {
				continue
			}
			out = append(out, token{number: v})
			continue
		}
		if m[2] == "E" || m[2] == "e" {
			continue
		}
		out = append(out, token{word: m[2], isWord: true})
	}
	return out
}

// ParseSample reads one sample from the first line of a reply. The third
// number is taken as temperature only when the sensor is enabled.
func ParseSample(text string, temperature bool) (Sample, error) {
	line := text
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		line = text[:i]
	}

	var numbers []float64
	var unit string
	for _, tok := range tokenize(line) {
		if tok.isWord {
			if unit == "" {
				unit = tok.word
			}
			continue
		}
		numbers = append(numbers, tok.number)
	}

	if len(numbers) < 2 {
		return Sample{}, fmt.Errorf("%w: malformed sample %q", types.ErrDeviceError, line)
	}

	s := Sample{
		Intensity: numbers[0],
		Timestamp: numbers[1],
		Unit:      unit,
	}
	if temperature && len(numbers) > 2 {
		s.Temperature = numbers[2]
	}
	return s, nil
}

// BufferData holds the columns of a parsed buffer dump.
type BufferData struct {
	Intensities  []float64
	Times        []float64
	Temperatures []float64
	Units        []string
}

func (b BufferData) Len() int {
	return len(b.Intensities)
}

// ParseBuffer consumes (intensity, timestamp, unit) triples until fewer than
// three tokens remain. A token that breaks the pattern is skipped.
func ParseBuffer(text string) BufferData {
	toks := tokenize(text)

	var b BufferData
	for i := 0; len(toks)-i >= 3; {
		a, t, u := toks[i], toks[i+1], toks[i+2]
		if a.isWord || t.isWord || !u.isWord {
			i++
			continue
		}
		b.Intensities = append(b.Intensities, a.number)
		b.Times = append(b.Times, t.number)
		b.Temperatures = append(b.Temperatures, 0)
		b.Units = append(b.Units, u.word)
		i += 3
	}
	return b
}

// DeviceError is one entry of the instrument error queue.
type DeviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e DeviceError) String() string {
	return fmt.Sprintf("%d, %s", e.Code, e.Message)
}

// parseDeviceError splits ":syst:err?" replies such as `-113, "Undefined header"`
// on the first comma.
func parseDeviceError(reply string) (DeviceError, bool) {
	code, msg, _ := strings.Cut(reply, ",")
	n, err := strconv.Atoi(strings.TrimSpace(code))
	if err != nil {
		return DeviceError{Code: -1, Message: strings.TrimSpace(reply)}, true
	}
	return DeviceError{Code: n, Message: strings.Trim(strings.TrimSpace(msg), `"`)}, n != 0
}
