package camera

import (
	"sort"
	"strings"
)

// steering maps command names to the single-byte serial commands understood
// by the vehicle controller behind the camera.
var steering = map[string]string{
	"up":       "a",
	"down":     "b",
	"stop":     "c",
	"left":     "d",
	"straight": "e",
	"right":    "f",
	"faster":   "+",
	"quit":     "q",
}

// ResolveCommand maps a steering name to its serial byte. Anything else, or
// any argument when raw is set, is sent as-is.
func ResolveCommand(arg string, raw bool) ([]byte, error) {
	if arg == "" {
		return nil, ErrEmptyCommand
	}
	if !raw {
		if b, ok := steering[strings.ToLower(arg)]; ok {
			return []byte(b), nil
		}
	}
	return []byte(arg), nil
}

// SteeringNames lists the known steering names in sorted order with the byte
// each one sends.
func SteeringNames() [][2]string {
	out := make([][2]string, 0, len(steering))
	for name, b := range steering {
		out = append(out, [2]string{name, b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
