package task

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority is one of eight ordered levels. Higher levels run first.
// The zero value is not a valid priority, which lets Build tell an omitted
// priority apart from Level1.
type Priority uint8

const (
	Level1 Priority = iota + 1
	Level2
	Level3
	Level4
	Level5
	Level6
	Level7
	Level8
)

const (
	MinPriority = Level1
	MaxPriority = Level8
)

func (p Priority) IsValid() bool { return p >= MinPriority && p <= MaxPriority }

func (p Priority) String() string {
	if !p.IsValid() {
		return "unknown"
	}
	return "level-" + strconv.Itoa(int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid priority %d", p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText accepts every form ParsePriority does, so snapshots decode.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts "5", "level-5", "level5" and "L5".
func ParsePriority(s string) (Priority, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"level-", "level", "l"} {
		if rest, ok := strings.CutPrefix(raw, prefix); ok {
			raw = rest
			break
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q: %w", s, ErrInvalidPriority)
	}
	p := Priority(n)
	if n < int(MinPriority) || n > int(MaxPriority) {
		return 0, fmt.Errorf("invalid priority %q: %w", s, ErrInvalidPriority)
	}
	return p, nil
}
