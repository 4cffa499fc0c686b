package logstream

import (
	"fmt"
	"regexp"
	"time"
)

// Kind is the meaning of a console line for the supervisor.
type Kind int

const (
	KindNone Kind = iota
	KindReady
	KindStop
	KindCrash
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindStop:
		return "stop"
	case KindCrash:
		return "crash"
	default:
		return "none"
	}
}

// Event is one console line of a given spawn generation.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Line       string    `json:"line"`
	Kind       Kind      `json:"kind"`
	Generation uint64    `json:"generation"`
}

// Patterns holds the regular expressions for each marker.
type Patterns struct {
	Ready []string `mapstructure:"ready"`
	Stop  []string `mapstructure:"stop"`
	Crash []string `mapstructure:"crash"`
}

type rule struct {
	kind Kind
	re   *regexp.Regexp
}

// Classifier maps a line to the first matching marker. Rules are evaluated
// ready, then stop, then crash.
type Classifier struct {
	rules []rule
}

func NewClassifier(p Patterns) (*Classifier, error) {
	c := &Classifier{}
	add := func(kind Kind, exprs []string) error {
		for _, expr := range exprs {
			if expr == "" {
				continue
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("invalid %s pattern %q: %w", kind, expr, err)
			}
			c.rules = append(c.rules, rule{kind: kind, re: re})
		}
		return nil
	}
	if err := add(KindReady, p.Ready); err != nil {
		return nil, err
	}
	if err := add(KindStop, p.Stop); err != nil {
		return nil, err
	}
	if err := add(KindCrash, p.Crash); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Classifier) Classify(line string) Kind {
	if c == nil {
		return KindNone
	}
	for _, r := range c.rules {
		if r.re.MatchString(line) {
			return r.kind
		}
	}
	return KindNone
}
