package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

type Var map[string]string

// Env composes the environment handed to the game server.
//
// Order of precedence, lowest first: the daemon's own environment (only when
// Inherit is set), then each env file in order, then Var.
type Env struct {
	Inherit bool
	Files   []string
	Var     Var

	base Var
}

func New(inherit bool) *Env {
	return &Env{Inherit: inherit, Var: make(Var)}
}

// Set sets a variable that wins over files and the inherited environment.
func (e *Env) Set(k, v string) *Env {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
	return e
}

// SetPairs applies "K=V" entries as overrides; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) *Env {
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.Set(k, v)
	}
	return e
}

func (e *Env) fromOS() Var {
	if e.base != nil {
		return e.base
	}
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.base = base
	return base
}

// Merge returns the final environment as sorted "K=V" pairs with ${VAR}
// references expanded against the composed set. Unknown references expand to
// the empty string.
func (e *Env) Merge() ([]string, error) {
	m := make(Var)
	if e.Inherit {
		for k, v := range e.fromOS() {
			m[k] = v
		}
	}
	for _, f := range e.Files {
		vars, err := gotenv.Read(filepath.Clean(f))
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		for k, v := range vars {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out, nil
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
