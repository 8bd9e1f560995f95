// Package env expands environment references in configured values.
package env

import (
	"os"
	"path/filepath"
	"strings"
)

type Var map[string]string

type Env struct {
	Var  Var // overrides applied on top of the OS environment
	env  Var // cached base from OS environment
	home string
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	e.env = base
	e.home, _ = os.UserHomeDir()
}

// Set overrides a variable for expansion.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Lookup resolves k from overrides first, then the cached OS environment.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.Var[k]; ok {
		return v, true
	}
	if e.env == nil {
		e.FromOS()
	}
	v, ok := e.env[k]
	return v, ok
}

// Expand replaces $VAR and ${VAR}. Unknown variables are left verbatim so
// a typo stays visible in the resulting path.
func (e *Env) Expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := e.Lookup(k); ok {
			return v
		}
		if k == "$" {
			return "$"
		}
		return "${" + k + "}"
	})
}

// ExpandPath expands variables and a leading "~" or "~/".
func (e *Env) ExpandPath(p string) string {
	p = e.Expand(p)
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, ok := e.Lookup("HOME")
	if !ok || home == "" {
		if e.env == nil {
			e.FromOS()
		}
		home = e.home
	}
	if home == "" {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
