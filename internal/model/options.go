package model

import "strings"

// Options holds the per-request plugin overrides parsed from OptionsHeader.
type Options struct {
	Enabled  map[string]bool
	Disabled map[string]bool
}

// ParseOptions parses a header value such as "+gzip -cache". Tokens without
// a leading sign are ignored.
func ParseOptions(header string) Options {
	opts := Options{
		Enabled:  map[string]bool{},
		Disabled: map[string]bool{},
	}
	for _, token := range strings.Fields(header) {
		switch token[0] {
		case '+':
			if name := token[1:]; name != "" {
				opts.Enabled[name] = true
			}
		case '-':
			if name := token[1:]; name != "" {
				opts.Disabled[name] = true
			}
		}
	}
	return opts
}

// Override reports whether the request explicitly toggled the plugin and,
// if so, to which state. A "-name" token wins over "+name".
func (o Options) Override(name string) (enabled, ok bool) {
	if o.Disabled[name] {
		return false, true
	}
	if o.Enabled[name] {
		return true, true
	}
	return false, false
}
