package agent

import (
	"net/url"
	"strings"
)

type Class string

const (
	ClassStatic     Class = "static-asset"
	ClassAPI        Class = "api-data"
	ClassNavigation Class = "navigation"
	ClassOther      Class = "other"
)

// Rule is one predicate of the selector table.
type Rule struct {
	Name  string
	Class Class
	Match func(u *url.URL, req Request) bool
}

// Selector classifies requests with an ordered rule table. The first
// matching rule wins; no match means ClassOther.
type Selector struct {
	rules []Rule
}

type SelectorConfig struct {
	StaticPrefixes []string
	StaticHosts    []string
	APIPrefixes    []string
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		StaticPrefixes: []string{"/static/"},
		StaticHosts:    []string{"cdn.jsdelivr.net", "cdnjs.cloudflare.com"},
		APIPrefixes:    []string{"/api/"},
	}
}

func NewSelector(cfg SelectorConfig) *Selector {
	return NewSelectorWithRules(
		PathPrefixRule("static-prefix", ClassStatic, cfg.StaticPrefixes...),
		HostRule("static-host", ClassStatic, cfg.StaticHosts...),
		PathPrefixRule("api-prefix", ClassAPI, cfg.APIPrefixes...),
		AcceptRule("navigation", ClassNavigation, "text/html"),
	)
}

func NewSelectorWithRules(rules ...Rule) *Selector {
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Match != nil {
			kept = append(kept, r)
		}
	}
	return &Selector{rules: kept}
}

// Classify returns the class and the name of the rule that produced it.
func (s *Selector) Classify(u *url.URL, req Request) (Class, string) {
	for _, r := range s.rules {
		if r.Match(u, req) {
			return r.Class, r.Name
		}
	}
	return ClassOther, ""
}

func PathPrefixRule(name string, class Class, prefixes ...string) Rule {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		cleaned = append(cleaned, p)
	}
	if len(cleaned) == 0 {
		return Rule{Name: name, Class: class}
	}
	return Rule{Name: name, Class: class, Match: func(u *url.URL, _ Request) bool {
		for _, p := range cleaned {
			if strings.HasPrefix(u.Path, p) {
				return true
			}
		}
		return false
	}}
}

func HostRule(name string, class Class, hosts ...string) Rule {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			set[h] = struct{}{}
		}
	}
	if len(set) == 0 {
		return Rule{Name: name, Class: class}
	}
	return Rule{Name: name, Class: class, Match: func(u *url.URL, _ Request) bool {
		_, ok := set[strings.ToLower(u.Hostname())]
		return ok
	}}
}

func AcceptRule(name string, class Class, mediaType string) Rule {
	return Rule{Name: name, Class: class, Match: func(_ *url.URL, req Request) bool {
		return req.accepts(mediaType)
	}}
}
