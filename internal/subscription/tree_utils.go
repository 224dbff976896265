package subscription

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidFilter = errors.New("invalid topic filter")
	ErrInvalidTopic  = errors.New("invalid topic name")
)

// Options configures the topic grammar. Zero fields fall back to the MQTT
// defaults "/", "+" and "#".
type Options struct {
	Separator    string
	WildcardOne  string
	WildcardSome string
	// CacheSize bounds the match result cache. Zero disables it.
	CacheSize int
}

func DefaultOptions() Options {
	return Options{Separator: "/", WildcardOne: "+", WildcardSome: "#", CacheSize: 1024}
}

func (o Options) withDefaults() Options {
	if o.Separator == "" {
		o.Separator = "/"
	}
	if o.WildcardOne == "" {
		o.WildcardOne = "+"
	}
	if o.WildcardSome == "" {
		o.WildcardSome = "#"
	}
	return o
}

// ValidateFilter checks that wildcards occupy whole levels and that the
// multi-level wildcard only appears last.
func (o Options) ValidateFilter(filter string) error {
	o = o.withDefaults()
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	levels := strings.Split(filter, o.Separator)
	for i, level := range levels {
		if level == o.WildcardSome {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '%s' must be the last level, topic: %s", ErrInvalidFilter, o.WildcardSome, filter)
			}
			continue
		}
		if level == o.WildcardOne {
			continue
		}
		if strings.Contains(level, o.WildcardSome) || strings.Contains(level, o.WildcardOne) {
			return fmt.Errorf("%w: wildcard must occupy an entire level, topic: %s", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// ValidateTopic checks a publish topic: non-empty and wildcard free.
func (o Options) ValidateTopic(topic string) error {
	o = o.withDefaults()
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidTopic)
	}
	if strings.Contains(topic, o.WildcardOne) || strings.Contains(topic, o.WildcardSome) {
		return fmt.Errorf("%w: wildcards are not allowed in topic %s", ErrInvalidTopic, topic)
	}
	return nil
}

// MatchFilter reports whether topic is matched by filter.
func (o Options) MatchFilter(filter, topic string) bool {
	o = o.withDefaults()
	f := strings.Split(filter, o.Separator)
	t := strings.Split(topic, o.Separator)
	for i, level := range f {
		if level == o.WildcardSome {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != o.WildcardOne && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// Translate rewrites filter from o's wildcard characters to to's.
func (o Options) Translate(filter string, to Options) string {
	o = o.withDefaults()
	to = to.withDefaults()
	levels := strings.Split(filter, o.Separator)
	for i, level := range levels {
		switch level {
		case o.WildcardOne:
			levels[i] = to.WildcardOne
		case o.WildcardSome:
			levels[i] = to.WildcardSome
		}
	}
	return strings.Join(levels, to.Separator)
}

func ValidateFilter(filter string) error {
	return DefaultOptions().ValidateFilter(filter)
}

func ValidateTopic(topic string) error {
	return DefaultOptions().ValidateTopic(topic)
}

func MatchFilter(filter, topic string) bool {
	return DefaultOptions().MatchFilter(filter, topic)
}
