package rules

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/andybalholm/cascadia"
)

// ErrInvalidStrategy is wrapped by every Check failure.
var ErrInvalidStrategy = errors.New("invalid strategy")

// requiredFields lists the fields a selector strategy must define per target.
var requiredFields = map[Target][]string{
	ListPage:   {"title", "link"},
	PlayerPage: {"player"},
}

// Check verifies that a strategy can run against target: selectors and
// patterns compile, patterns capture something, and selector strategies
// define the fields the target needs.
func Check(target Target, s Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidStrategy)
	}

	switch m := s.Match.(type) {
	case SelectorMatch:
		if m.Root == "" {
			return fmt.Errorf("%w: empty root selector", ErrInvalidStrategy)
		}
		if _, err := cascadia.ParseGroup(m.Root); err != nil {
			return fmt.Errorf("%w: root selector %q: %v", ErrInvalidStrategy, m.Root, err)
		}
		if len(m.Fields) == 0 {
			return fmt.Errorf("%w: no fields", ErrInvalidStrategy)
		}
		for name, f := range m.Fields {
			if f.Selector != "" {
				if _, err := cascadia.ParseGroup(f.Selector); err != nil {
					return fmt.Errorf("%w: field %s selector %q: %v", ErrInvalidStrategy, name, f.Selector, err)
				}
			}
			if f.Extract == ExtractAttr && f.Attr == "" {
				return fmt.Errorf("%w: field %s reads an attribute but names none", ErrInvalidStrategy, name)
			}
		}
		for _, name := range requiredFields[target] {
			if _, ok := m.Fields[name]; !ok {
				return fmt.Errorf("%w: %s strategy lacks field %q", ErrInvalidStrategy, target, name)
			}
		}

	case PatternMatch:
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return fmt.Errorf("%w: pattern: %v", ErrInvalidStrategy, err)
		}
		if re.NumSubexp() == 0 {
			return fmt.Errorf("%w: pattern has no capture group", ErrInvalidStrategy)
		}

	default:
		return fmt.Errorf("%w: no match condition", ErrInvalidStrategy)
	}

	return nil
}
