package cqrs

import "fmt"

// Cond is a named business rule evaluated against aggregate state.
type Cond interface {
	Rule() string
	Eval() bool
	// Check returns a *Rejection when the rule does not hold.
	Check() error
}

type cond struct {
	rule   string
	reason string
	eval   func() bool
	check  func() error
}

func (c *cond) Rule() string { return c.rule }
func (c *cond) Eval() bool   { return c.eval() }
func (c *cond) Check() error { return c.check() }

func newCond(rule, reason string, eval func() bool) *cond {
	c := &cond{rule: rule, reason: reason, eval: eval}
	c.check = func() error {
		if !eval() {
			return &Rejection{Rule: rule, Reason: reason}
		}
		return nil
	}
	return c
}

// True holds when v is true.
func True(v bool, rule, reason string, args ...any) Cond {
	return newCond(rule, sprintf(reason, args), func() bool { return v })
}

// False holds when v is false.
func False(v bool, rule, reason string, args ...any) Cond {
	return newCond(rule, sprintf(reason, args), func() bool { return !v })
}

func Not(c Cond, reason string) Cond {
	return newCond("not("+c.Rule()+")", reason, func() bool { return !c.Eval() })
}

// All holds when every c holds. Check reports the first failing rule.
func All(cs ...Cond) Cond {
	all := newCond("all", "", func() bool {
		for _, c := range cs {
			if !c.Eval() {
				return false
			}
		}
		return true
	})
	all.check = func() error {
		for _, c := range cs {
			if err := c.Check(); err != nil {
				return err
			}
		}
		return nil
	}
	return all
}

// Check evaluates cs in order and returns the first rejection.
func Check(cs ...Cond) error { return All(cs...).Check() }

func sprintf(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
