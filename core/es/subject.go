package es

import "strings"

const DefaultSubjectPrefix = "events"

// Subjects names the transport subjects events are published on:
//
//	<prefix>.<aggregate_type>.<aggregate_id>.<event_type>
//
// so that <prefix>.<aggregate_type>.> selects one aggregate type,
// <prefix>.<aggregate_type>.<aggregate_id>.> one aggregate and <prefix>.> all.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return s.Prefix
}

func (s Subjects) Event(env Envelope) string {
	return s.prefix() + "." + env.AggregateType + "." + env.AggregateID + "." + env.Type
}

func (s Subjects) Aggregate(aggType, aggID string) string {
	return s.prefix() + "." + aggType + "." + aggID + ".>"
}

func (s Subjects) Type(aggType string) string { return s.prefix() + "." + aggType + ".>" }
func (s Subjects) All() string                { return s.prefix() + ".>" }

// MatchSubject applies NATS wildcard rules: '*' matches one token, a
// trailing '>' matches one or more tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == "" {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}
