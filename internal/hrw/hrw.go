// Package hrw implements rendezvous (highest random weight) hashing: every
// member scores every key and the highest score owns it. Removing a member
// only moves the keys that member owned.
package hrw

import (
	"encoding/binary"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Score is the weight of member for key.
func Score(key, member string) uint64 {
	buf := make([]byte, 0, len(key)+len(member)+1)
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = append(buf, member...)
	sum := blake2b.Sum256(buf)
	return binary.BigEndian.Uint64(sum[:8])
}

// Rank orders members by descending score for key. Equal scores fall back
// to the member name so every caller sees the same order.
func Rank(key string, members []string) []string {
	type scored struct {
		member string
		score  uint64
	}
	all := make([]scored, 0, len(members))
	for _, m := range members {
		all = append(all, scored{member: m, score: Score(key, m)})
	}
	slices.SortFunc(all, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return strings.Compare(a.member, b.member)
	})
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.member
	}
	return out
}

// Owner returns the member with the highest score for key, or false when
// members is empty.
func Owner(key string, members []string) (string, bool) {
	var (
		best  string
		score uint64
		found bool
	)
	for _, m := range members {
		s := Score(key, m)
		if !found || s > score || (s == score && m < best) {
			best, score, found = m, s, true
		}
	}
	return best, found
}
