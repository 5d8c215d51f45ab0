package collab

import "github.com/codewandler/cimcore/internal/hrw"

// Owner returns the member that hosts the sessions of graphID. All members
// agree on the owner as long as they agree on the member list.
func Owner(graphID string, members []string) (string, bool) {
	return hrw.Owner(graphID, members)
}
