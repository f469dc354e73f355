package ledger

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Record id prefixes.
const (
	prefixApplied  = "apl"
	prefixRejected = "rej"
	prefixRun      = "run"
)

// newRecordID returns a K-sortable "prefix_suffix" id.
// It panics on an invalid prefix (programming error).
func newRecordID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}
