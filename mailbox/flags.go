package mailbox

import (
	"slices"
	"strings"
)

// SystemFlag is a bit set of the IMAP system flags.
type SystemFlag uint8

// System flags.
const (
	FlagAnswered SystemFlag = 1 << iota
	FlagDeleted
	FlagDraft
	FlagFlagged
	FlagRecent
	FlagSeen
)

// systemFlagNames is ordered by bit; encoding relies on the order.
var systemFlagNames = []struct {
	flag SystemFlag
	name string
}{
	{FlagAnswered, `\Answered`},
	{FlagDeleted, `\Deleted`},
	{FlagDraft, `\Draft`},
	{FlagFlagged, `\Flagged`},
	{FlagRecent, `\Recent`},
	{FlagSeen, `\Seen`},
}

// Flags is the flag state of a message: system flags plus user keywords.
// Build values with [NewFlags] so that keywords are normalized; two
// normalized values with the same content are deeply equal.
type Flags struct {
	System SystemFlag
	User   []string
}

// NewFlags returns normalized flags. Keywords are sorted and deduplicated;
// an empty keyword set is nil.
func NewFlags(system SystemFlag, user ...string) Flags {
	return Flags{System: system, User: normalizeKeywords(user)}
}

func normalizeKeywords(user []string) []string {
	if len(user) == 0 {
		return nil
	}
	out := make([]string, 0, len(user))
	for _, k := range user {
		if k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Has reports whether all bits of f are set.
func (f Flags) Has(flag SystemFlag) bool {
	return f.System&flag == flag
}

// Names returns the system flag names followed by the keywords.
func (f Flags) Names() []string {
	var names []string
	for _, sf := range systemFlagNames {
		if f.System&sf.flag != 0 {
			names = append(names, sf.name)
		}
	}
	return append(names, f.User...)
}

// FlagsFromNames is the inverse of [Flags.Names]. Names starting with a
// backslash that are not system flags are kept as keywords.
func FlagsFromNames(names []string) Flags {
	var (
		system SystemFlag
		user   []string
	)
outer:
	for _, n := range names {
		if strings.HasPrefix(n, `\`) {
			for _, sf := range systemFlagNames {
				if strings.EqualFold(sf.name, n) {
					system |= sf.flag
					continue outer
				}
			}
		}
		user = append(user, n)
	}
	return NewFlags(system, user...)
}

func (f Flags) String() string {
	return "(" + strings.Join(f.Names(), " ") + ")"
}
