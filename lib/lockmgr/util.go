package lockmgr

import "strings"

const (
	lockPrefix = "lock:"
	waitPrefix = "wait:"

	// noOwner is reported for a lock without owner
	noOwner = "<none>"
)

// LockKey returns the store key holding the owner of a lock.
func LockKey(name string) string {
	return lockPrefix + name
}

// WaitKey returns the store key of the wait set of a lock.
func WaitKey(name string) string {
	return waitPrefix + name
}

func lockKeys(names []string) []string {
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = LockKey(name)
	}
	return keys
}

// normalizeNames validates a multi-lock name list and drops duplicates,
// keeping the first occurrence.
func normalizeNames(names []string) ([]string, *Error) {
	if len(names) == 0 {
		return nil, InvalidRequest("at least one lock name is required")
	}
	seen := make(map[string]struct{}, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			return nil, InvalidRequest("lock name must not be empty")
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}
	return unique, nil
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}
