package jobs

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Unlimited is the sentinel for persistence fields whose limit is switched
// off ("unlimited" keep counts, "forever" max age).
const Unlimited = -1

// PersistenceRule is one retention-policy entry owned by a job. Rules with
// the same archive type partition that type's entities into periods ordered
// by ascending MaxAge.
type PersistenceRule struct {
	ID          int
	ArchiveType ArchiveType
	MinKeep     int // Unlimited = no lower bound
	MaxKeep     int // Unlimited = no upper bound
	MaxAge      int // days; Unlimited = forever
	MoveTo      string
}

// Equal reports whether two rules describe the same policy, ignoring the id.
// persistenceListAdd uses this to make exact-duplicate adds a no-op.
func (r PersistenceRule) Equal(o PersistenceRule) bool {
	return r.ArchiveType == o.ArchiveType &&
		r.MinKeep == o.MinKeep &&
		r.MaxKeep == o.MaxKeep &&
		r.MaxAge == o.MaxAge &&
		r.MoveTo == o.MoveTo
}

// PersistenceList is a job's ordered rule list plus the timestamp of the
// last mutation, which gates expiration (no purge within 10 minutes of a
// policy edit unless a new archive forces it).
type PersistenceList struct {
	Rules          []*PersistenceRule
	LastModifiedAt time.Time
	nextID         int
}

// Add inserts a rule keeping the (archiveType, ascending maxAge) order and
// returns its id. An exact duplicate of an existing rule is not inserted;
// the existing rule's id is returned instead.
func (l *PersistenceList) Add(rule PersistenceRule, now time.Time) int {
	for _, r := range l.Rules {
		if r.Equal(rule) {
			return r.ID
		}
	}

	l.nextID++
	rule.ID = l.nextID
	l.Rules = append(l.Rules, &rule)
	l.sort()
	l.LastModifiedAt = now
	return rule.ID
}

// Update replaces the rule with the given id. Returns false if no such rule
// exists.
func (l *PersistenceList) Update(id int, rule PersistenceRule, now time.Time) bool {
	for i, r := range l.Rules {
		if r.ID == id {
			rule.ID = id
			l.Rules[i] = &rule
			l.sort()
			l.LastModifiedAt = now
			return true
		}
	}
	return false
}

// Remove deletes the rule with the given id. Returns false if no such rule
// exists.
func (l *PersistenceList) Remove(id int, now time.Time) bool {
	for i, r := range l.Rules {
		if r.ID == id {
			l.Rules = append(l.Rules[:i], l.Rules[i+1:]...)
			l.LastModifiedAt = now
			return true
		}
	}
	return false
}

// Clear drops every rule.
func (l *PersistenceList) Clear(now time.Time) {
	l.Rules = nil
	l.LastModifiedAt = now
}

// Get returns the rule with the given id, or nil.
func (l *PersistenceList) Get(id int) *PersistenceRule {
	for _, r := range l.Rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// HasType reports whether any rule covers the given archive type.
func (l *PersistenceList) HasType(t ArchiveType) bool {
	for _, r := range l.Rules {
		if r.ArchiveType == t {
			return true
		}
	}
	return false
}

// ForType returns the rules covering t, in period order.
func (l *PersistenceList) ForType(t ArchiveType) []*PersistenceRule {
	var rules []*PersistenceRule
	for _, r := range l.Rules {
		if r.ArchiveType == t {
			rules = append(rules, r)
		}
	}
	return rules
}

// AssignRule picks the persistence rule for an entity of archive type t with
// the given age in days: the first rule whose maxAge window contains age, or
// the forever rule, or the last existing rule of that type so entities are
// never orphaned. Returns nil only when no rule covers the type at all.
func (l *PersistenceList) AssignRule(t ArchiveType, ageDays int) *PersistenceRule {
	rules := l.ForType(t)
	if len(rules) == 0 {
		return nil
	}
	for _, r := range rules {
		if r.MaxAge == Unlimited || ageDays <= r.MaxAge {
			return r
		}
	}
	return rules[len(rules)-1]
}

// sort keeps rules ordered by archive type then ascending maxAge, with
// forever rules last within their type.
func (l *PersistenceList) sort() {
	sort.SliceStable(l.Rules, func(i, j int) bool {
		a, b := l.Rules[i], l.Rules[j]
		if a.ArchiveType != b.ArchiveType {
			return a.ArchiveType < b.ArchiveType
		}
		if a.MaxAge == Unlimited {
			return false
		}
		if b.MaxAge == Unlimited {
			return true
		}
		return a.MaxAge < b.MaxAge
	})
}

// ParseKeep parses a minKeep/maxKeep value: a non-negative integer or
// "unlimited".
func ParseKeep(s string) (int, bool) {
	if strings.EqualFold(s, "unlimited") || s == "*" {
		return Unlimited, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseAge parses a maxAge value: a non-negative day count or "forever".
func ParseAge(s string) (int, bool) {
	if strings.EqualFold(s, "forever") || s == "*" {
		return Unlimited, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FormatKeep formats a keep count for the wire and config files.
func FormatKeep(n int) string {
	if n == Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

// FormatAge formats a max age for the wire and config files.
func FormatAge(n int) string {
	if n == Unlimited {
		return "forever"
	}
	return strconv.Itoa(n)
}
