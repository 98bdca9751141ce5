// Package retention decides which backup versions may be deleted. Every
// policy is a pure function of the fileset list and the reference time:
// the input order never affects the result.
package retention

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fileset is one backup version. Version 0 is the newest.
type Fileset struct {
	Version      int
	Time         time.Time
	IsFullBackup bool
}

// Policy selects the filesets to delete.
type Policy interface {
	Select(filesets []Fileset, now time.Time) []Fileset
}

// newestFirst returns a sorted copy; ties on time order by version.
func newestFirst(filesets []Fileset) []Fileset {
	out := append([]Fileset(nil), filesets...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func byVersion(filesets []Fileset) []Fileset {
	sort.Slice(filesets, func(i, j int) bool { return filesets[i].Version < filesets[j].Version })
	return filesets
}

// KeepVersions keeps the n most recent filesets. Values below 1 disable it.
type KeepVersions int

func (k KeepVersions) Select(filesets []Fileset, _ time.Time) []Fileset {
	if k <= 0 {
		return nil
	}
	sorted := newestFirst(filesets)
	if len(sorted) <= int(k) {
		return nil
	}
	return byVersion(append([]Fileset(nil), sorted[k:]...))
}

// KeepTime deletes filesets older than now minus the duration, except the
// most recent full backup. Zero disables it.
type KeepTime time.Duration

func (k KeepTime) Select(filesets []Fileset, now time.Time) []Fileset {
	if k <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(k))
	var out []Fileset
	keptFull := false
	for _, f := range newestFirst(filesets) {
		if !f.Time.Before(cutoff) {
			if f.IsFullBackup {
				keptFull = true
			}
			continue
		}
		if f.IsFullBackup && !keptFull {
			keptFull = true
			continue
		}
		out = append(out, f)
	}
	return byVersion(out)
}

// SpecificVersions deletes exactly the listed versions.
type SpecificVersions []int

func (s SpecificVersions) Select(filesets []Fileset, _ time.Time) []Fileset {
	if len(s) == 0 {
		return nil
	}
	want := make(map[int]bool, len(s))
	for _, v := range s {
		want[v] = true
	}
	var out []Fileset
	for _, f := range filesets {
		if want[f.Version] {
			out = append(out, f)
		}
	}
	return byVersion(out)
}

// Unlimited marks a tier window or interval without bound.
const Unlimited time.Duration = 0

// Tier keeps at most one fileset per Interval among the filesets whose age
// is within Window. An Unlimited window covers every age; an Unlimited
// interval keeps everything in the window.
type Tier struct {
	Window   time.Duration
	Interval time.Duration
}

func (t Tier) String() string {
	w, i := "U", "U"
	if t.Window != Unlimited {
		w = FormatSpan(t.Window)
	}
	if t.Interval != Unlimited {
		i = FormatSpan(t.Interval)
	}
	return w + ":" + i
}

// RetentionPolicy thins filesets out according to a list of tiers.
type RetentionPolicy struct {
	Tiers []Tier
}

// ParseRetentionPolicy parses "1W:U,3M:1D,1Y:1W,U:1M".
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	var p RetentionPolicy
	s = strings.TrimSpace(s)
	if s == "" {
		return p, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		window, interval, ok := strings.Cut(part, ":")
		if !ok {
			return RetentionPolicy{}, fmt.Errorf("retention tier %q: expected window:interval", part)
		}
		var t Tier
		var err error
		if t.Window, err = parseTierSpan(window); err != nil {
			return RetentionPolicy{}, fmt.Errorf("retention tier %q: %w", part, err)
		}
		if t.Interval, err = parseTierSpan(interval); err != nil {
			return RetentionPolicy{}, fmt.Errorf("retention tier %q: %w", part, err)
		}
		p.Tiers = append(p.Tiers, t)
	}
	return p, nil
}

func parseTierSpan(s string) (time.Duration, error) {
	if strings.EqualFold(strings.TrimSpace(s), "U") {
		return Unlimited, nil
	}
	return ParseSpan(s)
}

func (p RetentionPolicy) String() string {
	parts := make([]string, len(p.Tiers))
	for i, t := range p.Tiers {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// sortedTiers orders finite windows ascending with unbounded windows last.
func (p RetentionPolicy) sortedTiers() []Tier {
	tiers := append([]Tier(nil), p.Tiers...)
	sort.SliceStable(tiers, func(i, j int) bool {
		wi, wj := tiers[i].Window, tiers[j].Window
		if (wi == Unlimited) != (wj == Unlimited) {
			return wj == Unlimited
		}
		if wi != wj {
			return wi < wj
		}
		return tiers[i].Interval < tiers[j].Interval
	})
	return tiers
}

// Select buckets every fileset but the newest into the first tier whose
// window contains its age, then keeps one fileset per interval bucket: the
// earliest full backup, or the earliest entry when the bucket holds no full
// backup. Filesets outside every window are deleted.
func (p RetentionPolicy) Select(filesets []Fileset, now time.Time) []Fileset {
	if len(p.Tiers) == 0 || len(filesets) == 0 {
		return nil
	}
	sorted := newestFirst(filesets)
	tiers := p.sortedTiers()

	type bucketKey struct {
		tier   int
		bucket int64
	}
	buckets := make(map[bucketKey][]Fileset)
	var out []Fileset
	for _, f := range sorted[1:] {
		age := now.Sub(f.Time)
		if age < 0 {
			age = 0
		}
		tier := -1
		for i, t := range tiers {
			if t.Window == Unlimited || age <= t.Window {
				tier = i
				break
			}
		}
		if tier < 0 {
			out = append(out, f)
			continue
		}
		if tiers[tier].Interval == Unlimited {
			continue
		}
		key := bucketKey{tier: tier, bucket: int64(age / tiers[tier].Interval)}
		buckets[key] = append(buckets[key], f)
	}

	for _, members := range buckets {
		keep := earliestKeeper(members)
		for _, f := range members {
			if f.Version != keep.Version || !f.Time.Equal(keep.Time) {
				out = append(out, f)
			}
		}
	}
	return byVersion(out)
}

func earliestKeeper(members []Fileset) Fileset {
	var best Fileset
	found := false
	better := func(a, b Fileset) bool {
		if a.IsFullBackup != b.IsFullBackup {
			return a.IsFullBackup
		}
		if !a.Time.Equal(b.Time) {
			return a.Time.Before(b.Time)
		}
		return a.Version > b.Version
	}
	for _, f := range members {
		if !found || better(f, best) {
			best = f
			found = true
		}
	}
	return best
}

// ErrWouldRemoveAll is returned by Combine when every fileset would be
// deleted and full removal was not allowed.
var ErrWouldRemoveAll = errors.New("retention would delete every backup version")

// Options combines the policies applied by a delete operation.
type Options struct {
	KeepVersions     KeepVersions
	KeepTime         KeepTime
	Versions         SpecificVersions
	Policy           RetentionPolicy
	AllowFullRemoval bool
}

// Empty reports whether no policy is configured.
func (o Options) Empty() bool {
	return o.KeepVersions <= 0 && o.KeepTime <= 0 && len(o.Versions) == 0 && len(o.Policy.Tiers) == 0
}

// Combine applies explicit versions, keep-time and the tiered policy, then
// keep-versions to what remains. The result is sorted by version.
func Combine(filesets []Fileset, now time.Time, o Options) ([]Fileset, error) {
	selected := make(map[int]Fileset)
	for _, p := range []Policy{o.Versions, o.KeepTime, o.Policy} {
		for _, f := range p.Select(filesets, now) {
			selected[f.Version] = f
		}
	}

	var remaining []Fileset
	for _, f := range filesets {
		if _, ok := selected[f.Version]; !ok {
			remaining = append(remaining, f)
		}
	}
	for _, f := range o.KeepVersions.Select(remaining, now) {
		selected[f.Version] = f
	}

	out := make([]Fileset, 0, len(selected))
	for _, f := range selected {
		out = append(out, f)
	}
	byVersion(out)

	if len(filesets) > 0 && len(out) == len(filesets) && !o.AllowFullRemoval {
		return nil, fmt.Errorf("%w: %d versions selected; allow full removal to proceed", ErrWouldRemoveAll, len(out))
	}
	return out, nil
}
