package retention

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

var now = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// history builds filesets at the given ages; version 0 is the youngest.
func history(ages []time.Duration, partial map[int]bool) []Fileset {
	out := make([]Fileset, len(ages))
	for i, a := range ages {
		out[i] = Fileset{Version: i, Time: now.Add(-a), IsFullBackup: !partial[i]}
	}
	return out
}

func versions(fs []Fileset) []int {
	out := []int{}
	for _, f := range fs {
		out = append(out, f.Version)
	}
	return out
}

func hours(hs ...int) []time.Duration {
	out := make([]time.Duration, len(hs))
	for i, h := range hs {
		out[i] = time.Duration(h) * time.Hour
	}
	return out
}

func TestKeepVersions(t *testing.T) {
	t.Parallel()

	fs := history(hours(1, 2, 3, 4, 5), map[int]bool{1: true})
	tests := []struct {
		name string
		keep KeepVersions
		want []int
	}{
		{name: "disabled", keep: 0, want: []int{}},
		{name: "keep one", keep: 1, want: []int{1, 2, 3, 4}},
		{name: "partials count", keep: 2, want: []int{2, 3, 4}},
		{name: "keep more than exist", keep: 10, want: []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := versions(tt.keep.Select(fs, now))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeepTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ages    []time.Duration
		partial map[int]bool
		keep    time.Duration
		want    []int
	}{
		{name: "deletes old", ages: hours(1, 30, 50), keep: 24 * time.Hour, want: []int{1, 2}},
		{name: "keeps most recent full beyond cutoff", ages: hours(1, 30, 50), partial: map[int]bool{0: true}, keep: 24 * time.Hour, want: []int{2}},
		{name: "only partials in window and beyond", ages: hours(1, 30, 50, 70), partial: map[int]bool{0: true, 1: true}, keep: 24 * time.Hour, want: []int{1, 3}},
		{name: "all within", ages: hours(1, 2), keep: 24 * time.Hour, want: []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := versions(KeepTime(tt.keep).Select(history(tt.ages, tt.partial), now))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpecificVersions(t *testing.T) {
	t.Parallel()
	fs := history(hours(1, 2, 3), nil)
	got := versions(SpecificVersions{2, 0, 7}.Select(fs, now))
	if want := []int{0, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("Select() = %v, want %v", got, want)
	}
}

func TestParseRetentionPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseRetentionPolicy("1W:U, 3M:1D,1Y:1W,U:1M")
	if err != nil {
		t.Fatalf("ParseRetentionPolicy() error = %v", err)
	}
	want := []Tier{
		{Window: week, Interval: Unlimited},
		{Window: 3 * month, Interval: day},
		{Window: year, Interval: week},
		{Window: Unlimited, Interval: month},
	}
	if !reflect.DeepEqual(p.Tiers, want) {
		t.Errorf("Tiers = %v, want %v", p.Tiers, want)
	}
	if got := p.String(); got != "1W:U,3M:1D,1Y:1W,U:1M" {
		t.Errorf("String() = %q", got)
	}

	for _, bad := range []string{"1W", "1X:1D", "1W:", ":1D"} {
		if _, err := ParseRetentionPolicy(bad); err == nil {
			t.Errorf("ParseRetentionPolicy(%q) succeeded, want error", bad)
		}
	}
}

func TestParseSpan(t *testing.T) {
	t.Parallel()
	tests := map[string]time.Duration{
		"7D":    7 * day,
		"1Y6M":  year + 6*month,
		"2W":    2 * week,
		"12h":   12 * time.Hour,
		"1h30m": 90 * time.Minute,
		"1.5h":  90 * time.Minute,
		"90s":   90 * time.Second,
	}
	for in, want := range tests {
		got, err := ParseSpan(in)
		if err != nil {
			t.Errorf("ParseSpan(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSpan(%q) = %v, want %v", in, got, want)
		}
	}
	for _, bad := range []string{"", "D", "5", "-1D", "3Q"} {
		if _, err := ParseSpan(bad); err == nil {
			t.Errorf("ParseSpan(%q) succeeded, want error", bad)
		}
	}
}

func TestRetentionPolicy_Select(t *testing.T) {
	t.Parallel()

	t.Run("keeps all inside an unlimited-interval tier", func(t *testing.T) {
		p := RetentionPolicy{Tiers: []Tier{{Window: week, Interval: Unlimited}}}
		got := versions(p.Select(history(hours(1, 5, 30, 100), nil), now))
		if len(got) != 0 {
			t.Errorf("Select() = %v, want none", got)
		}
	})

	t.Run("one per day keeps the earliest", func(t *testing.T) {
		p := RetentionPolicy{Tiers: []Tier{{Window: week, Interval: day}}}
		// ages 1h..5h share bucket 0 with the newest excluded; 25h and 30h share bucket 1.
		got := versions(p.Select(history(hours(1, 2, 5, 25, 30), nil), now))
		if want := []int{1, 3}; !reflect.DeepEqual(got, want) {
			t.Errorf("Select() = %v, want %v", got, want)
		}
	})

	t.Run("prefers full over earlier partial", func(t *testing.T) {
		p := RetentionPolicy{Tiers: []Tier{{Window: week, Interval: day}}}
		fs := history(hours(1, 26, 28, 30), map[int]bool{3: true})
		got := versions(p.Select(fs, now))
		if want := []int{1, 3}; !reflect.DeepEqual(got, want) {
			t.Errorf("Select() = %v, want %v", got, want)
		}
	})

	t.Run("outside every window is deleted", func(t *testing.T) {
		p := RetentionPolicy{Tiers: []Tier{{Window: week, Interval: Unlimited}}}
		got := versions(p.Select(history(hours(1, 24*10), nil), now))
		if want := []int{1}; !reflect.DeepEqual(got, want) {
			t.Errorf("Select() = %v, want %v", got, want)
		}
	})

	t.Run("newest always survives", func(t *testing.T) {
		p := RetentionPolicy{Tiers: []Tier{{Window: time.Hour, Interval: Unlimited}}}
		got := versions(p.Select(history(hours(48, 72), nil), now))
		if want := []int{1}; !reflect.DeepEqual(got, want) {
			t.Errorf("Select() = %v, want %v", got, want)
		}
	})

	t.Run("unbounded tier buckets old entries", func(t *testing.T) {
		p, err := ParseRetentionPolicy("1W:U,U:1M")
		if err != nil {
			t.Fatal(err)
		}
		ages := []time.Duration{time.Hour, 40 * day, 45 * day, 50 * day, 100 * day}
		got := versions(p.Select(history(ages, nil), now))
		// 40D, 45D and 50D fall in month bucket 1; the earliest (50D) survives.
		if want := []int{1, 2}; !reflect.DeepEqual(got, want) {
			t.Errorf("Select() = %v, want %v", got, want)
		}
	})
}

func TestPoliciesAreOrderIndependent(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	var fs []Fileset
	for i := 0; i < 60; i++ {
		fs = append(fs, Fileset{
			Version:      i,
			Time:         now.Add(-time.Duration(i*i) * 3 * time.Hour),
			IsFullBackup: rng.Intn(4) != 0,
		})
	}
	tiered, err := ParseRetentionPolicy("1W:U,3M:1D,1Y:1W,U:1M")
	if err != nil {
		t.Fatal(err)
	}
	policies := map[string]Policy{
		"keep-versions": KeepVersions(7),
		"keep-time":     KeepTime(30 * day),
		"versions":      SpecificVersions{3, 5, 59},
		"tiered":        tiered,
	}

	for name, p := range policies {
		t.Run(name, func(t *testing.T) {
			want := versions(p.Select(fs, now))
			for i := 0; i < 50; i++ {
				shuffled := append([]Fileset(nil), fs...)
				rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
				if got := versions(p.Select(shuffled, now)); !reflect.DeepEqual(got, want) {
					t.Fatalf("shuffle %d: Select() = %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestCombine(t *testing.T) {
	t.Parallel()

	fs := history(hours(1, 2, 3, 4), nil)

	got, err := Combine(fs, now, Options{KeepVersions: 1})
	if err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	if want := []int{1, 2, 3}; !reflect.DeepEqual(versions(got), want) {
		t.Errorf("Combine(keep 1) = %v, want %v", versions(got), want)
	}

	// Explicit versions are removed before keep-versions counts what remains.
	got, err = Combine(fs, now, Options{KeepVersions: 2, Versions: SpecificVersions{0}})
	if err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	if want := []int{0, 3}; !reflect.DeepEqual(versions(got), want) {
		t.Errorf("Combine(versions+keep) = %v, want %v", versions(got), want)
	}

	_, err = Combine(fs, now, Options{Versions: SpecificVersions{0, 1, 2, 3}})
	if !errors.Is(err, ErrWouldRemoveAll) {
		t.Errorf("Combine(all) error = %v, want ErrWouldRemoveAll", err)
	}
	got, err = Combine(fs, now, Options{Versions: SpecificVersions{0, 1, 2, 3}, AllowFullRemoval: true})
	if err != nil || len(got) != 4 {
		t.Errorf("Combine(all, allowed) = %v, %v", versions(got), err)
	}
}
