package address

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, mutate ...func(*Options)) *Resolver {
	t.Helper()
	opts := Options{
		MaxLength:       80,
		AllowUnderscore: true,
		DelayThreshold:  15 * time.Minute,
		BucketWidth:     time.Hour,
	}
	for _, m := range mutate {
		m(&opts)
	}
	r, err := NewResolver(opts)
	require.NoError(t, err)
	return r
}

func TestResolver_Normalize(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		underscore bool
		want       string
		wantErr    bool
	}{
		{name: "already valid", address: "orders", underscore: true, want: "orders"},
		{name: "lower-cased", address: "Orders-Queue", underscore: true, want: "orders-queue"},
		{name: "dots and slashes", address: "billing.v2/events", underscore: true, want: "billing-v2-events"},
		{name: "runs collapse", address: "a  ..  b", underscore: true, want: "a-b"},
		{name: "edges trimmed", address: "--@orders!--", underscore: true, want: "orders"},
		{name: "underscore kept", address: "my_queue", underscore: true, want: "my_queue"},
		{name: "underscore replaced", address: "my_queue", underscore: false, want: "my-queue"},
		{name: "non-ascii replaced", address: "café", underscore: true, want: "caf"},
		{name: "empty", address: "", underscore: true, wantErr: true},
		{name: "only symbols", address: "@@@", underscore: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, func(o *Options) { o.AllowUnderscore = tt.underscore })

			got, err := r.Normalize(tt.address)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidAddress), "error = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_NormalizeTruncatesWithHash(t *testing.T) {
	r := newTestResolver(t, func(o *Options) { o.MaxLength = 40 })

	long1 := strings.Repeat("a", 60) + "-one"
	long2 := strings.Repeat("a", 60) + "-two"

	n1, err := r.Normalize(long1)
	require.NoError(t, err)
	n2, err := r.Normalize(long2)
	require.NoError(t, err)

	assert.Len(t, n1, 40)
	assert.Len(t, n2, 40)
	assert.NotEqual(t, n1, n2, "truncated names must stay distinct")
	assert.Equal(t, strings.Repeat("a", 31)+"-", n1[:32])

	again, err := r.Normalize(long1)
	require.NoError(t, err)
	assert.Equal(t, n1, again, "truncation must be deterministic")
}

func TestResolver_Resolve(t *testing.T) {
	r := newTestResolver(t)
	now := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)

	plain, err := r.Resolve("Orders", time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, "orders", plain)

	withinThreshold, err := r.Resolve("Orders", now.Add(15*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, "orders", withinThreshold)

	beyond, err := r.Resolve("Orders", now.Add(2*time.Hour+5*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, "orders--t20260301140000", beyond)

	assert.False(t, r.IsDeferred(now.Add(time.Minute), now))
	assert.True(t, r.IsDeferred(now.Add(time.Hour), now))
}

func TestResolver_BucketNameIsDeterministic(t *testing.T) {
	r := newTestResolver(t)

	first := time.Date(2026, 3, 1, 14, 5, 0, 0, time.UTC)
	sameSlot := time.Date(2026, 3, 1, 14, 59, 59, 0, time.UTC)
	otherZone := first.In(time.FixedZone("CET", 3600))

	a, err := r.BucketName("orders", first)
	require.NoError(t, err)
	b, err := r.BucketName("orders", sameSlot)
	require.NoError(t, err)
	c, err := r.BucketName("orders", otherZone)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)

	next, err := r.BucketName("orders", first.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, a, next)
}

func TestResolver_BucketNameFitsMaxLength(t *testing.T) {
	r := newTestResolver(t, func(o *Options) { o.MaxLength = 40 })

	name, err := r.BucketName(strings.Repeat("x", 100), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, name, 40)

	base, start, ok := ParseBucket(name)
	require.True(t, ok)
	assert.Len(t, base, 23)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestResolver_BucketsBetween(t *testing.T) {
	r := newTestResolver(t)
	from := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	names, err := r.BucketsBetween("orders", from, from.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"orders--t20260301120000",
		"orders--t20260301130000",
		"orders--t20260301140000",
	}, names)

	none, err := r.BucketsBetween("orders", from, from.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestParseBucket(t *testing.T) {
	base, start, ok := ParseBucket("billing-events--t20260301130000")
	require.True(t, ok)
	assert.Equal(t, "billing-events", base)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), start)

	_, _, ok = ParseBucket("orders")
	assert.False(t, ok)

	_, _, ok = ParseBucket("orders--t2026")
	assert.False(t, ok)

	_, _, ok = ParseBucket("orders--t20261399990000")
	assert.False(t, ok)
}

func TestResolver_PlainNamesNeverParseAsBuckets(t *testing.T) {
	r := newTestResolver(t, func(o *Options) { o.MaxLength = 40 })

	addresses := []string{
		"reports-t20200101000000",
		"reports--t20200101000000",
		"Reports -T20200101000000",
		"a---t20260301130000",
		strings.Repeat("x", 60) + "--t20260301130000",
	}
	for _, addr := range addresses {
		name, err := r.Normalize(addr)
		require.NoError(t, err)

		_, _, ok := ParseBucket(name)
		assert.False(t, ok, "plain queue %q for address %q must not look like a bucket", name, addr)
	}

	bucket, err := r.BucketName("reports-t20200101000000", time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "reports-t20200101000000--t20260301130000", bucket)

	base, _, ok := ParseBucket(bucket)
	require.True(t, ok)
	assert.Equal(t, "reports-t20200101000000", base)
}

func TestNewResolver_Validation(t *testing.T) {
	_, err := NewResolver(Options{MaxLength: 20, DelayThreshold: time.Minute, BucketWidth: time.Hour})
	assert.Error(t, err)

	_, err = NewResolver(Options{MaxLength: 80, DelayThreshold: time.Minute})
	assert.Error(t, err)

	_, err = NewResolver(Options{MaxLength: 80, BucketWidth: time.Hour})
	assert.Error(t, err)
}
