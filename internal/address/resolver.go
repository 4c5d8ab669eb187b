// Package address maps logical destination addresses to physical queue names.
//
// Addresses are lower-cased and normalized to the characters queue services
// accept. Deliveries due further out than the delay threshold go to a
// time-bucket queue named after the slot containing the delivery instant:
//
//	orders                    plain queue
//	orders--t20260301130000   bucket holding messages due 13:00-14:00 UTC
//
// Names that exceed the maximum length are truncated and suffixed with a hash
// of the full name, so distinct long addresses stay distinct.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/config"
)

const (
	bucketMarker = "--t"
	bucketLayout = "20060102150405"
	bucketSuffix = len(bucketMarker) + len(bucketLayout)
	hashLength   = 8
)

// ErrInvalidAddress is returned for addresses that normalize to nothing
var ErrInvalidAddress = errors.New("invalid queue address")

var bucketPattern = regexp.MustCompile(`^(.+)--t(\d{14})$`)

// Options controls name normalization and bucketing
type Options struct {
	MaxLength       int
	AllowUnderscore bool
	DelayThreshold  time.Duration
	BucketWidth     time.Duration
}

// OptionsFromConfig extracts resolver options from the transport configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxLength:       cfg.MaxQueueNameLength,
		AllowUnderscore: cfg.AllowUnderscore,
		DelayThreshold:  cfg.DelayThreshold,
		BucketWidth:     cfg.BucketWidth,
	}
}

// Resolver turns addresses into physical queue names
type Resolver struct {
	opts Options
}

// NewResolver validates opts and returns a resolver
func NewResolver(opts Options) (*Resolver, error) {
	// A bucket name needs room for one base character, the hash and the slot suffix
	if minLength := bucketSuffix + hashLength + 2; opts.MaxLength < minLength {
		return nil, fmt.Errorf("max queue name length must be at least %d, got %d", minLength, opts.MaxLength)
	}
	if opts.BucketWidth <= 0 {
		return nil, fmt.Errorf("bucket width must be positive, got %s", opts.BucketWidth)
	}
	if opts.DelayThreshold <= 0 {
		return nil, fmt.Errorf("delay threshold must be positive, got %s", opts.DelayThreshold)
	}
	return &Resolver{opts: opts}, nil
}

// Options returns the resolver's options
func (r *Resolver) Options() Options {
	return r.opts
}

// Normalize returns the plain physical queue name for address
func (r *Resolver) Normalize(address string) (string, error) {
	name, err := r.clean(address)
	if err != nil {
		return "", err
	}
	return truncate(name, r.opts.MaxLength), nil
}

func (r *Resolver) clean(address string) (string, error) {
	var b strings.Builder
	b.Grow(len(address))

	lastDash := false
	for _, ch := range strings.ToLower(address) {
		allowed := (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || (ch == '_' && r.opts.AllowUnderscore)
		if allowed {
			b.WriteRune(ch)
			lastDash = false
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}

	name := strings.Trim(b.String(), "-")
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return name, nil
}

// truncate shortens name to limit characters, replacing the tail with a hash of the whole name
func truncate(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	hash := fmt.Sprintf("%0*x", hashLength, uint32(xxhash.Sum64String(name)))
	keep := strings.TrimRight(name[:limit-hashLength-1], "-")
	return keep + "-" + hash
}

// Resolve picks the physical queue for a delivery at deliverAt.
// A zero deliverAt, or one within the delay threshold of now, resolves to the plain queue.
func (r *Resolver) Resolve(address string, deliverAt, now time.Time) (string, error) {
	if deliverAt.IsZero() || deliverAt.Sub(now) <= r.opts.DelayThreshold {
		return r.Normalize(address)
	}
	return r.BucketName(address, deliverAt)
}

// IsDeferred reports whether a delivery at deliverAt goes through a bucket queue
func (r *Resolver) IsDeferred(deliverAt, now time.Time) bool {
	return !deliverAt.IsZero() && deliverAt.Sub(now) > r.opts.DelayThreshold
}

// BucketStart rounds instant down to its bucket slot
func (r *Resolver) BucketStart(instant time.Time) time.Time {
	return instant.UTC().Truncate(r.opts.BucketWidth)
}

// BucketName returns the bucket queue holding deliveries due at instant.
// It depends only on address, instant and the bucket width.
func (r *Resolver) BucketName(address string, instant time.Time) (string, error) {
	base, err := r.clean(address)
	if err != nil {
		return "", err
	}
	base = truncate(base, r.opts.MaxLength-bucketSuffix)
	return base + bucketMarker + r.BucketStart(instant).Format(bucketLayout), nil
}

// BucketsBetween lists the bucket queues whose slots intersect [from, to]
func (r *Resolver) BucketsBetween(address string, from, to time.Time) ([]string, error) {
	if to.Before(from) {
		return nil, nil
	}

	var names []string
	for slot := r.BucketStart(from); !slot.After(to); slot = slot.Add(r.opts.BucketWidth) {
		name, err := r.BucketName(address, slot)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// ParseBucket splits a bucket queue name into its base name and slot start
func ParseBucket(name string) (base string, start time.Time, ok bool) {
	m := bucketPattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	start, err := time.ParseInLocation(bucketLayout, m[2], time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], start, true
}
