package payment

import (
	"strings"
	"time"
)

// SortOrder defines how results should be ordered when listing payments.
type SortOrder int

const (
	// SortByVerifiedDesc orders payments by VerifiedAt descending (most recent first).
	SortByVerifiedDesc SortOrder = iota
	// SortByVerifiedAsc orders payments by VerifiedAt ascending (oldest first).
	SortByVerifiedAsc
)

// ListOptions controls how payments are selected when querying the ledger.
type ListOptions struct {
	Limit        int
	Offset       int
	ServiceTypes []string
	VerifiedGTE  int64
	VerifiedLTE  int64
	Order        SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.ServiceTypes != nil {
		opts.ServiceTypes = normalizeServiceTypes(opts.ServiceTypes)
	}
	if opts.Order != SortByVerifiedAsc {
		opts.Order = SortByVerifiedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of payments returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching payments before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithServiceTypes filters payments by the provided service types.
func WithServiceTypes(serviceTypes ...string) ListOption {
	return func(opts *ListOptions) {
		opts.ServiceTypes = append(opts.ServiceTypes[:0], serviceTypes...)
	}
}

// WithVerifiedSince filters payments verified after the provided instant (inclusive).
func WithVerifiedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.VerifiedGTE = 0
			return
		}
		opts.VerifiedGTE = ts.Unix()
	}
}

// WithVerifiedUntil filters payments verified before the provided instant (inclusive).
func WithVerifiedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.VerifiedLTE = 0
			return
		}
		opts.VerifiedLTE = ts.Unix()
	}
}

// WithSortOrder changes the returned order of payments.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeServiceTypes(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(input))
	result := make([]string, 0, len(input))
	for _, serviceType := range input {
		serviceType = strings.TrimSpace(serviceType)
		if serviceType == "" {
			continue
		}
		if _, ok := seen[serviceType]; ok {
			continue
		}
		seen[serviceType] = struct{}{}
		result = append(result, serviceType)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
