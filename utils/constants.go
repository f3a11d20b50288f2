package utils

// Message and schedule limits
const (
	// MaxMessageVariations is the maximum number of stored variations per message
	MaxMessageVariations = 5

	// DefaultScheduleListLimit caps unpaged schedule listings
	DefaultScheduleListLimit = 200

	// ScheduleStatusCachePrefix prefixes Redis keys caching schedule statuses
	ScheduleStatusCachePrefix = "herald:schedule:status:"
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)
