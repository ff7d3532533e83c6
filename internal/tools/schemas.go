package tools

// Input schemas, compiled once when the registry is built. Shared fragments
// are spliced in by constant concatenation so the published documents stay
// self-contained.

const timeRangeSchema = `{
	"type": "object",
	"description": "Absolute start/end (RFC 3339), a relative window (last_<n>_<unit>), or a window around an event id. Empty selects the last 24 hours.",
	"properties": {
		"start": {"type": "string"},
		"end": {"type": "string"},
		"relative": {"type": "string", "pattern": "^last_[0-9]+_(minute|minutes|hour|hours|day|days|week|weeks)$"},
		"event_id": {"type": "string", "minLength": 1},
		"delta_minutes": {"type": "integer", "minimum": 1, "maximum": 10080}
	},
	"additionalProperties": false
}`

const filtersSchema = `{
	"type": "object",
	"description": "Filters keyed by canonical field name; a value may be a scalar or an array of alternatives.",
	"additionalProperties": {
		"type": ["string", "number", "boolean", "array"],
		"items": {"type": ["string", "number", "boolean"]}
	}
}`

const fieldListSchema = `{
	"type": "array",
	"description": "Canonical field names to return; empty returns the full documents.",
	"items": {"type": "string", "minLength": 1},
	"uniqueItems": true
}`

const campaignObjectSchema = `{
	"type": "object",
	"description": "A campaign object exactly as returned by analyze_campaign.",
	"properties": {
		"id": {"type": "string"},
		"seed_indicators": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"confidence_score": {"type": "number"},
		"confidence_tier": {"type": "string"},
		"window_start": {"type": "string"},
		"window_end": {"type": "string"},
		"first_seen": {"type": "string"},
		"last_seen": {"type": "string"},
		"related_indicators": {"type": "array", "items": {"type": "string"}},
		"event_ids": {"type": "array", "items": {"type": "string"}},
		"correlation_methods_fired": {"type": "array", "items": {"type": "string"}},
		"event_count": {"type": "integer"},
		"source_count": {"type": "integer"}
	},
	"required": ["seed_indicators", "window_start", "window_end"]
}`

const correlationMethodsSchema = `{
	"type": "array",
	"description": "Correlation methods to run; empty runs the full pipeline.",
	"items": {"enum": ["ip_correlation", "infrastructure_correlation", "behavioral_correlation", "temporal_correlation", "geospatial_correlation", "network_correlation"]},
	"uniqueItems": true
}`

const emptyObjectSchema = `{
	"type": "object",
	"additionalProperties": false
}`

const queryEventsSchema = `{
	"type": "object",
	"properties": {
		"filters": ` + filtersSchema + `,
		"time_range": ` + timeRangeSchema + `,
		"fields": ` + fieldListSchema + `,
		"page_size": {"type": "integer", "minimum": 1, "maximum": 1000},
		"offset": {"type": "integer", "minimum": 0, "maximum": 10000},
		"cursor": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const streamEventsSchema = `{
	"type": "object",
	"properties": {
		"filters": ` + filtersSchema + `,
		"time_range": ` + timeRangeSchema + `,
		"fields": ` + fieldListSchema + `,
		"chunk_size": {"type": "integer", "minimum": 1, "maximum": 1000},
		"max_chunks": {"type": "integer", "minimum": 1, "maximum": 100},
		"cursor": {"type": "string", "minLength": 1},
		"session_context": {"type": "boolean", "description": "Keep events of one attack session adjacent. Defaults to true."}
	},
	"additionalProperties": false
}`

const analyzeCampaignSchema = `{
	"type": "object",
	"properties": {
		"seeds": {
			"type": "array",
			"description": "Seed indicators: IPs, CIDRs, domains, hashes, or usernames.",
			"items": {"type": "string", "minLength": 1},
			"minItems": 1,
			"maxItems": 100
		},
		"time_range": ` + timeRangeSchema + `,
		"methods": ` + correlationMethodsSchema + `,
		"min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"granularity": {"enum": ["minute", "hour", "day"]}
	},
	"required": ["seeds"],
	"additionalProperties": false
}`

const expandIndicatorsSchema = `{
	"type": "object",
	"properties": {
		"campaign": ` + campaignObjectSchema + `,
		"strategy": {"enum": ["ip", "infrastructure", "all"]},
		"depth": {"type": "integer", "minimum": 1, "maximum": 5}
	},
	"required": ["campaign"],
	"additionalProperties": false
}`

const campaignTimelineSchema = `{
	"type": "object",
	"properties": {
		"seeds": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 1,
			"maxItems": 100
		},
		"time_range": ` + timeRangeSchema + `,
		"granularity": {"enum": ["minute", "hour", "day"]}
	},
	"required": ["seeds"],
	"additionalProperties": false
}`

const detectAnomaliesSchema = `{
	"type": "object",
	"properties": {
		"filters": ` + filtersSchema + `,
		"time_range": ` + timeRangeSchema + `,
		"method": {"enum": ["zscore", "iqr", "isolation_forest"]},
		"dimension": {"enum": ["event_volume", "unique_sources", "unique_usernames"]},
		"interval": {"enum": ["minute", "hour", "day"]},
		"sensitivity": {
			"type": "number",
			"description": "Near 0 flags only extreme outliers, 1 flags aggressively. Defaults to 0.5.",
			"exclusiveMinimum": 0,
			"maximum": 1
		}
	},
	"required": ["method"],
	"additionalProperties": false
}`

const enrichIPSchema = `{
	"type": "object",
	"properties": {
		"ip": {"type": "string", "minLength": 1},
		"ips": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 1,
			"maxItems": 100
		}
	},
	"anyOf": [
		{"required": ["ip"]},
		{"required": ["ips"]}
	],
	"additionalProperties": false
}`

const compareCampaignsSchema = `{
	"type": "object",
	"properties": {
		"campaign_a": ` + campaignObjectSchema + `,
		"campaign_b": ` + campaignObjectSchema + `
	},
	"required": ["campaign_a", "campaign_b"],
	"additionalProperties": false
}`

const detectOngoingSchema = `{
	"type": "object",
	"properties": {
		"time_range": ` + timeRangeSchema + `,
		"min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"min_events": {"type": "integer", "minimum": 2, "maximum": 10000},
		"max_campaigns": {"type": "integer", "minimum": 1, "maximum": 50}
	},
	"additionalProperties": false
}`

const generateReportSchema = `{
	"type": "object",
	"properties": {
		"template": {"enum": ["attack_report", "campaign_summary"]},
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"time_range": ` + timeRangeSchema + `,
		"filters": ` + filtersSchema + `,
		"campaign": ` + campaignObjectSchema + `,
		"max_events": {"type": "integer", "minimum": 0, "maximum": 1000},
		"filename": {
			"type": "string",
			"description": "Basename for the written PDF; a timestamped name is generated when omitted.",
			"pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$",
			"maxLength": 128
		}
	},
	"required": ["template"],
	"additionalProperties": false
}`
