package dynamo

import "time"

// DynamoDB attribute names used in key, condition and update expressions.
// Using constants prevents silent runtime bugs caused by key typos.
const (
	fieldJTI    = "jti"
	fieldStatus = "status"
	fieldTTL    = "ttl" // Unix seconds; DynamoDB TTL attribute
)

const tableWaitTimeout = 2 * time.Minute
