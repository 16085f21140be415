// Package pipeline implements the orchestration core: the immutable
// context threaded through stages, the stage contract, and the
// sequential runtime with per-stage error containment.
package pipeline

// Key is a context key from the closed set the stages exchange values
// under. Values are heterogeneous; stages use the typed accessors in
// accessors.go rather than raw type assertions.
type Key string

const (
	KeyUserQuery        Key = "USER_QUERY"
	KeyWeekID           Key = "WEEK_ID"
	KeyJobID            Key = "JOB_ID"
	KeyMarketSnapshot   Key = "MARKET_SNAPSHOT"
	KeySentiment        Key = "SENTIMENT"
	KeyResearchPacks    Key = "RESEARCH_PACKS"
	KeyPMPitches        Key = "PM_PITCHES"
	KeyAnonLabelMap     Key = "ANON_LABEL_MAP"
	KeyPeerReviews      Key = "PEER_REVIEWS"
	KeyChairmanDecision Key = "CHAIRMAN_DECISION"
	KeyExecutionResults Key = "EXECUTION_RESULTS"
	KeyDegradedSources  Key = "DEGRADED_SOURCES"
)

// Context is an immutable key/value bag. With returns a new Context
// sharing the parent's entries; the parent remains valid and may be read
// concurrently from any number of goroutines. There are no writers after
// construction, so no locking is needed.
type Context struct {
	values map[Key]any
}

// NewContext builds a context from initial values. The map is copied.
func NewContext(values map[Key]any) *Context {
	m := make(map[Key]any, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &Context{values: m}
}

// Get returns the value for key and whether it is present.
func (c *Context) Get(key Key) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key is set.
func (c *Context) Has(key Key) bool {
	_, ok := c.values[key]
	return ok
}

// With returns a new context with key set to value. The receiver is not
// modified. Copying the map keeps contexts cheap at the sizes a run
// produces (a dozen keys).
func (c *Context) With(key Key, value any) *Context {
	m := make(map[Key]any, len(c.values)+1)
	for k, v := range c.values {
		m[k] = v
	}
	m[key] = value
	return &Context{values: m}
}

// Keys returns the set of keys present. Used by the runtime for contract
// checks and error messages.
func (c *Context) Keys() []Key {
	keys := make([]Key, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}
