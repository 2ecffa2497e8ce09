// Package classifier assigns queries a routing category from their text alone.
// Classification is pure: no I/O, no state mutation, identical output for
// identical input.
package classifier

import (
	"regexp"
	"strings"
)

// Category represents the routing category of a query.
type Category int

const (
	CategoryRead Category = iota // SELECT without heavy aggregation
	CategoryWrite                // INSERT, UPDATE, DELETE, DDL
	CategoryAnalytical           // aggregating / windowed / join-heavy reads
	CategoryTransactional        // multi-statement or explicit transactions
)

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryRead:
		return "READ"
	case CategoryWrite:
		return "WRITE"
	case CategoryAnalytical:
		return "ANALYTICAL"
	case CategoryTransactional:
		return "TRANSACTIONAL"
	default:
		return "UNKNOWN"
	}
}

// Pool names used for routing targets.
const (
	PoolPrimary     = "primary"
	PoolReadReplica = "read_replica"
	PoolAnalytics   = "analytics"
)

// Classification is the result of classifying one query.
type Classification struct {
	Category    Category
	TargetPool  string
	IsCacheable bool
	JoinCount   int
	Suggestions []string
}

// Classifier performs lexical query classification.
type Classifier struct {
	joinThreshold int
	suggestions   bool

	writePatterns      []*regexp.Regexp
	txnPatterns        []*regexp.Regexp
	windowPattern      *regexp.Regexp
	groupPattern       *regexp.Regexp
	joinPattern        *regexp.Regexp
	cteWritePattern    *regexp.Regexp
	nonDeterministic   []*regexp.Regexp
	selectStarPattern  *regexp.Regexp
	columnFnPatterns   []*regexp.Regexp
	statementSeparator *regexp.Regexp
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithJoinThreshold sets the join count above which a read is analytical.
func WithJoinThreshold(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.joinThreshold = n
		}
	}
}

// WithSuggestions toggles advisory optimization suggestions.
func WithSuggestions(enabled bool) Option {
	return func(c *Classifier) { c.suggestions = enabled }
}

// New creates a classifier with compiled patterns.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		joinThreshold: 2,
		suggestions:   true,
	}

	c.writePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*INSERT\s`),
		regexp.MustCompile(`(?i)^\s*UPDATE\s`),
		regexp.MustCompile(`(?i)^\s*DELETE\s`),
		regexp.MustCompile(`(?i)^\s*MERGE\s`),
		regexp.MustCompile(`(?i)^\s*CREATE\s`),
		regexp.MustCompile(`(?i)^\s*DROP\s`),
		regexp.MustCompile(`(?i)^\s*ALTER\s`),
		regexp.MustCompile(`(?i)^\s*TRUNCATE\s`),
	}

	c.txnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*BEGIN\b`),
		regexp.MustCompile(`(?i)^\s*START\s+TRANSACTION\b`),
		regexp.MustCompile(`(?i)^\s*COMMIT\b`),
		regexp.MustCompile(`(?i)^\s*ROLLBACK\b`),
		regexp.MustCompile(`(?i)^\s*SAVEPOINT\s`),
	}

	// A CTE counts as a write when its terminal statement mutates.
	c.cteWritePattern = regexp.MustCompile(`(?i)^\s*WITH\b[\s\S]*\)\s*(INSERT|UPDATE|DELETE)\b`)

	c.windowPattern = regexp.MustCompile(`(?i)\bOVER\s*\(`)
	c.groupPattern = regexp.MustCompile(`(?i)\b(GROUP\s+BY|HAVING)\b`)
	c.joinPattern = regexp.MustCompile(`(?i)\bJOIN\b`)

	c.nonDeterministic = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bNOW\s*\(`),
		regexp.MustCompile(`(?i)\bCURRENT_TIMESTAMP\b`),
		regexp.MustCompile(`(?i)\bCURRENT_DATE\b`),
		regexp.MustCompile(`(?i)\bCURRENT_TIME\b`),
		regexp.MustCompile(`(?i)\bLOCALTIMESTAMP\b`),
		regexp.MustCompile(`(?i)\bRANDOM\s*\(`),
		regexp.MustCompile(`(?i)\bGEN_RANDOM_UUID\s*\(`),
	}

	c.selectStarPattern = regexp.MustCompile(`(?i)\bSELECT\s+\*`)
	c.columnFnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bUPPER\s*\(`),
		regexp.MustCompile(`(?i)\bLOWER\s*\(`),
		regexp.MustCompile(`(?i)\bSUBSTRING\s*\(`),
	}

	c.statementSeparator = regexp.MustCompile(`;\s*\S`)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify inspects query text and assigns a category and target pool.
// Writes always target primary; that is never overridden.
func (c *Classifier) Classify(query string) Classification {
	trimmed := strings.TrimSpace(query)

	result := Classification{
		Category:    CategoryRead,
		TargetPool:  PoolReadReplica,
		IsCacheable: true,
	}
	if trimmed == "" {
		result.IsCacheable = false
		return result
	}

	switch {
	case c.isTransactional(trimmed):
		result.Category = CategoryTransactional
		result.TargetPool = PoolPrimary
		result.IsCacheable = false
		return result
	case c.isWrite(trimmed):
		result.Category = CategoryWrite
		result.TargetPool = PoolPrimary
		result.IsCacheable = false
		if c.suggestions {
			result.Suggestions = c.suggest(trimmed, CategoryWrite)
		}
		return result
	}

	// READ path: decide analytical vs plain, and cacheability.
	result.JoinCount = len(c.joinPattern.FindAllStringIndex(trimmed, -1))
	if c.groupPattern.MatchString(trimmed) ||
		c.windowPattern.MatchString(trimmed) ||
		result.JoinCount > c.joinThreshold {
		result.Category = CategoryAnalytical
		result.TargetPool = PoolAnalytics
	}

	for _, p := range c.nonDeterministic {
		if p.MatchString(trimmed) {
			result.IsCacheable = false
			break
		}
	}

	if c.suggestions {
		result.Suggestions = c.suggest(trimmed, result.Category)
	}
	return result
}

// isTransactional reports explicit transaction control or multi-statement text.
func (c *Classifier) isTransactional(query string) bool {
	for _, p := range c.txnPatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return c.statementSeparator.MatchString(query)
}

func (c *Classifier) isWrite(query string) bool {
	if c.cteWritePattern.MatchString(query) {
		return true
	}
	for _, p := range c.writePatterns {
		if p.MatchString(query) {
			return true
		}
	}
	return false
}

// suggest produces advisory optimization hints. They are used for logging and
// metrics only and never alter the query.
func (c *Classifier) suggest(query string, category Category) []string {
	var suggestions []string
	upper := strings.ToUpper(query)

	if c.selectStarPattern.MatchString(query) {
		suggestions = append(suggestions, "avoid SELECT * - specify required columns")
	}
	if category != CategoryWrite && strings.Contains(upper, "SELECT") &&
		!strings.Contains(upper, "WHERE") && !strings.Contains(upper, "LIMIT") {
		suggestions = append(suggestions, "consider adding a WHERE clause to filter results")
	}
	if strings.Contains(upper, " OR ") {
		suggestions = append(suggestions, "OR conditions may prevent index usage - consider UNION")
	}
	for _, p := range c.columnFnPatterns {
		if p.MatchString(query) {
			suggestions = append(suggestions, "function calls on columns prevent index usage")
			break
		}
	}
	return suggestions
}
