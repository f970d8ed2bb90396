package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dateParser = newDateParser()

func newDateParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ResolveDate turns a date expression into a date key. It accepts an exact
// YYYY-MM-DD date or natural language such as "today", "yesterday" or
// "last friday", interpreted relative to now. An empty expression means today.
func ResolveDate(expr string, now time.Time) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return DateKey(now), nil
	}
	if isDate(expr) {
		return expr, nil
	}

	r, err := dateParser.Parse(expr, now)
	if err != nil {
		return "", fmt.Errorf("%w: cannot parse date %q: %v", ErrInvalid, expr, err)
	}
	if r == nil {
		return "", fmt.Errorf("%w: no date found in %q", ErrInvalid, expr)
	}
	return DateKey(r.Time), nil
}
