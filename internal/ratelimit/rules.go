package ratelimit

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// RulesVersion changes whenever the rule tables below change.
const RulesVersion = 1

// exhaustionMarkers are error codes/types that mean the daily quota is spent.
var exhaustionMarkers = map[string]struct{}{
	"rate_limit_exhausted":  {},
	"daily_limit_exceeded":  {},
	"daily_limit_reached":   {},
	"quota_exceeded":        {},
	"insufficient_credits":  {},
	"credits_exhausted":     {},
	"generation_limit_hit":  {},
	"usage_limit_exhausted": {},
}

const concurrentCode = "too_many_concurrent_tasks"

var concurrentPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b\d+\s+generations?\s+in\s+progress`),
	regexp.MustCompile(`(?i)\b\d+\s+videos?\s+at\s+a\s+time`),
	regexp.MustCompile(`(?i)too\s+many\s+concurrent`),
	regexp.MustCompile(`(?i)maximum\s+(number\s+of\s+)?concurrent\s+generations?`),
}

var (
	resetKeys     = []string{"resetSeconds", "reset_seconds", "reset_after"}
	remainingKeys = []string{"remaining", "remaining_credits"}
	taskCountKeys = []string{"num_tasks", "numTasks", "task_count"}
)

// rule is one row of the match table. Rows are evaluated in order and the
// first match decides the kind.
type rule struct {
	name  string
	kind  Kind
	match func(p *payload, limit int) bool
}

var rules = []rule{
	{name: "exhausted type", kind: KindDailyLimit, match: func(p *payload, _ int) bool {
		return p.str("type") == "rate_limit_exhausted"
	}},
	{name: "exhaustion code", kind: KindDailyLimit, match: func(p *payload, _ int) bool {
		for _, v := range []string{p.errStr("code"), p.errStr("type"), p.str("code")} {
			if _, ok := exhaustionMarkers[v]; ok && v != "" {
				return true
			}
		}
		return false
	}},
	{name: "limit reached without credit", kind: KindDailyLimit, match: func(p *payload, _ int) bool {
		if !p.flag("rate_limit_reached") {
			return false
		}
		n, ok := p.num(remainingKeys...)
		return ok && n == 0
	}},
	{name: "concurrent code", kind: KindConcurrentLimit, match: func(p *payload, _ int) bool {
		return p.errStr("code") == concurrentCode || p.str("code") == concurrentCode
	}},
	{name: "task count at limit", kind: KindConcurrentLimit, match: func(p *payload, limit int) bool {
		n, ok := p.num(taskCountKeys...)
		return ok && limit > 0 && int(n) == limit
	}},
	{name: "concurrent phrase", kind: KindConcurrentLimit, match: func(p *payload, _ int) bool {
		msg := p.message()
		for _, re := range concurrentPhrases {
			if re.MatchString(msg) {
				return true
			}
		}
		return false
	}},
}

// payload is a loosely typed view over a failure body. Lookups check the top
// level first and then the nested "error" object.
type payload struct {
	raw  string
	top  map[string]any
	errs map[string]any
}

func parsePayload(body []byte) *payload {
	p := &payload{raw: string(body)}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		p.top = m
		if e, ok := m["error"].(map[string]any); ok {
			p.errs = e
		}
	}
	return p
}

func (p *payload) lookup(key string) (any, bool) {
	if v, ok := p.top[key]; ok {
		return v, true
	}
	if v, ok := p.errs[key]; ok {
		return v, true
	}
	return nil, false
}

func (p *payload) str(key string) string {
	v, _ := p.top[key].(string)
	return v
}

func (p *payload) errStr(key string) string {
	v, _ := p.errs[key].(string)
	return v
}

func (p *payload) flag(key string) bool {
	v, ok := p.lookup(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

// num returns the first numeric value found under keys.
func (p *payload) num(keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := p.lookup(k)
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// message returns the human-readable message, or the raw body when the body
// is not JSON.
func (p *payload) message() string {
	if p.top == nil {
		return p.raw
	}
	if s := p.errStr("message"); s != "" {
		return s
	}
	if s, ok := p.top["error"].(string); ok && s != "" {
		return s
	}
	if s := p.str("message"); s != "" {
		return s
	}
	return p.str("detail")
}
