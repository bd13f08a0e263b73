// Package robots parses robots.txt documents into immutable rule sets and
// evaluates crawl permissions and crawl delays for a user-agent.
package robots

import (
	"bufio"
	"math"
	"strconv"
	"strings"
)

// MinCrawlDelaySeconds is the floor applied to every parsed crawl delay.
const MinCrawlDelaySeconds = 1.0

// PermissiveRobots is the synthetic document used when a host has no robots.txt.
const PermissiveRobots = "User-agent: *\nAllow: /\nCrawl-delay: 1"

// RuleSet is the parsed view of one robots.txt for one target agent.
// A RuleSet is never mutated after Parse returns.
type RuleSet struct {
	UserAgents        []string `json:"user_agents"`
	Disallow          []string `json:"disallow"`
	Allow             []string `json:"allow"`
	CrawlDelaySeconds float64  `json:"crawl_delay_seconds"`
	Sitemaps          []string `json:"sitemaps,omitempty"`
	Host              string   `json:"host,omitempty"`
	// HasRules is set when a wildcard or agent-specific section was seen.
	HasRules bool `json:"has_rules"`
	// SpecificRules is set when a section named the target agent exactly.
	SpecificRules bool `json:"specific_rules"`
	// IsAllowed reports whether the site root is crawlable for the target agent.
	IsAllowed bool `json:"is_allowed"`
}

// Parse builds a RuleSet from robots.txt content for targetAgent.
//
// Consecutive user-agent lines form one section. A section applies when one
// of its tokens is "*" or equals targetAgent (case-insensitive); only
// applicable sections contribute allow/disallow paths.
func Parse(content, targetAgent string) RuleSet {
	rs := RuleSet{CrawlDelaySeconds: MinCrawlDelaySeconds}
	target := strings.ToLower(strings.TrimSpace(targetAgent))

	var (
		applicable   bool
		inAgentRun   bool
		wildcardSeen bool
		specificSeen bool
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := stripComment(scanner.Text())
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		directive := strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)

		if directive == "user-agent" {
			if !inAgentRun {
				applicable = false
			}
			inAgentRun = true
			token := strings.ToLower(value)
			switch {
			case token == "*":
				wildcardSeen = true
				applicable = true
				rs.UserAgents = appendUnique(rs.UserAgents, "*")
			case target != "" && token == target:
				specificSeen = true
				applicable = true
				rs.UserAgents = appendUnique(rs.UserAgents, value)
			}
			continue
		}
		inAgentRun = false

		switch directive {
		case "disallow":
			if applicable && value != "" {
				rs.Disallow = append(rs.Disallow, normalizePath(value))
			}
		case "allow":
			if applicable && value != "" {
				rs.Allow = append(rs.Allow, normalizePath(value))
			}
		case "crawl-delay":
			if delay, ok := parseDelay(value); ok {
				rs.CrawlDelaySeconds = delay
			}
		case "sitemap":
			if value != "" {
				rs.Sitemaps = appendUnique(rs.Sitemaps, value)
			}
		case "host":
			if rs.Host == "" && value != "" {
				rs.Host = value
			}
		}
	}

	rs.HasRules = wildcardSeen || specificSeen
	rs.SpecificRules = specificSeen
	rs.IsAllowed = Evaluate(rs, targetAgent, "/")
	return rs
}

// AppliesTo reports whether the rule set recorded a wildcard section or a
// section for agent.
func (rs RuleSet) AppliesTo(agent string) bool {
	for _, ua := range rs.UserAgents {
		if ua == "*" || strings.EqualFold(ua, agent) {
			return true
		}
	}
	return false
}

// ProductToken extracts the robots.txt product token from a full User-Agent
// header, e.g. "gradepop-bot/1.2 (+https://x)" becomes "gradepop-bot".
func ProductToken(userAgent string) string {
	token := strings.TrimSpace(userAgent)
	if i := strings.IndexAny(token, "/ "); i >= 0 {
		token = token[:i]
	}
	return token
}

func parseDelay(value string) (float64, bool) {
	delay, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(delay) || math.IsInf(delay, 0) || delay <= 0 {
		return 0, false
	}
	return math.Max(MinCrawlDelaySeconds, delay), true
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
