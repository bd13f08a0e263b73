package robots

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRobots = "User-agent: *\nDisallow: /admin/\nAllow: /search\nCrawl-delay: 2"

func TestParseSampleDocument(t *testing.T) {
	t.Parallel()

	rs := Parse(sampleRobots, "gradepop-bot")

	require.True(t, rs.HasRules)
	require.False(t, rs.SpecificRules)
	require.True(t, rs.IsAllowed)
	require.Equal(t, []string{"*"}, rs.UserAgents)
	require.Equal(t, []string{"/admin/"}, rs.Disallow)
	require.Equal(t, []string{"/search"}, rs.Allow)
	require.InDelta(t, 2.0, rs.CrawlDelaySeconds, 1e-9)

	assert.False(t, Evaluate(rs, "gradepop-bot", "/admin/users"))
	assert.True(t, Evaluate(rs, "gradepop-bot", "/search?q=charizard"))
	assert.True(t, Evaluate(rs, "gradepop-bot", "/"))
	assert.True(t, Evaluate(rs, "gradepop-bot", "/admin"))
}

func TestParseAgentSections(t *testing.T) {
	t.Parallel()

	content := `# site rules
User-agent: googlebot
Disallow: /

User-agent: Gradepop-Bot
Disallow: /private   # members only
Allow: /private/public
`
	rs := Parse(content, "gradepop-bot")

	require.True(t, rs.HasRules)
	require.True(t, rs.SpecificRules)
	require.Equal(t, []string{"Gradepop-Bot"}, rs.UserAgents)
	require.Equal(t, []string{"/private"}, rs.Disallow)
	assert.True(t, rs.IsAllowed)
	assert.False(t, Evaluate(rs, "gradepop-bot", "/private/cards"))
	assert.True(t, Evaluate(rs, "gradepop-bot", "/private/public/list"))
	assert.True(t, Evaluate(rs, "gradepop-bot", "/pop/report"))
}

func TestParseGroupedUserAgents(t *testing.T) {
	t.Parallel()

	content := "User-agent: somebot\nUser-agent: *\nDisallow: /x\n\nUser-agent: otherbot\nDisallow: /y\n"
	rs := Parse(content, "gradepop-bot")

	require.Equal(t, []string{"/x"}, rs.Disallow)
	assert.False(t, Evaluate(rs, "gradepop-bot", "/x/1"))
	assert.True(t, Evaluate(rs, "gradepop-bot", "/y/1"))
}

func TestParseNoApplicableSection(t *testing.T) {
	t.Parallel()

	rs := Parse("User-agent: googlebot\nDisallow: /", "gradepop-bot")

	require.False(t, rs.HasRules)
	require.True(t, rs.IsAllowed)
	assert.True(t, Evaluate(rs, "gradepop-bot", "/anything"))
}

func TestParseIgnoresEmptyValues(t *testing.T) {
	t.Parallel()

	rs := Parse("User-agent: *\nDisallow:\nAllow:\n", "gradepop-bot")

	require.True(t, rs.HasRules)
	require.Empty(t, rs.Disallow)
	require.Empty(t, rs.Allow)
	require.True(t, rs.IsAllowed)
}

func TestParseCrawlDelay(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    float64
	}{
		{"default", "User-agent: *\nDisallow: /x", 1},
		{"clamped", "User-agent: *\nCrawl-delay: 0.5", 1},
		{"fractional", "User-agent: *\nCrawl-delay: 2.5", 2.5},
		{"garbage ignored", "User-agent: *\nCrawl-delay: soon", 1},
		{"negative ignored", "User-agent: *\nCrawl-delay: -4", 1},
		{"last wins", "User-agent: *\nCrawl-delay: 5\nCrawl-delay: 3", 3},
		{"case insensitive", "USER-AGENT: *\nCRAWL-DELAY: 7", 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.InDelta(t, tc.want, Parse(tc.content, "gradepop-bot").CrawlDelaySeconds, 1e-9)
		})
	}
}

func TestParseSitemapsAndHost(t *testing.T) {
	t.Parallel()

	content := "Sitemap: https://example.com/a.xml\nSitemap: https://example.com/a.xml\nSitemap: https://example.com/b.xml\nHost: example.com\nHost: other.com\n"
	rs := Parse(content, "gradepop-bot")

	require.Equal(t, []string{"https://example.com/a.xml", "https://example.com/b.xml"}, rs.Sitemaps)
	require.Equal(t, "example.com", rs.Host)
	require.False(t, rs.HasRules)
}

func TestParsePermissiveDocument(t *testing.T) {
	t.Parallel()

	rs := Parse(PermissiveRobots, "gradepop-bot")

	require.True(t, rs.IsAllowed)
	require.Equal(t, []string{"/"}, rs.Allow)
	require.InDelta(t, 1.0, rs.CrawlDelaySeconds, 1e-9)
	assert.True(t, Evaluate(rs, "gradepop-bot", "/pop/search"))
}

func TestProductToken(t *testing.T) {
	t.Parallel()

	require.Equal(t, "gradepop-bot", ProductToken("gradepop-bot/1.2 (+https://example.com/bot)"))
	require.Equal(t, "Mozilla", ProductToken("Mozilla/5.0 (X11)"))
	require.Equal(t, "plain", ProductToken("  plain  "))
}
