package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

const listingHTML = `<html><head><title>Apps using o3</title><script>var x = 1;</script></head>
<body>
  <h1>Top apps</h1>
  <div class="card"><a href="/apps?url=https%3A%2F%2Fcline.bot%2F">Cline</a><span>1.2B tokens</span></div>
  <div class="card"><a href="https://roocode.com">Roo Code</a><span>850K tokens</span></div>
  <div class="card"><a href="https://roocode.com">Roo Code again</a></div>
  <a href="#top">back to top</a>
</body></html>`

func TestCondenseListingKeepsTextAndLinks(t *testing.T) {
	t.Parallel()

	text := condenseListing(collector.Page{URL: "https://openrouter.ai/openai/o3/apps", HTML: listingHTML}, 0)

	assert.Contains(t, text, "Top apps")
	assert.Contains(t, text, "1.2B tokens")
	assert.Contains(t, text, "- Cline -> https://openrouter.ai/apps?url=https%3A%2F%2Fcline.bot%2F")
	assert.Contains(t, text, "- Roo Code -> https://roocode.com")
	assert.NotContains(t, text, "var x")
	assert.NotContains(t, text, "#top")
	assert.Equal(t, 1, strings.Count(text, "https://roocode.com"))
}

func TestCondenseArticleUsesMetadata(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Cline</title>
<meta name="description" content="Autonomous coding agent right in your IDE">
</head><body><nav>Home Docs</nav><article><h1>Cline</h1>
<p>Cline can create and edit files, explore large projects, use the browser, and execute terminal commands after you grant permission.</p>
</article></body></html>`

	text := condenseArticle(collector.Page{URL: "https://cline.bot/", HTML: html}, 0)
	assert.True(t, strings.HasPrefix(text, "TITLE: Cline\n"))
	assert.Contains(t, text, "DESCRIPTION: Autonomous coding agent right in your IDE")
	assert.Contains(t, text, "execute terminal commands")
}

func TestTruncateRespectsRuneBoundaries(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "a", truncate("aé", 2))
}
