package timeout

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitQuery(w string) url.Values {
	q := url.Values{}
	if w != "" {
		q.Set("wait", w)
	}
	return q
}

func TestComputeAdjustsForBlockingQueries(t *testing.T) {
	cfg := Config{Enabled: true, Margin: 2 * time.Millisecond}
	def := time.Millisecond

	cases := []struct {
		name string
		wait string
		want time.Duration
	}{
		{"seconds", "1s", 1065 * time.Millisecond},
		{"minutes", "1m", 63752 * time.Millisecond},
		{"ten seconds", "10s", (10000 + 625 + 2) * time.Millisecond},
		{"zero wait", "0s", 2 * time.Millisecond},
		{"absent", "", def},
		{"unparseable", "abc", def},
		{"unsupported unit", "500ms", def},
		{"hours unsupported", "1h", def},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute("/v1/health/service/web", waitQuery(tc.wait), def, cfg)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestComputeDisabledKeepsDefault(t *testing.T) {
	cfg := Config{Enabled: false, Margin: 2 * time.Millisecond}
	for _, w := range []string{"", "1s", "1m", "10m"} {
		assert.Equal(t, 5*time.Second, Compute("/v1/kv/app", waitQuery(w), 5*time.Second, cfg), w)
	}
}

func TestComputeLargePayloadOverridesEverything(t *testing.T) {
	for _, cfg := range []Config{{Enabled: true}, {Enabled: false}} {
		got := Compute("/v1/snapshot", waitQuery("1s"), time.Second, cfg)
		assert.Equal(t, LargePayloadTimeout, got)
	}
}

func TestComputeRoundsMarginUp(t *testing.T) {
	cfg := Config{Enabled: true, Margin: 1500 * time.Microsecond}
	assert.Equal(t, (1000+63+2)*time.Millisecond, Compute("/v1/kv/", waitQuery("1s"), 0, cfg))
}

func TestFormatWait(t *testing.T) {
	assert.Equal(t, "", FormatWait(0))
	assert.Equal(t, "10s", FormatWait(10*time.Second))
	assert.Equal(t, "2s", FormatWait(1500*time.Millisecond))
	assert.Equal(t, "5m", FormatWait(5*time.Minute))
	assert.Equal(t, "90s", FormatWait(90*time.Second))

	d, ok := ParseWait(FormatWait(90 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, d)
}
