package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func smtpConfig() *Configuration {
	return &Configuration{
		ID:       "smtp",
		Provider: "smtp",
		Version:  "1",
		Values: map[string]any{
			"host": "mail.example.org",
			"port": 587,
			"tls":  true,
			"retry": map[string]any{
				"attempts": 3,
				"backoff":  1.5,
			},
		},
	}
}

func TestConfigurationLookup(t *testing.T) {
	c := smtpConfig()

	require.Equal(t, "mail.example.org", c.String("host", ""))
	require.Equal(t, int64(587), c.Int("port", 0))
	require.True(t, c.Bool("tls", false))
	require.Equal(t, int64(3), c.Int("retry.attempts", 0))
	require.Equal(t, 1.5, c.Float("retry.backoff", 0))

	require.Equal(t, "fallback", c.String("missing", "fallback"))
	require.Equal(t, int64(9), c.Int("host", 9), "mistyped lookup falls back")
	require.Equal(t, float64(3), c.Float("retry.attempts", 0), "int widens to float")

	_, ok := c.Lookup("retry.missing")
	require.False(t, ok)
	_, ok = c.Lookup("host.too.deep")
	require.False(t, ok)
}

func TestConfigurationMerge(t *testing.T) {
	c := smtpConfig()
	c.Merge(&Configuration{
		ID:      "smtp",
		Version: "2",
		Values: map[string]any{
			"port": 2525,
			"retry": map[string]any{
				"attempts": 5,
			},
		},
	})

	require.Equal(t, "2", c.Version)
	require.Equal(t, int64(2525), c.Int("port", 0))
	require.Equal(t, int64(5), c.Int("retry.attempts", 0))
	require.Equal(t, 1.5, c.Float("retry.backoff", 0), "untouched keys survive the merge")
	require.Equal(t, "mail.example.org", c.String("host", ""))
}
