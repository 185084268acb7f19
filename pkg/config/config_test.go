package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, configFile string, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	require.NoError(t, BindFlags(v, fs))
	require.NoError(t, InitViper(v, configFile))
	return v
}

func TestDefaults(t *testing.T) {
	s, err := FromViper(newViper(t, ""))
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, s.BaseURL)
	require.Equal(t, DefaultTimeout, s.Timeout)
	require.Equal(t, uint(3), s.Hydration.Attempts)
	require.Equal(t, 500*time.Millisecond, s.Hydration.Delay)
	require.Len(t, s.ClientOptions(), 1)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chorus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base-url: https://chat.example.com
api-key: secret
hydration:
  attempts: 5
  delay: 2s
`), 0o600))

	s, err := FromViper(newViper(t, path, "--hydration-delay", "50ms"))
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", s.BaseURL)
	require.Equal(t, "secret", s.APIKey)
	require.Equal(t, uint(5), s.Hydration.Attempts)
	require.Equal(t, 50*time.Millisecond, s.Hydration.Delay)
	require.Len(t, s.ClientOptions(), 2)
	require.Len(t, s.HydratorOptions(), 2)
}

func TestEnvironment(t *testing.T) {
	t.Setenv("CHORUS_BASE_URL", "http://env.local:9000")
	t.Setenv("CHORUS_HYDRATION_ATTEMPTS", "7")

	s, err := FromViper(newViper(t, ""))
	require.NoError(t, err)
	require.Equal(t, "http://env.local:9000", s.BaseURL)
	require.Equal(t, uint(7), s.Hydration.Attempts)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(s *Settings)
	}{
		{"scheme", func(s *Settings) { s.BaseURL = "ftp://x" }},
		{"attempts", func(s *Settings) { s.Hydration.Attempts = 0 }},
		{"delay", func(s *Settings) { s.Hydration.Delay = -time.Second }},
		{"timeout", func(s *Settings) { s.Timeout = -time.Second }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := Defaults()
			c.edit(s)
			require.Error(t, s.Validate())
		})
	}
	require.NoError(t, Defaults().Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CHORUS_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("CHORUS_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("CHORUS_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	require.Equal(t, "loaded", os.Getenv("CHORUS_TEST_DOTENV"))
}

func TestRegistryWithoutFile(t *testing.T) {
	r, err := Defaults().Registry()
	require.NoError(t, err)
	require.Empty(t, r.List())
}
