package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		routesCheckJSON = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRoutesCheck_Default(t *testing.T) {
	out, err := runRoot(t, "routes", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "/admin,/api/admin")
	assert.Contains(t, out, "30m0s/3")
}

func TestRoutesCheck_JSON(t *testing.T) {
	out, err := runRoot(t, "routes", "check", "--json")
	require.NoError(t, err)

	var rs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rs))
	names := make([]string, 0, len(rs))
	for _, r := range rs {
		names = append(names, r["name"].(string))
	}
	assert.ElementsMatch(t, []string{"customer", "staff", "admin"}, names)
}

func TestRoutesCheck_RejectsDuplicatePrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
routes:
  - name: a
    path_prefixes: [/orders]
    security_level: basic
  - name: b
    path_prefixes: [/orders]
    security_level: basic
`), 0o600))

	_, err := runRoot(t, "routes", "check", path)
	assert.Error(t, err)
}

func TestRoutesDefault_PrintsYAML(t *testing.T) {
	out, err := runRoot(t, "routes", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "path_prefixes: [/admin, /api/admin]")
}
