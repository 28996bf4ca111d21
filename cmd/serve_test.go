package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitWhitelist(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: nil,
		},
		{
			name:     "single URI",
			input:    "https://inspector.example/cb",
			expected: []string{"https://inspector.example/cb"},
		},
		{
			name:     "multiple URIs",
			input:    "https://a.example/cb;https://b.example/cb",
			expected: []string{"https://a.example/cb", "https://b.example/cb"},
		},
		{
			name:     "whitespace around separators",
			input:    " https://a.example/cb ; https://b.example/cb ",
			expected: []string{"https://a.example/cb", "https://b.example/cb"},
		},
		{
			name:     "trailing separator",
			input:    "https://a.example/cb;",
			expected: []string{"https://a.example/cb"},
		},
		{
			name:     "only separators",
			input:    ";; ;",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitWhitelist(tt.input))
		})
	}
}

func TestStringOrEnv(t *testing.T) {
	t.Setenv("MCP_GATEWAY_TEST_VAR", "from-env")

	assert.Equal(t, "from-flag", stringOrEnv("from-flag", "MCP_GATEWAY_TEST_VAR", "fallback"))
	assert.Equal(t, "from-env", stringOrEnv("", "MCP_GATEWAY_TEST_VAR", "fallback"))
	assert.Equal(t, "fallback", stringOrEnv("", "MCP_GATEWAY_TEST_UNSET", "fallback"))
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("MCP_GATEWAY_TEST_BOOL", "true")
	assert.True(t, boolEnv("MCP_GATEWAY_TEST_BOOL"))

	t.Setenv("MCP_GATEWAY_TEST_BOOL", "not-a-bool")
	assert.False(t, boolEnv("MCP_GATEWAY_TEST_BOOL"))

	assert.False(t, boolEnv("MCP_GATEWAY_TEST_BOOL_UNSET"))
}

func TestIntOrEnv(t *testing.T) {
	t.Setenv("MCP_GATEWAY_TEST_INT", "3")

	assert.Equal(t, 7, intOrEnv(7, "MCP_GATEWAY_TEST_INT"))
	assert.Equal(t, 3, intOrEnv(0, "MCP_GATEWAY_TEST_INT"))
	assert.Equal(t, 0, intOrEnv(0, "MCP_GATEWAY_TEST_INT_UNSET"))
}

func TestNormalizeAddr(t *testing.T) {
	assert.Equal(t, ":8080", normalizeAddr(":8080"))
	assert.Equal(t, ":8080", normalizeAddr("0.0.0.0:8080"))
	assert.Equal(t, "", normalizeAddr("nocolon"))
}

func TestOpenStoreRejectsMemoryInProduction(t *testing.T) {
	_, err := openStore(t.Context(), serveConfig{
		StorageType: "memory",
		Environment: "production",
	})
	assert.Error(t, err)
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := openStore(t.Context(), serveConfig{StorageType: "postgres"})
	assert.ErrorContains(t, err, "unknown storage type")
}
