package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr != ":8080" {
		t.Errorf("Addr = %q, want %q", c.Addr, ":8080")
	}
	if c.EndpointPath != "/mcp" {
		t.Errorf("EndpointPath = %q, want %q", c.EndpointPath, "/mcp")
	}
	if c.MinimumTokens != 5000 {
		t.Errorf("MinimumTokens = %d, want 5000", c.MinimumTokens)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DOCBRIDGE_ADDR", "127.0.0.1:9999")
	t.Setenv("DOCBRIDGE_MINIMUM_TOKENS", "2000")
	t.Setenv("DOCBRIDGE_KEEPALIVE_INTERVAL", "10s")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr != "127.0.0.1:9999" {
		t.Errorf("Addr = %q", c.Addr)
	}
	if c.MinimumTokens != 2000 {
		t.Errorf("MinimumTokens = %d", c.MinimumTokens)
	}
	if c.KeepAliveInterval.Seconds() != 10 {
		t.Errorf("KeepAliveInterval = %s", c.KeepAliveInterval)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("endpoint path without slash", func(t *testing.T) {
		t.Setenv("DOCBRIDGE_MCP_PATH", "mcp")
		if _, err := Load(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("non-positive token floor", func(t *testing.T) {
		t.Setenv("DOCBRIDGE_MINIMUM_TOKENS", "0")
		if _, err := Load(); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestLogger(t *testing.T) {
	c := &Config{LogLevel: "debug", LogFormat: "text"}
	if _, err := c.Logger(); err != nil {
		t.Fatalf("Logger: %v", err)
	}

	c = &Config{LogLevel: "nope", LogFormat: "json"}
	if _, err := c.Logger(); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
