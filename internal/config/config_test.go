package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseURL(t *testing.T) {
	c := &Config{PrimaryDomain: "https://bridge.example.com/"}
	assert.Equal(t, "https://bridge.example.com/users/alice", c.BaseURL("/users/alice"))
}

func TestIsBlocklisted(t *testing.T) {
	c := &Config{DomainBlocklist: []string{"spam.example"}}
	assert.True(t, c.IsBlocklisted("Spam.Example"))
	assert.False(t, c.IsBlocklisted("good.example"))
}

func TestIsLimited(t *testing.T) {
	c := &Config{LimitedDomains: []string{"limited.example"}}
	assert.True(t, c.IsLimited("limited.example"))
	assert.False(t, c.IsLimited("other.example"))
}

func TestParseList(t *testing.T) {
	assert.Nil(t, parseList(""))
	assert.Equal(t, []string{"a", "b"}, parseList("a, b"))
	assert.Equal(t, []string{"a"}, parseList("a,,"))
}

func TestParseInt(t *testing.T) {
	assert.Equal(t, 5, parseInt("5", 10))
	assert.Equal(t, 10, parseInt("", 10))
	assert.Equal(t, 10, parseInt("not-a-number", 10))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PRIMARY_DOMAIN", "")
	t.Setenv("SUPER_DOMAIN", "")
	t.Setenv("DATABASE_URL", "")
	c := Load()
	assert.Equal(t, "http://localhost:8000", c.PrimaryDomain)
	assert.Equal(t, "brid.gy", c.SuperDomain)
	assert.Equal(t, "bridge.db", c.DatabaseURL)
	assert.False(t, c.TasksInline)
}
