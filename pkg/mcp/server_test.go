package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlexliServer(t *testing.T) {
	s := NewFlexliServer(FlexliServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.resolver)
}

func TestToolRegistration(t *testing.T) {
	s := NewFlexliServer(FlexliServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	for _, name := range []string{
		"flexli.validate",
		"flexli.evaluate_condition",
		"flexli.transform",
		"flexli.run",
		"flexli.history",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}
