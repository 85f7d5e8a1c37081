package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldHelpersAttachDomainFields(t *testing.T) {
	var buf bytes.Buffer
	Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(func() { Logger = nil })

	WithMatch(42).Info("event sequenced")
	WithClient("c-123").Info("client connected")

	out := buf.String()
	assert.Contains(t, out, `"match_id":42`)
	assert.Contains(t, out, `"client_id":"c-123"`)
}

func TestFieldHelpersFallBackToDefaultLogger(t *testing.T) {
	Logger = nil

	// Must not panic before InitLogger has run.
	assert.NotNil(t, WithMatch(7))
	assert.NotNil(t, WithClient("c-7"))
}
