package uploader

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPrompter(input string, tty bool) (*TerminalPrompter, *bytes.Buffer) {
	out := &bytes.Buffer{}

	return &TerminalPrompter{
		in:     bufio.NewReader(strings.NewReader(input)),
		out:    out,
		tty:    tty,
		logger: testLogger(),
	}, out
}

func TestTerminalPrompter_NonTTYDefaults(t *testing.T) {
	p, _ := newPrompter("", false)
	res := mustParse(t, `{"resourceType":"CodeSystem","name":"CS"}`)

	id, err := p.ResourceID(res)
	require.NoError(t, err)
	assert.Empty(t, id, "headless runs defer to server-assigned ids")

	action, err := p.RecoveryAction(res, 1, 10, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, action, "headless runs never block on a decision")

	wantEdit, err := p.ManualEdit(res)
	require.NoError(t, err)
	assert.False(t, wantEdit)
}

func TestTerminalPrompter_ResourceID(t *testing.T) {
	p, out := newPrompter("my-id\n", true)
	res := mustParse(t, `{"resourceType":"CodeSystem","name":"CS"}`)

	id, err := p.ResourceID(res)
	require.NoError(t, err)
	assert.Equal(t, "my-id", id)
	assert.Contains(t, out.String(), "has no id")
}

func TestTerminalPrompter_RecoveryAction(t *testing.T) {
	tests := []struct {
		input string
		want  Action
	}{
		{"i\n", ActionIgnore},
		{"ignore\n", ActionIgnore},
		{"r\n", ActionRetry},
		{"RETRY\n", ActionRetry},
		{"e\n", ActionEdit},
		{"x\ne\n", ActionEdit}, // invalid answer re-prompts
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			p, _ := newPrompter(tt.input, true)
			res := mustParse(t, `{"resourceType":"CodeSystem","name":"CS"}`)

			action, err := p.RecoveryAction(res, 2, 10, errors.New("boom"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, action)
		})
	}
}

func TestTerminalPrompter_RecoveryActionShowsContext(t *testing.T) {
	p, out := newPrompter("i\n", true)
	res := mustParse(t, `{"resourceType":"ValueSet","name":"VS","version":"1.2"}`)

	_, err := p.RecoveryAction(res, 3, 10, errors.New("HTTP 422"))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "try 3/10")
	assert.Contains(t, out.String(), "ValueSet VS, version 1.2")
	assert.Contains(t, out.String(), "HTTP 422")
}

func TestTerminalPrompter_ManualEdit(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"whatever\n", false},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			p, _ := newPrompter(tt.input, true)
			res := mustParse(t, `{"resourceType":"CodeSystem","name":"CS"}`)

			wantEdit, err := p.ManualEdit(res)
			require.NoError(t, err)
			assert.Equal(t, tt.want, wantEdit)
		})
	}
}
