package fhir

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedIDPrompter returns queued answers in order.
type scriptedIDPrompter struct {
	answers []string
	err     error
	calls   int
}

func (p *scriptedIDPrompter) ResourceID(*Resource) (string, error) {
	p.calls++

	if p.err != nil {
		return "", p.err
	}

	answer := p.answers[0]
	p.answers = p.answers[1:]

	return answer, nil
}

func TestRouteResource_ExistingID(t *testing.T) {
	c := NewClient("http://localhost:8080/fhir", nil, nil, testLogger())
	prompter := &scriptedIDPrompter{}

	res, err := ParseResource([]byte(`{"resourceType":"CodeSystem","id":"cs1","name":"CS"}`))
	require.NoError(t, err)

	route, err := RouteResource(c, res, prompter)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, route.Method)
	assert.Equal(t, "http://localhost:8080/fhir/CodeSystem/cs1", route.URL)
	assert.Zero(t, prompter.calls, "a resource with an id must not prompt")
}

func TestRouteResource_PromptedID(t *testing.T) {
	c := NewClient("http://localhost:8080/fhir", nil, nil, testLogger())
	prompter := &scriptedIDPrompter{answers: []string{"chosen-id"}}

	res, err := ParseResource([]byte(`{"resourceType":"ValueSet","name":"VS"}`))
	require.NoError(t, err)

	route, err := RouteResource(c, res, prompter)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, route.Method)
	assert.Equal(t, "http://localhost:8080/fhir/ValueSet/chosen-id", route.URL)
	assert.Equal(t, "chosen-id", res.ID(), "the prompted id must stick to the resource")
}

func TestRouteResource_BlankAnswerRoutesPost(t *testing.T) {
	c := NewClient("http://localhost:8080/fhir", nil, nil, testLogger())
	prompter := &scriptedIDPrompter{answers: []string{""}}

	res, err := ParseResource([]byte(`{"resourceType":"NamingSystem","name":"NS"}`))
	require.NoError(t, err)

	route, err := RouteResource(c, res, prompter)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, route.Method)
	assert.Equal(t, "http://localhost:8080/fhir/NamingSystem", route.URL)
	assert.Empty(t, res.ID())
}

func TestRouteResource_PrompterError(t *testing.T) {
	c := NewClient("http://localhost:8080/fhir", nil, nil, testLogger())
	prompter := &scriptedIDPrompter{err: errors.New("stdin closed")}

	res, err := ParseResource([]byte(`{"resourceType":"ConceptMap","name":"CM"}`))
	require.NoError(t, err)

	_, err = RouteResource(c, res, prompter)
	assert.Error(t, err)
}
