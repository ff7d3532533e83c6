package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

func testResources() []Resource {
	return []Resource{
		{
			URI:         "dshield://field-mappings",
			Name:        "field mappings",
			Description: "canonical field map",
			Fetch: func(context.Context) (interface{}, error) {
				return map[string][]string{"source_ip": {"source.ip", "src_ip"}}, nil
			},
		},
		{
			URI:         "dshield://health",
			Name:        "health",
			Description: "feature snapshot",
			Fetch: func(context.Context) (interface{}, error) {
				return map[string]bool{"elasticsearch_queries": true}, nil
			},
		},
		{
			URI:         "dshield://broken",
			Name:        "broken",
			Description: "always fails",
			Fetch: func(context.Context) (interface{}, error) {
				return nil, errs.External("elasticsearch", errors.New("connection refused"))
			},
		},
	}
}

func TestResourceSetListsInOrder(t *testing.T) {
	rs, err := NewResourceSet(testResources())
	require.NoError(t, err)

	list := rs.List()
	require.Len(t, list.Resources, 3)
	require.Equal(t, "dshield://field-mappings", list.Resources[0].URI)
	require.Equal(t, "dshield://health", list.Resources[1].URI)
	require.Equal(t, "application/json", list.Resources[0].MimeType)
}

func TestResourceReadRendersJSON(t *testing.T) {
	rs, err := NewResourceSet(testResources())
	require.NoError(t, err)

	content, rerr := rs.Read(context.Background(), "dshield://field-mappings")
	require.Nil(t, rerr)
	require.Equal(t, "dshield://field-mappings", content.URI)
	require.JSONEq(t, `{"source_ip":["source.ip","src_ip"]}`, string(content.Data))
}

func TestResourceReadUnknownURI(t *testing.T) {
	rs, err := NewResourceSet(testResources())
	require.NoError(t, err)

	content, rerr := rs.Read(context.Background(), "dshield://nope")
	require.Nil(t, content)
	require.NotNil(t, rerr)
	require.Equal(t, errs.KindResourceNotFound, rerr.Kind)
	require.True(t, errors.Is(rerr, errs.ErrNotFound))
}

func TestResourceReadClassifiesFetchErrors(t *testing.T) {
	rs, err := NewResourceSet(testResources())
	require.NoError(t, err)

	_, rerr := rs.Read(context.Background(), "dshield://broken")
	require.NotNil(t, rerr)
	require.Equal(t, errs.CodeExternalService, rerr.Code)
	require.Equal(t, "elasticsearch", rerr.Service)
}

func TestNewResourceSetRejectsDuplicates(t *testing.T) {
	resources := testResources()
	resources = append(resources, resources[0])

	_, err := NewResourceSet(resources)
	require.Error(t, err)
	require.Contains(t, err.Error(), "registered twice")
}
