package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

// Resource is one read-only document addressable by a dshield:// URI.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	// Fetch renders the current document on every read; resources reflect
	// live server state and are never cached.
	Fetch func(ctx context.Context) (interface{}, error)
}

// ResourceSet is the frozen resource catalog, listed in registration order.
type ResourceSet struct {
	resources []Resource
	byURI     map[string]*Resource
}

// NewResourceSet freezes the catalog. Duplicate URIs are a startup failure.
func NewResourceSet(resources []Resource) (*ResourceSet, error) {
	rs := &ResourceSet{
		resources: make([]Resource, 0, len(resources)),
		byURI:     make(map[string]*Resource, len(resources)),
	}
	for i := range resources {
		res := resources[i]
		if res.URI == "" || res.Fetch == nil {
			return nil, fmt.Errorf("resource at index %d needs a uri and fetch func", i)
		}
		if _, dup := rs.byURI[res.URI]; dup {
			return nil, fmt.Errorf("resource %q registered twice", res.URI)
		}
		if res.MimeType == "" {
			res.MimeType = "application/json"
		}
		rs.resources = append(rs.resources, res)
		rs.byURI[res.URI] = &rs.resources[len(rs.resources)-1]
	}
	return rs, nil
}

// List answers resources/list.
func (rs *ResourceSet) List() ResourcesListResult {
	out := ResourcesListResult{Resources: []ResourceDescriptor{}}
	for _, res := range rs.resources {
		out.Resources = append(out.Resources, ResourceDescriptor{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		})
	}
	return out
}

// Read answers resources/read for one URI.
func (rs *ResourceSet) Read(ctx context.Context, uri string) (*ResourceContent, *errs.Error) {
	res, ok := rs.byURI[uri]
	if !ok {
		return nil, errs.ResourceNotFound(uri)
	}
	doc, err := res.Fetch(ctx)
	if err != nil {
		return nil, errs.Classify("", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return &ResourceContent{URI: res.URI, MimeType: res.MimeType, Data: data}, nil
}
