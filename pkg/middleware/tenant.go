// Package middleware provides the tenant context helpers shared across the
// backend: the authenticated organization and project of a request travel in
// its context, set once by the HTTP auth middleware and read by any layer
// that needs tenant scope.
package middleware

import (
	"context"

	"github.com/embeddedllm/jamai/pkg/models"
)

type contextKey string

const (
	orgKey     contextKey = "organization"
	projectKey contextKey = "project"
)

// SetOrg stores the authenticated organization in the context.
func SetOrg(ctx context.Context, org *models.Organization) context.Context {
	if org == nil {
		return ctx
	}
	return context.WithValue(ctx, orgKey, org)
}

// GetOrg retrieves the authenticated organization, or nil for service-scoped
// requests that carry no organization.
func GetOrg(ctx context.Context) *models.Organization {
	if v, ok := ctx.Value(orgKey).(*models.Organization); ok {
		return v
	}
	return nil
}

// SetProject stores the authenticated project in the context.
func SetProject(ctx context.Context, project *models.Project) context.Context {
	if project == nil {
		return ctx
	}
	return context.WithValue(ctx, projectKey, project)
}

// GetProject retrieves the authenticated project, or nil when the request is
// not project-scoped.
func GetProject(ctx context.Context) *models.Project {
	if v, ok := ctx.Value(projectKey).(*models.Project); ok {
		return v
	}
	return nil
}
