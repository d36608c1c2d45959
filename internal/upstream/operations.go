// Copyright 2025 James Ross
package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/novita/gpu-controlplane/internal/apperr"
)

// ListProducts wraps GET /v1/products.
func (c *Client) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	path := "/v1/products?productName=" + url.QueryEscape(filter.ProductName)
	if filter.Region != "" {
		path += "&region=" + url.QueryEscape(filter.Region)
	}
	var out struct {
		Products []Product `json:"products"`
	}
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

// regionPrefix extracts the region code up to the first space, tolerating
// the "CODE (description)" form spec.md §3.4 allows.
func regionPrefix(region string) string {
	if i := strings.IndexByte(region, ' '); i >= 0 {
		return region[:i]
	}
	return region
}

// GetOptimalProduct returns the lowest-spot-price available product,
// trying preferredRegion first and then the remaining regions ordered by
// ascending priority (spec.md §4.2, §9 Open Question resolution).
func (c *Client) GetOptimalProduct(ctx context.Context, productName, preferredRegion string, regions []Region) (Product, string, error) {
	products, err := c.ListProducts(ctx, ProductFilter{ProductName: productName})
	if err != nil {
		return Product{}, "", err
	}

	byRegion := make(map[string][]Product)
	for _, p := range products {
		if !p.Available {
			continue
		}
		code := regionPrefix(p.Region)
		byRegion[code] = append(byRegion[code], p)
	}

	order := []string{preferredRegion}
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sortRegionsByPriority(sorted)
	for _, r := range sorted {
		if r.Code != preferredRegion {
			order = append(order, r.Code)
		}
	}

	for _, code := range order {
		candidates := byRegion[code]
		if len(candidates) == 0 {
			continue
		}
		best := candidates[0]
		for _, p := range candidates[1:] {
			if p.SpotPrice < best.SpotPrice {
				best = p
			}
		}
		return best, code, nil
	}

	return Product{}, "", apperr.New(apperr.KindNotFound, fmt.Sprintf("no available product %q in any configured region", productName))
}

func sortRegionsByPriority(regions []Region) {
	for i := 1; i < len(regions); i++ {
		for j := i; j > 0 && regions[j].Priority < regions[j-1].Priority; j-- {
			regions[j], regions[j-1] = regions[j-1], regions[j]
		}
	}
}

// GetTemplate wraps GET /v1/template.
func (c *Client) GetTemplate(ctx context.Context, id string) (Template, error) {
	var out Template
	if err := c.do(ctx, "GET", "/v1/template?id="+url.QueryEscape(id), nil, &out); err != nil {
		return Template{}, err
	}
	return out, nil
}

// GetRegistryAuth wraps GET /v1/repository/auths, listing all entries and
// selecting the one matching id (spec.md §4.2 — resolved just-in-time,
// never cached long-term).
func (c *Client) GetRegistryAuth(ctx context.Context, id string) (RegistryAuth, error) {
	var out struct {
		Auths []RegistryAuth `json:"auths"`
	}
	if err := c.do(ctx, "GET", "/v1/repository/auths", nil, &out); err != nil {
		return RegistryAuth{}, err
	}
	for _, a := range out.Auths {
		if a.ID == id {
			return a, nil
		}
	}
	return RegistryAuth{}, apperr.New(apperr.KindNotFound, "registry auth not found: "+id)
}

// CreateInstance wraps POST /v1/gpu/instance/create.
func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (Instance, error) {
	var out Instance
	if err := c.do(ctx, "POST", "/v1/gpu/instance/create", req, &out); err != nil {
		return Instance{}, err
	}
	return out, nil
}

// GetInstance wraps GET /v1/gpu/instance?instanceId=...
func (c *Client) GetInstance(ctx context.Context, upstreamID string) (Instance, error) {
	var out Instance
	if err := c.do(ctx, "GET", "/v1/gpu/instance?instanceId="+url.QueryEscape(upstreamID), nil, &out); err != nil {
		return Instance{}, err
	}
	return out, nil
}

// StartInstance wraps POST /v1/gpu/instance/start.
func (c *Client) StartInstance(ctx context.Context, upstreamID string) error {
	return c.do(ctx, "POST", "/v1/gpu/instance/start", map[string]string{"instanceId": upstreamID}, nil)
}

// StopInstance wraps POST /v1/gpu/instance/stop.
func (c *Client) StopInstance(ctx context.Context, upstreamID string) error {
	return c.do(ctx, "POST", "/v1/gpu/instance/stop", map[string]string{"instanceId": upstreamID}, nil)
}

// DeleteInstance wraps POST /v1/gpu/instance/delete.
func (c *Client) DeleteInstance(ctx context.Context, upstreamID string) error {
	return c.do(ctx, "POST", "/v1/gpu/instance/delete", map[string]string{"instanceId": upstreamID}, nil)
}

// ListInstances wraps GET /v1/gpu/instances, paginated.
func (c *Client) ListInstances(ctx context.Context, page, pageSize int, status string) (ListInstancesResult, error) {
	path := "/v1/gpu/instances?page=" + strconv.Itoa(page) + "&page_size=" + strconv.Itoa(pageSize)
	if status != "" {
		path += "&status=" + url.QueryEscape(status)
	}
	var out ListInstancesResult
	if err := c.do(ctx, "GET", path, nil, &out); err != nil {
		return ListInstancesResult{}, err
	}
	return out, nil
}

// MigrateInstance wraps POST /v1/gpu/instance/migrate.
func (c *Client) MigrateInstance(ctx context.Context, upstreamID string) (MigrateResult, error) {
	var out MigrateResult
	if err := c.do(ctx, "POST", "/v1/gpu/instance/migrate", map[string]string{"instanceId": upstreamID}, &out); err != nil {
		return MigrateResult{}, err
	}
	return out, nil
}
