package sentinelhub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// searchPageLimit is the page size requested from the catalog
const searchPageLimit = 100

// SearchRequest filters a catalog search
type SearchRequest struct {
	// BBox is minLon, minLat, maxLon, maxLat in EPSG:4326
	BBox  [4]float64
	Start time.Time
	End   time.Time
}

// Item is one catalog feature
type Item struct {
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties ItemProperties  `json:"properties"`
}

// ItemProperties holds the STAC properties the pipeline uses
type ItemProperties struct {
	Datetime          time.Time `json:"datetime"`
	CloudCover        *float64  `json:"eo:cloud_cover"`
	ProductIdentifier string    `json:"productIdentifier,omitempty"`
}

// ProductID returns the provider product identifier, falling back to the feature id
func (i Item) ProductID() string {
	if i.Properties.ProductIdentifier != "" {
		return i.Properties.ProductIdentifier
	}
	return i.ID
}

type searchBody struct {
	Collections []string   `json:"collections"`
	BBox        [4]float64 `json:"bbox"`
	Datetime    string     `json:"datetime"`
	Limit       int        `json:"limit"`
	Next        *int       `json:"next,omitempty"`
	Fields      fields     `json:"fields"`
}

type fields struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

type searchResponse struct {
	Type     string `json:"type"`
	Features []Item `json:"features"`
	Context  struct {
		Next     *int `json:"next"`
		Limit    int  `json:"limit"`
		Returned int  `json:"returned"`
	} `json:"context"`
}

// Search returns every catalog item intersecting the box within [Start, End], following pagination
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]Item, error) {
	body := searchBody{
		Collections: []string{c.config.Collection},
		BBox:        req.BBox,
		Datetime:    req.Start.UTC().Format(time.RFC3339) + "/" + req.End.UTC().Format(time.RFC3339),
		Limit:       searchPageLimit,
		Fields: fields{
			Include: []string{"id", "geometry", "properties.datetime", "properties.eo:cloud_cover", "properties.productIdentifier"},
			Exclude: []string{},
		},
	}

	items := []Item{}
	for page := 1; ; page++ {
		data, err := c.postJSON(ctx, "search", catalogSearchPath, body, "application/geo+json")
		if err != nil {
			return nil, err
		}

		var resp searchResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &APIError{kind: KindExternalService, Endpoint: "search", Message: fmt.Sprintf("decoding response: %v", err), Err: err}
		}
		items = append(items, resp.Features...)
		c.logger.Debugw("catalog page", "page", page, "returned", len(resp.Features), "total", len(items))

		if resp.Context.Next == nil || len(resp.Features) == 0 {
			break
		}
		body.Next = resp.Context.Next
	}
	return items, nil
}
