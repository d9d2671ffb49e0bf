// Package routing looks up road distances between coordinates.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
)

// Leg is the road distance and driving time between two points.
type Leg struct {
	DistanceM float64
	DurationS float64
}

// Router is used by pricing to measure a route leg.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Leg, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	endpoint string
	client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMClient{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

// Route queries OSRM /route between two points. OSRM takes lon,lat order.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Leg, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Leg{}, fmt.Errorf("osrm request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return Leg{}, errs.NewTransientError("osrm route", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Leg{}, errs.NewTransientError("osrm route", fmt.Errorf("status %d", resp.StatusCode))
	}

	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Leg{}, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Leg{}, fmt.Errorf("osrm no route: %s", out.Code)
	}
	return Leg{DistanceM: out.Routes[0].Distance, DurationS: out.Routes[0].Duration}, nil
}
