// Package geocode resolves a street address to coordinates and assigns
// the nearest service zone by Haversine distance. The client is a small
// net/http wrapper since no third-party geocoding SDK is vendored here.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/errs"
)

// Coordinates is a resolved latitude/longitude pair.
type Coordinates struct {
	Lat float64
	Lng float64
}

// Canada's approximate bounding box; coordinates outside it are rejected
// with OutsideServiceArea rather than silently zone-assigned (§4.8).
const (
	minCanadaLat = 41.6
	maxCanadaLat = 83.1
	minCanadaLng = -141.0
	maxCanadaLng = -52.6
)

// Client resolves addresses to coordinates via an HTTP geocoding API,
// caching results in Redis for GeocodeTTL (§4.11).
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	cache      *cache.Cache
	timeout    time.Duration
}

func New(baseURL, apiKey string, c *cache.Cache, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		cache:      c,
		timeout:    timeout,
	}
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// Resolve geocodes address, serving from cache when available, and
// rejects coordinates outside the service area.
func (c *Client) Resolve(ctx context.Context, address string) (Coordinates, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	cacheKey := cache.GeocodeKey(normalized)

	if cached, ok := c.cache.Get(ctx, cacheKey); ok {
		coords, err := decodeCachedCoords(cached)
		if err == nil {
			return coords, nil
		}
	}

	coords, err := c.fetch(ctx, address)
	if err != nil {
		return Coordinates{}, err
	}
	if err := validateServiceArea(coords); err != nil {
		return Coordinates{}, err
	}

	c.cache.Set(ctx, cacheKey, encodeCoords(coords), cache.GeocodeTTL)
	return coords, nil
}

func (c *Client) fetch(ctx context.Context, address string) (Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := fmt.Sprintf("%s?address=%s&key=%s", c.baseURL, url.QueryEscape(address), url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Coordinates{}, errs.Wrap(errs.CodeGeocodingError, "could not build geocoding request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Coordinates{}, errs.Wrap(errs.CodeGeocodingError, "geocoding request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Coordinates{}, errs.Newf(errs.CodeGeocodingError, "geocoding provider returned status %d", resp.StatusCode)
	}

	var body geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Coordinates{}, errs.Wrap(errs.CodeGeocodingError, "could not parse geocoding response", err)
	}
	if body.Status != "OK" || len(body.Results) == 0 {
		return Coordinates{}, errs.New(errs.CodeGeocodingError, "address could not be geocoded")
	}

	loc := body.Results[0].Geometry.Location
	return Coordinates{Lat: loc.Lat, Lng: loc.Lng}, nil
}

func validateServiceArea(c Coordinates) error {
	if c.Lat < minCanadaLat || c.Lat > maxCanadaLat || c.Lng < minCanadaLng || c.Lng > maxCanadaLng {
		return errs.New(errs.CodeOutsideServiceArea, "address is outside the service area")
	}
	return nil
}

func encodeCoords(c Coordinates) string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lng, 'f', -1, 64)
}

func decodeCachedCoords(s string) (Coordinates, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return Coordinates{}, fmt.Errorf("geocode: malformed cached value %q", s)
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Coordinates{}, err
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Coordinates{}, err
	}
	return Coordinates{Lat: lat, Lng: lng}, nil
}

// Zone is the subset of zones.Zone geocode needs to pick the nearest one.
type Zone struct {
	ID        string
	CenterLat float64
	CenterLng float64
}

// NearestZone picks the zone whose center is closest to coords by
// Haversine great-circle distance (§3 "assignment picks the nearest
// center by Haversine distance"). zones must be non-empty.
func NearestZone(coords Coordinates, zones []Zone) (Zone, error) {
	if len(zones) == 0 {
		return Zone{}, fmt.Errorf("geocode: no zones available for assignment")
	}
	best := zones[0]
	bestDist := haversineKm(coords, Coordinates{Lat: best.CenterLat, Lng: best.CenterLng})
	for _, z := range zones[1:] {
		d := haversineKm(coords, Coordinates{Lat: z.CenterLat, Lng: z.CenterLng})
		if d < bestDist {
			best, bestDist = z, d
		}
	}
	return best, nil
}

const earthRadiusKm = 6371.0

func haversineKm(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
