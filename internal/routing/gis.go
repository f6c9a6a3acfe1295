// Package routing answers route requests from a fixed city map. Routes are
// plausible, not accurate: one synthetic waypoint and a random traffic factor.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"parcelnet/internal/domain"
)

var ErrUnknownLocation = errors.New("unknown location")

// Depot is where couriers start, return and charge.
const Depot = "Warehouse"

const earthRadiusKM = 6371.0

var locations = map[string]domain.Location{
	"Warehouse":       {Name: "Warehouse", Lat: 45.7489, Lon: 21.2087},
	"Piata Unirii":    {Name: "Piata Unirii", Lat: 45.7573, Lon: 21.2291},
	"Piata Victoriei": {Name: "Piata Victoriei", Lat: 45.7533, Lon: 21.2255},
	"Iulius Town":     {Name: "Iulius Town", Lat: 45.7651, Lon: 21.2384},
}

type Route struct {
	Waypoints     []string
	DistanceKM    float64
	TrafficFactor float64
}

func (r Route) Describe() string {
	return strings.Join(r.Waypoints, " -> ")
}

type Service interface {
	RequestRoute(ctx context.Context, origin, destination string) (Route, error)
}

// Locate looks a location up by its exact name.
func Locate(name string) (domain.Location, bool) {
	loc, ok := locations[name]
	return loc, ok
}

// Destinations lists every deliverable location, sorted by name.
func Destinations() []string {
	out := make([]string, 0, len(locations)-1)
	for name := range locations {
		if name != Depot {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Haversine returns the great-circle distance between a and b in km.
func Haversine(a, b domain.Location) float64 {
	lat1, lon1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	lat2, lon2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180
	dlat := lat2 - lat1
	dlon := lon2 - lon1
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

type GIS struct {
	mu      sync.Mutex
	rng     *rand.Rand
	latency time.Duration
}

// NewGIS builds the map service. latency delays every answer, which lets
// tests and demos exercise the courier's route timeout.
func NewGIS(seed uint64, latency time.Duration) *GIS {
	return &GIS{
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		latency: latency,
	}
}

func (g *GIS) RequestRoute(ctx context.Context, origin, destination string) (Route, error) {
	from, ok := Locate(origin)
	if !ok {
		return Route{}, fmt.Errorf("route origin %q: %w", origin, ErrUnknownLocation)
	}
	to, ok := Locate(destination)
	if !ok {
		return Route{}, fmt.Errorf("route destination %q: %w", destination, ErrUnknownLocation)
	}

	if g.latency > 0 {
		timer := time.NewTimer(g.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Route{}, ctx.Err()
		case <-timer.C:
		}
	}

	g.mu.Lock()
	waypoint := fmt.Sprintf("waypoint_%d", g.rng.IntN(3)+1)
	traffic := 1.0 + g.rng.Float64()*0.5
	g.mu.Unlock()

	return Route{
		Waypoints:     []string{from.Name, waypoint, to.Name},
		DistanceKM:    Haversine(from, to),
		TrafficFactor: traffic,
	}, nil
}
