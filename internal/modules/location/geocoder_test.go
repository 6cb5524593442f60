package location

import (
	"context"
	"errors"
	"testing"

	"googlemaps.github.io/maps"
)

type stubMaps struct {
	results []maps.GeocodingResult
	err     error
	got     *maps.GeocodingRequest
}

func (s *stubMaps) Geocode(_ context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	s.got = r
	return s.results, s.err
}

func TestGeocoderFirstResult(t *testing.T) {
	stub := &stubMaps{results: []maps.GeocodingResult{
		{Geometry: maps.AddressGeometry{Location: maps.LatLng{Lat: 25.0478, Lng: 121.5170}}},
		{Geometry: maps.AddressGeometry{Location: maps.LatLng{Lat: 1, Lng: 1}}},
	}}
	g := &Geocoder{client: stub, region: "tw"}

	p, err := g.Geocode(context.Background(), "Taipei Main Station")
	if err != nil {
		t.Fatalf("geocode: %v", err)
	}
	if p.Lat != 25.0478 || p.Lng != 121.5170 {
		t.Fatalf("unexpected point: %+v", p)
	}
	if stub.got.Address != "Taipei Main Station" || stub.got.Region != "tw" {
		t.Fatalf("unexpected request: %+v", stub.got)
	}
}

func TestGeocoderNoResult(t *testing.T) {
	g := &Geocoder{client: &stubMaps{}}
	if _, err := g.Geocode(context.Background(), "nowhere"); !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}

func TestGeocoderAPIError(t *testing.T) {
	boom := errors.New("over query limit")
	g := &Geocoder{client: &stubMaps{err: boom}}
	if _, err := g.Geocode(context.Background(), "x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped api error, got %v", err)
	}
}
