package geo

import (
	"errors"
	"net/http"
	"testing"

	"github.com/turpault/proxy/internal/config"
)

type fakeProvider struct {
	locations map[string]*Location
}

func (f *fakeProvider) Lookup(ip string) (*Location, error) {
	if loc, ok := f.locations[ip]; ok {
		return loc, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeProvider) Close() error { return nil }

func testProvider() Provider {
	return &fakeProvider{locations: map[string]*Location{
		"1.1.1.1": {CountryCode: "US", Region: "California", City: "Los Angeles"},
		"2.2.2.2": {CountryCode: "FR", Region: "Île-de-France", City: "Paris"},
		"3.3.3.3": {CountryCode: "CN", City: "Beijing"},
	}}
}

func TestBlockedCountryWins(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		AllowedCountries: []string{"CN"},
		BlockedCountries: []string{"cn"},
	}, testProvider())

	d := f.Evaluate("3.3.3.3")
	if d.Allowed {
		t.Error("blocked list must take precedence over allowed list")
	}
	if d.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", d.Status)
	}
}

func TestAllowedListRestricts(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		AllowedCountries: []string{"US"},
	}, testProvider())

	if d := f.Evaluate("1.1.1.1"); !d.Allowed {
		t.Error("US should be allowed")
	}
	if d := f.Evaluate("2.2.2.2"); d.Allowed {
		t.Error("FR should be rejected by the allow list")
	}
}

func TestBlockedRegionAndCity(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		BlockedRegions: []string{"california"},
	}, testProvider())
	if d := f.Evaluate("1.1.1.1"); d.Allowed {
		t.Error("blocked region should reject")
	}

	f = NewFilter("r", &config.GeoFilterConfig{
		BlockedCities: []string{"Paris"},
	}, testProvider())
	if d := f.Evaluate("2.2.2.2"); d.Allowed {
		t.Error("blocked city should reject")
	}
}

func TestUnknownDefaultsToAllow(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		BlockedCountries: []string{"CN"},
	}, testProvider())
	if d := f.Evaluate("9.9.9.9"); !d.Allowed {
		t.Error("unknown location should pass by default")
	}
}

func TestUnknownBlockPolicy(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		Unknown: "block",
	}, testProvider())
	if d := f.Evaluate("9.9.9.9"); d.Allowed {
		t.Error("unknown location should be rejected with unknown=block")
	}
}

func TestPrivateAddressesAlwaysPass(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		Unknown:          "block",
		AllowedCountries: []string{"US"},
	}, testProvider())

	for _, ip := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.1", "::1"} {
		if d := f.Evaluate(ip); !d.Allowed {
			t.Errorf("local address %s should pass", ip)
		}
	}
}

func TestCustomResponse(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		BlockedCountries: []string{"FR"},
		CustomResponse: &config.GeoCustomResponse{
			Status:  451,
			Message: "not available in your region",
		},
	}, testProvider())

	d := f.Evaluate("2.2.2.2")
	if d.Allowed {
		t.Fatal("FR should be blocked")
	}
	if d.Status != 451 || d.Message != "not available in your region" {
		t.Errorf("custom response not applied: %+v", d)
	}
}

func TestRedirectResponse(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{
		BlockedCountries: []string{"FR"},
		CustomResponse:   &config.GeoCustomResponse{Redirect: "https://example.org/blocked"},
	}, testProvider())

	d := f.Evaluate("2.2.2.2")
	if d.Redirect != "https://example.org/blocked" {
		t.Errorf("redirect not applied: %+v", d)
	}
}

func TestNilProviderIsUnknown(t *testing.T) {
	f := NewFilter("r", &config.GeoFilterConfig{BlockedCountries: []string{"CN"}}, nil)
	if d := f.Evaluate("3.3.3.3"); !d.Allowed {
		t.Error("without a provider every lookup is unknown and passes by default")
	}
}
