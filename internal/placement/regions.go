package placement

import "github.com/nyc-design/Gamer/pkg/models"

// Region is a named cloud region with the approximate coordinates of
// its data center. The table below is the built-in fallback used when
// the location finder is unreachable.
type Region struct {
	Code        string
	DisplayName string
	Country     string
	Continent   string
	Coord       models.Coordinate
}

// DefaultRegion is used when neither a user coordinate nor a named
// region is available.
const DefaultRegion = "us-central1"

var cloudRegions = []Region{
	// US
	{"us-central1", "Iowa", "US", "North America", models.Coordinate{Lat: 39.0458, Lon: -95.9980}},
	{"us-east1", "South Carolina", "US", "North America", models.Coordinate{Lat: 33.1960, Lon: -80.0131}},
	{"us-east4", "Northern Virginia", "US", "North America", models.Coordinate{Lat: 39.0458, Lon: -76.6413}},
	{"us-east5", "Columbus, Ohio", "US", "North America", models.Coordinate{Lat: 39.1612, Lon: -75.5264}},
	{"us-south1", "Dallas, Texas", "US", "North America", models.Coordinate{Lat: 32.7767, Lon: -96.7970}},
	{"us-west1", "Oregon", "US", "North America", models.Coordinate{Lat: 45.5152, Lon: -122.6784}},
	{"us-west2", "Los Angeles", "US", "North America", models.Coordinate{Lat: 34.0522, Lon: -118.2437}},
	{"us-west3", "Salt Lake City", "US", "North America", models.Coordinate{Lat: 40.7589, Lon: -111.8883}},
	{"us-west4", "Las Vegas", "US", "North America", models.Coordinate{Lat: 36.1627, Lon: -115.1200}},
	// Canada
	{"northamerica-northeast1", "Montreal", "Canada", "North America", models.Coordinate{Lat: 45.5017, Lon: -73.5673}},
	{"northamerica-northeast2", "Toronto", "Canada", "North America", models.Coordinate{Lat: 43.6532, Lon: -79.3832}},
	// Europe
	{"europe-west1", "Belgium", "Belgium", "Europe", models.Coordinate{Lat: 50.8476, Lon: 4.3572}},
	{"europe-west2", "London", "UK", "Europe", models.Coordinate{Lat: 51.5074, Lon: -0.1278}},
	{"europe-west3", "Frankfurt", "Germany", "Europe", models.Coordinate{Lat: 50.1109, Lon: 8.6821}},
	{"europe-west4", "Netherlands", "Netherlands", "Europe", models.Coordinate{Lat: 53.3498, Lon: -6.2603}},
	{"europe-west6", "Zurich", "Switzerland", "Europe", models.Coordinate{Lat: 47.3769, Lon: 8.5417}},
	{"europe-west8", "Milan", "Italy", "Europe", models.Coordinate{Lat: 45.4642, Lon: 9.1900}},
	{"europe-west9", "Paris", "France", "Europe", models.Coordinate{Lat: 48.8566, Lon: 2.3522}},
	{"europe-central2", "Warsaw", "Poland", "Europe", models.Coordinate{Lat: 52.2297, Lon: 21.0122}},
	{"europe-north1", "Hamina", "Finland", "Europe", models.Coordinate{Lat: 60.5693, Lon: 27.1878}},
	{"europe-southwest1", "Madrid", "Spain", "Europe", models.Coordinate{Lat: 40.4168, Lon: -3.7038}},
	// Asia Pacific
	{"asia-east1", "Taiwan", "Taiwan", "Asia", models.Coordinate{Lat: 24.0518, Lon: 120.5162}},
	{"asia-east2", "Hong Kong", "Hong Kong", "Asia", models.Coordinate{Lat: 22.3193, Lon: 114.1694}},
	{"asia-northeast1", "Tokyo", "Japan", "Asia", models.Coordinate{Lat: 35.6762, Lon: 139.6503}},
	{"asia-northeast2", "Osaka", "Japan", "Asia", models.Coordinate{Lat: 34.6937, Lon: 135.5023}},
	{"asia-northeast3", "Seoul", "South Korea", "Asia", models.Coordinate{Lat: 37.5665, Lon: 126.9780}},
	{"asia-south1", "Mumbai", "India", "Asia", models.Coordinate{Lat: 19.0760, Lon: 72.8777}},
	{"asia-south2", "Delhi", "India", "Asia", models.Coordinate{Lat: 28.7041, Lon: 77.1025}},
	{"asia-southeast1", "Singapore", "Singapore", "Asia", models.Coordinate{Lat: 1.3521, Lon: 103.8198}},
	{"asia-southeast2", "Jakarta", "Indonesia", "Asia", models.Coordinate{Lat: -6.2088, Lon: 106.8456}},
	// Australia
	{"australia-southeast1", "Sydney", "Australia", "Australia", models.Coordinate{Lat: -33.8688, Lon: 151.2093}},
	{"australia-southeast2", "Melbourne", "Australia", "Australia", models.Coordinate{Lat: -37.8136, Lon: 144.9631}},
	// South America
	{"southamerica-east1", "São Paulo", "Brazil", "South America", models.Coordinate{Lat: -23.5505, Lon: -46.6333}},
	{"southamerica-west1", "Santiago", "Chile", "South America", models.Coordinate{Lat: -33.4489, Lon: -70.6693}},
	// Middle East
	{"me-west1", "Tel Aviv", "Israel", "Middle East", models.Coordinate{Lat: 31.0461, Lon: 34.8516}},
	{"me-central1", "Dammam", "Saudi Arabia", "Middle East", models.Coordinate{Lat: 26.0667, Lon: 50.5577}},
	// Africa
	{"africa-south1", "Johannesburg", "South Africa", "Africa", models.Coordinate{Lat: -26.2041, Lon: 28.0473}},
}

// CloudRegions returns the built-in region table.
func CloudRegions() []Region {
	out := make([]Region, len(cloudRegions))
	copy(out, cloudRegions)
	return out
}

// RegionByCode looks up a region in the built-in table.
func RegionByCode(code string) (Region, bool) {
	for _, r := range cloudRegions {
		if r.Code == code {
			return r, true
		}
	}
	return Region{}, false
}
