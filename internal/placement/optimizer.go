// Package placement ranks where a new host should be created: which
// marketplace machine for inventory-based providers, which named cloud
// region for region-based ones.
package placement

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/internal/geo"
	"github.com/nyc-design/Gamer/pkg/clients/locator"
	"github.com/nyc-design/Gamer/pkg/clients/tensordock"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// InventorySource lists rentable marketplace machines.
// *tensordock.Client satisfies it.
type InventorySource interface {
	ListHostnodes(ctx context.Context, filter tensordock.HostnodeFilter) ([]tensordock.Hostnode, error)
}

// Resolver turns place names into coordinates. *geo.Geocoder satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, city, region, country string) (models.Coordinate, bool)
}

// RegionFinder returns named regions ordered by proximity.
// *locator.Client satisfies it; a nil client fails over to the static
// region table.
type RegionFinder interface {
	Nearest(ctx context.Context, lat, lon float64, limit int) ([]locator.RegionLocation, error)
}

// Candidate is one ranked placement choice. The head of a ranking is
// the recommendation.
type Candidate struct {
	Provider     string
	Region       string
	NodeID       string // marketplace machine ID, inventory providers only
	City         string
	Country      string
	Coord        *models.Coordinate
	DistanceKM   *float64 // nil when the location could not be resolved
	GPUModel     string
	PricePerHour float64
	Source       string
}

type candidateRejection string

const (
	rejectBelowMinimum candidateRejection = "hostnode below hardware minimum"
	rejectNoGPU        candidateRejection = "hostnode lacks a suitable gpu"
	rejectSharedIP     candidateRejection = "hostnode lacks a dedicated address"
)

// Optimizer is a pure query layer: it mutates nothing beyond the
// geocoder's memoization cache.
type Optimizer struct {
	inventory InventorySource
	resolver  Resolver
	finder    RegionFinder
	logger    logging.Logger
}

func NewOptimizer(inventory InventorySource, resolver Resolver, finder RegionFinder, logger logging.Logger) *Optimizer {
	return &Optimizer{
		inventory: inventory,
		resolver:  resolver,
		finder:    finder,
		logger:    logger,
	}
}

// RankInventory ranks marketplace machines that can fit the given
// hardware spec, closest first, price as tiebreak. Machines whose
// location cannot be resolved rank after every resolved machine. When
// no user coordinate is supplied the ranking is by price alone.
func (o *Optimizer) RankInventory(ctx context.Context, user *models.Coordinate, spec models.TierSpec) ([]Candidate, error) {
	if user != nil {
		if err := geo.ValidateCoord(*user); err != nil {
			return nil, err
		}
	}

	nodes, err := o.inventory.ListHostnodes(ctx, tensordock.HostnodeFilter{
		MinVCPUs:         spec.VCPUs,
		MinRAMGB:         spec.RAMGB,
		MinStorageGB:     spec.DiskGB,
		MinGPUCount:      spec.GPUCount,
		MinVRAMGB:        spec.GPUVRAMGB,
		RequireDedicated: true,
	})
	if err != nil {
		retryable := true
		var apiErr *tensordock.APIError
		if errors.As(err, &apiErr) {
			retryable = apiErr.Retryable()
		}
		return nil, fleet.ProviderFailure(err, retryable, "hostnode inventory listing failed")
	}
	if len(nodes) == 0 {
		// Empty inventory never reaches the geocoder.
		return nil, fleet.E(fleet.KindNoCandidate, "no hostnodes available for tier requirements")
	}

	rejections := map[candidateRejection]int{}
	candidates := make([]Candidate, 0, len(nodes))
	for _, node := range nodes {
		gpuModel, price, reason := fitNode(node, spec)
		if reason != "" {
			rejections[reason]++
			continue
		}

		cand := Candidate{
			Provider:     models.ProviderTensorDock,
			NodeID:       node.ID,
			Region:       node.Location.Region,
			City:         node.Location.City,
			Country:      node.Location.Country,
			GPUModel:     gpuModel,
			PricePerHour: price,
			Source:       models.PlacementSourceUser,
		}
		if user != nil {
			if coord, known := o.resolver.Resolve(ctx, node.Location.City, node.Location.Region, node.Location.Country); known {
				d := geo.Haversine(*user, coord)
				cand.Coord = &coord
				cand.DistanceKM = &d
			}
		}
		candidates = append(candidates, cand)
	}

	if len(candidates) == 0 {
		if o.logger != nil {
			fields := logging.Fields{"inventory_size": len(nodes)}
			for reason, n := range rejections {
				fields[string(reason)] = n
			}
			o.logger.WithFields(fields).Warn("Every hostnode rejected during placement")
		}
		return nil, fleet.E(fleet.KindNoCandidate, "no hostnode fits tier requirements")
	}

	sortByDistanceThenPrice(candidates, user != nil)

	if o.logger != nil {
		o.logger.WithFields(logging.Fields{
			"candidates": len(candidates),
			"winner":     candidates[0].NodeID,
			"city":       candidates[0].City,
			"price_hr":   candidates[0].PricePerHour,
		}).Info("Inventory placement decision")
	}
	return candidates, nil
}

// RankRegions ranks named cloud regions for the user coordinate. The
// location finder is asked first; on any failure the built-in region
// table is ranked by great-circle distance instead. A nil coordinate
// yields the default region.
func (o *Optimizer) RankRegions(ctx context.Context, user *models.Coordinate) ([]Candidate, error) {
	if user == nil {
		region, _ := RegionByCode(DefaultRegion)
		coord := region.Coord
		return []Candidate{{
			Provider: models.ProviderCloudyPad,
			Region:   region.Code,
			Country:  region.Country,
			Coord:    &coord,
			Source:   models.PlacementSourceDefault,
		}}, nil
	}
	if err := geo.ValidateCoord(*user); err != nil {
		return nil, err
	}

	if o.finder != nil {
		if candidates, err := o.rankRemote(ctx, *user); err == nil {
			return candidates, nil
		} else if o.logger != nil {
			o.logger.WithFields(logging.Fields{
				"error": err.Error(),
			}).Warn("Location finder unavailable, falling back to static region table")
		}
	}

	return o.rankStatic(*user), nil
}

func (o *Optimizer) rankRemote(ctx context.Context, user models.Coordinate) ([]Candidate, error) {
	regions, err := o.finder.Nearest(ctx, user.Lat, user.Lon, 5)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(regions))
	for _, r := range regions {
		coord := models.Coordinate{Lat: r.Lat, Lon: r.Lon}
		if geo.ValidateCoord(coord) != nil {
			continue
		}
		d := geo.Haversine(user, coord)
		c := coord
		dist := d
		candidates = append(candidates, Candidate{
			Provider:   models.ProviderCloudyPad,
			Region:     r.Region,
			Coord:      &c,
			DistanceKM: &dist,
			Source:     models.PlacementSourceRemote,
		})
	}
	if len(candidates) == 0 {
		return nil, errors.New("location finder returned no usable regions")
	}

	if o.logger != nil {
		o.logger.WithFields(logging.Fields{
			"candidates": len(candidates),
			"winner":     candidates[0].Region,
			"source":     models.PlacementSourceRemote,
		}).Info("Region placement decision")
	}
	return candidates, nil
}

func (o *Optimizer) rankStatic(user models.Coordinate) []Candidate {
	regions := CloudRegions()
	candidates := make([]Candidate, 0, len(regions))
	for _, r := range regions {
		d := geo.Haversine(user, r.Coord)
		coord := r.Coord
		dist := d
		candidates = append(candidates, Candidate{
			Provider:   models.ProviderCloudyPad,
			Region:     r.Code,
			Country:    r.Country,
			Coord:      &coord,
			DistanceKM: &dist,
			Source:     models.PlacementSourceLocal,
		})
	}
	sortByDistanceThenPrice(candidates, true)

	if o.logger != nil {
		o.logger.WithFields(logging.Fields{
			"candidates": len(candidates),
			"winner":     candidates[0].Region,
			"source":     models.PlacementSourceLocal,
		}).Info("Region placement decision")
	}
	return candidates
}

// fitNode re-checks the filter criteria locally (marketplace filters
// can lag) and prices out the requested spec on this machine. For GPU
// tiers the cheapest model with enough stock wins. Machines without a
// dedicated address never qualify: agents must be reachable directly.
func fitNode(node tensordock.Hostnode, spec models.TierSpec) (string, float64, candidateRejection) {
	if !node.Status.DedicatedIP {
		return "", 0, rejectSharedIP
	}
	s := node.Specs
	if s.CPU.Amount < spec.VCPUs || s.RAM.Amount < spec.RAMGB || s.Storage.Amount < spec.DiskGB {
		return "", 0, rejectBelowMinimum
	}

	price := float64(spec.VCPUs)*s.CPU.Price +
		float64(spec.RAMGB)*s.RAM.Price +
		float64(spec.DiskGB)*s.Storage.Price

	gpuModel := ""
	if spec.GPUCount > 0 {
		bestPrice := math.Inf(1)
		for model, gpu := range s.GPU {
			if gpu.Amount < spec.GPUCount {
				continue
			}
			if gpu.Price < bestPrice {
				bestPrice = gpu.Price
				gpuModel = model
			}
		}
		if gpuModel == "" {
			return "", 0, rejectNoGPU
		}
		price += float64(spec.GPUCount) * bestPrice
	}
	return gpuModel, price, ""
}

func sortByDistanceThenPrice(candidates []Candidate, byDistance bool) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if byDistance {
			di, dj := math.Inf(1), math.Inf(1)
			if candidates[i].DistanceKM != nil {
				di = *candidates[i].DistanceKM
			}
			if candidates[j].DistanceKM != nil {
				dj = *candidates[j].DistanceKM
			}
			if di != dj {
				return di < dj
			}
		}
		return candidates[i].PricePerHour < candidates[j].PricePerHour
	})
}
