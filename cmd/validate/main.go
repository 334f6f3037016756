// Command validate checks the catalog of a SensorThings source for the
// integrity problems the ingestion job would skip or reject: unreadable
// geometries, dangling references, malformed MultiDatastreams and
// unparseable observations. Nothing is written anywhere.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -name hse \
//	  -url https://sensors.example.org/FROST-Server/v1.1 \
//	  -sample 20
package main

import (
	"context"
	"flag"
	"fmt"
	"iter"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uroplatus666/geosensors-app/internal/adapter/sensorthings"
	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// catalog is the fully loaded remote catalog of one source.
type catalog struct {
	locations   []domain.RemoteLocation
	things      []domain.RemoteThing
	datastreams []domain.RemoteDatastream
	multi       []domain.RemoteMultiDatastream
}

func main() {
	name := flag.String("name", "source", "source name used in log output")
	baseURL := flag.String("url", "", "SensorThings service root URL")
	sample := flag.Int("sample", 0, "observations to parse per datastream (0 skips the observation phase)")
	since := flag.String("since", "2024-01-01T00:00:00Z", "only sample observations after this RFC 3339 instant")
	timeout := flag.Duration("timeout", 60*time.Second, "per request timeout")
	flag.Parse()

	if *baseURL == "" {
		flag.Usage()
		os.Exit(1)
	}
	after, err := time.Parse(time.RFC3339, *since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -since: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger("warn", "text")
	client := sensorthings.NewClient(*name, *baseURL, *timeout, 2, logger, observability.NewMetrics())

	os.Exit(run(ctx, client, *sample, after.UTC()))
}

func run(ctx context.Context, client *sensorthings.Client, sample int, after time.Time) int {
	fmt.Printf("=== SensorThings Catalog Validation: %s ===\n\n", client.Source())

	if err := client.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	cat, err := loadCatalog(ctx, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load catalog: %v\n", err)
		return 1
	}

	// ── Run validation phases ──
	phases := []*phase{
		validateLocations(cat),
		validateThings(cat),
		validateDatastreams(cat),
		validateMultiDatastreams(cat),
	}
	if sample > 0 {
		phases = append(phases, validateObservations(ctx, client, cat, sample, after))
	}

	// ── Report results ──
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Entities: %d locations, %d things, %d datastreams, %d multidatastreams\n",
		len(cat.locations), len(cat.things), len(cat.datastreams), len(cat.multi))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadCatalog(ctx context.Context, client *sensorthings.Client) (catalog, error) {
	var (
		cat catalog
		err error
	)
	if cat.locations, err = collect(client.Locations(ctx)); err != nil {
		return cat, fmt.Errorf("locations: %w", err)
	}
	if cat.things, err = collect(client.Things(ctx)); err != nil {
		return cat, fmt.Errorf("things: %w", err)
	}
	if cat.datastreams, err = collect(client.Datastreams(ctx)); err != nil {
		return cat, fmt.Errorf("datastreams: %w", err)
	}
	if cat.multi, err = collect(client.MultiDatastreams(ctx)); err != nil {
		return cat, fmt.Errorf("multidatastreams: %w", err)
	}
	return cat, nil
}

func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// ── Phase 1: Locations ──
// Every geometry must decode and land inside the WGS84 range.

func validateLocations(cat catalog) *phase {
	p := &phase{name: "Phase 1: Location geometry"}
	for _, l := range cat.locations {
		if _, err := domain.NormalizeGeometry(l.Geometry); err != nil {
			p.errorf("location %s (%q): %v", l.ID, l.Name, err)
		}
	}
	return p
}

// ── Phase 2: Things ──
// Current and historical locations must exist in the Locations collection.

func validateThings(cat catalog) *phase {
	p := &phase{name: "Phase 2: Thing location references"}

	known := make(map[domain.RemoteID]bool, len(cat.locations))
	for _, l := range cat.locations {
		known[l.ID] = true
	}
	for _, th := range cat.things {
		for _, id := range th.Locations {
			if !known[id] {
				p.errorf("thing %s: current location %s not found", th.ID, id)
			}
		}
		for _, h := range th.History {
			if !known[h.LocationID] {
				p.errorf("thing %s: historical location %s at %s not found", th.ID, h.LocationID, h.Time.Format(time.RFC3339))
			}
		}
		if len(th.History) == 0 && len(th.Locations) == 0 {
			p.errorf("thing %s: no current or historical location", th.ID)
		}
	}
	return p
}

// ── Phase 3: Datastreams ──

func validateDatastreams(cat catalog) *phase {
	p := &phase{name: "Phase 3: Datastream references"}

	things := thingIDs(cat)
	for _, ds := range cat.datastreams {
		if !things[ds.ThingID] {
			p.errorf("datastream %s: thing %s not found", ds.ID, ds.ThingID)
		}
		if ds.Property.Name == "" {
			p.errorf("datastream %s: no observed property", ds.ID)
		}
		if ds.Unit.Key() == "" {
			p.errorf("datastream %s: unit of measurement has neither symbol nor name", ds.ID)
		}
	}
	return p
}

// ── Phase 4: MultiDatastreams ──
// Units and observed properties must describe the same dimensions.

func validateMultiDatastreams(cat catalog) *phase {
	p := &phase{name: "Phase 4: MultiDatastream dimensions"}

	things := thingIDs(cat)
	for _, md := range cat.multi {
		if !things[md.ThingID] {
			p.errorf("multidatastream %s: thing %s not found", md.ID, md.ThingID)
		}
		if len(md.Units) == 0 {
			p.errorf("multidatastream %s: no dimensions", md.ID)
			continue
		}
		if len(md.Properties) > 0 && len(md.Properties) != len(md.Units) {
			p.errorf("multidatastream %s: %d units but %d observed properties", md.ID, len(md.Units), len(md.Properties))
		}
	}
	return p
}

func thingIDs(cat catalog) map[domain.RemoteID]bool {
	ids := make(map[domain.RemoteID]bool, len(cat.things))
	for _, th := range cat.things {
		ids[th.ID] = true
	}
	return ids
}

// ── Phase 5: Observations ──
// A sample of each stream must have parseable times and results shaped like
// the stream: scalars for Datastreams, arrays of the right width for
// MultiDatastreams.

func validateObservations(ctx context.Context, client *sensorthings.Client, cat catalog, sample int, after time.Time) *phase {
	p := &phase{name: "Phase 5: Observation sample"}

	for _, ds := range cat.datastreams {
		ref := domain.StreamRef{Kind: domain.KindDatastream, ID: ds.ID}
		sampleStream(ctx, p, client, ref, after, sample, func(o domain.RemoteObservation) error {
			if _, ok := domain.ParseResult(o.Result); !ok && string(o.Result) != "null" {
				return fmt.Errorf("result %s is not numeric", o.Result)
			}
			return nil
		})
	}
	for _, md := range cat.multi {
		ref := domain.StreamRef{Kind: domain.KindMultiDatastream, ID: md.ID}
		width := len(md.Units)
		sampleStream(ctx, p, client, ref, after, sample, func(o domain.RemoteObservation) error {
			parts, err := domain.DecomposeMulti(md.ID, o.Result)
			if err != nil {
				return err
			}
			if len(parts) != width {
				return fmt.Errorf("result has %d values, want %d", len(parts), width)
			}
			return nil
		})
	}
	return p
}

func sampleStream(ctx context.Context, p *phase, client *sensorthings.Client, ref domain.StreamRef, after time.Time, limit int, check func(domain.RemoteObservation) error) {
	n := 0
	for o, err := range client.Observations(ctx, ref, after) {
		if err != nil {
			p.errorf("%s(%s): fetch observations: %v", ref.Kind, ref.ID, err)
			return
		}
		if _, err := domain.ParsePhenomenonTime(o.PhenomenonTime); err != nil {
			p.errorf("%s(%s): %v", ref.Kind, ref.ID, err)
		} else if err := check(o); err != nil {
			p.errorf("%s(%s) at %s: %v", ref.Kind, ref.ID, o.PhenomenonTime, err)
		}
		n++
		if n >= limit {
			return
		}
	}
}
