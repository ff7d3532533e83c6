package campaign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftsec/dshield-mcp/internal/elastic"
	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/query"
)

func TestExpandIndicatorsWalksOutward(t *testing.T) {
	window := weekWindow()
	seed := "198.51.100.7"
	hash := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	seedEvents := []elastic.Event{
		{
			ID:        "hop0-a",
			Timestamp: testNow.Add(-3 * time.Hour),
			SourceIP:  seed,
			Domain:    "payload.example.net",
			FileHash:  hash,
		},
		{
			ID:        "hop0-b",
			Timestamp: testNow.Add(-2 * time.Hour),
			SourceIP:  seed,
			Domain:    "payload.example.net",
		},
	}
	domainEvents := []elastic.Event{
		{
			ID:        "hop1-a",
			Timestamp: testNow.Add(-90 * time.Minute),
			SourceIP:  "203.0.113.99",
			Domain:    "payload.example.net",
		},
	}
	src := &fakeSource{byFilter: map[string][]elastic.Event{
		"source_ip=" + seed:          seedEvents,
		"domain=payload.example.net": domainEvents,
	}}
	c := newTestCorrelator(t, src, testCorrelationConfig())

	camp := Campaign{
		ID:          "deadbeefdeadbeefdeadbeefdeadbeef",
		Seeds:       []string{seed},
		Indicators:  []string{seed, "198.51.100.0/24", "behavior:credential_brute_force"},
		WindowStart: window.Start,
		WindowEnd:   window.End,
	}

	exp, err := c.ExpandIndicators(context.Background(), camp, StrategyAll, 2)
	require.NoError(t, err)
	require.Equal(t, camp.ID, exp.CampaignID)
	require.Equal(t, StrategyAll, exp.Strategy)
	require.Equal(t, 2, exp.Depth)

	require.Contains(t, exp.Added, "payload.example.net")
	require.Contains(t, exp.Added, hash)
	require.Contains(t, exp.Added, "203.0.113.99")
	require.Contains(t, exp.Added, "203.0.113.0/24")
	require.NotContains(t, exp.Added, seed)
	require.Equal(t, len(exp.Indicators), exp.Visited)

	// Derived indicators have no document field and must not be queried.
	for _, call := range src.calls {
		for _, value := range call.Filters {
			require.NotEqual(t, "behavior:credential_brute_force", value)
		}
	}
}

func TestExpandIndicatorsIPStrategySkipsInfrastructure(t *testing.T) {
	seed := "198.51.100.7"
	src := &fakeSource{byFilter: map[string][]elastic.Event{
		"source_ip=" + seed: {
			{
				ID:        "hop0-a",
				Timestamp: testNow.Add(-time.Hour),
				SourceIP:  seed,
				Domain:    "payload.example.net",
			},
			{
				ID:        "hop0-b",
				Timestamp: testNow.Add(-time.Hour),
				SourceIP:  "198.51.100.8",
			},
		},
	}}
	c := newTestCorrelator(t, src, testCorrelationConfig())
	camp := Campaign{
		ID:          "feedfacefeedfacefeedfacefeedface",
		Seeds:       []string{seed},
		Indicators:  []string{seed},
		WindowStart: weekWindow().Start,
		WindowEnd:   weekWindow().End,
	}

	exp, err := c.ExpandIndicators(context.Background(), camp, StrategyIP, 1)
	require.NoError(t, err)
	require.Contains(t, exp.Added, "198.51.100.8")
	require.Contains(t, exp.Added, "198.51.100.0/24")
	require.NotContains(t, exp.Added, "payload.example.net")
}

func TestExpandIndicatorsClampsDepth(t *testing.T) {
	cfg := testCorrelationConfig()
	cfg.ExpansionDepthCap = 2
	c := newTestCorrelator(t, &fakeSource{}, cfg)

	exp, err := c.ExpandIndicators(context.Background(), Campaign{
		ID:    "c0ffeec0ffeec0ffeec0ffeec0ffee00",
		Seeds: []string{"1.2.3.4"},
	}, StrategyAll, 99)
	require.NoError(t, err)
	require.Equal(t, 2, exp.Depth)
	require.Empty(t, exp.Added)
}

func TestExpandIndicatorsRejectsStrategy(t *testing.T) {
	c := newTestCorrelator(t, &fakeSource{}, testCorrelationConfig())
	_, err := c.ExpandIndicators(context.Background(), Campaign{
		Seeds: []string{"1.2.3.4"},
	}, "clairvoyance", 1)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestCompareIdenticalCampaigns(t *testing.T) {
	camp := Campaign{
		ID:           "aaaa",
		Indicators:   []string{"1.2.3.4", "1.2.3.0/24", "behavior:login_then_command"},
		MethodsFired: []string{MethodIP, MethodTemporal},
		FirstSeen:    testNow.Add(-4 * time.Hour),
		LastSeen:     testNow.Add(-1 * time.Hour),
	}
	sim := Compare(camp, camp)
	require.InDelta(t, 1.0, sim.IndicatorOverlap, 0.0001)
	require.InDelta(t, 1.0, sim.TTPOverlap, 0.0001)
	require.InDelta(t, 1.0, sim.TemporalProximity, 0.0001)
	require.InDelta(t, 1.0, sim.Score, 0.0001)
	require.Equal(t, "aaaa", sim.CampaignA)
	require.Equal(t, "aaaa", sim.CampaignB)
}

func TestCompareUnrelatedCampaigns(t *testing.T) {
	a := Campaign{
		ID:           "aaaa",
		Indicators:   []string{"1.2.3.4"},
		MethodsFired: []string{MethodIP},
		FirstSeen:    testNow.Add(-20 * 24 * time.Hour),
		LastSeen:     testNow.Add(-15 * 24 * time.Hour),
	}
	b := Campaign{
		ID:           "bbbb",
		Indicators:   []string{"5.6.7.8"},
		MethodsFired: []string{MethodInfrastructure},
		FirstSeen:    testNow.Add(-5 * 24 * time.Hour),
		LastSeen:     testNow,
	}
	sim := Compare(a, b)
	require.Zero(t, sim.IndicatorOverlap)
	require.Zero(t, sim.TTPOverlap)
	// Ten days apart: proximity decays to 1/(1+10).
	require.InDelta(t, 1.0/11.0, sim.TemporalProximity, 0.0001)
	require.InDelta(t, 0.2/11.0, sim.Score, 0.0001)
}

func TestComparePartialOverlap(t *testing.T) {
	a := Campaign{
		Indicators:   []string{"1.2.3.4", "1.2.3.0/24", "x.example.com"},
		MethodsFired: []string{MethodIP, MethodTemporal},
		FirstSeen:    testNow.Add(-6 * time.Hour),
		LastSeen:     testNow.Add(-2 * time.Hour),
	}
	b := Campaign{
		Indicators:   []string{"1.2.3.4", "9.9.9.9"},
		MethodsFired: []string{MethodIP},
		FirstSeen:    testNow.Add(-4 * time.Hour),
		LastSeen:     testNow,
	}
	sim := Compare(a, b)
	// 1 of 4 indicators shared, 1 of 2 methods shared.
	require.InDelta(t, 0.25, sim.IndicatorOverlap, 0.0001)
	require.InDelta(t, 0.5, sim.TTPOverlap, 0.0001)
	// Two hours of overlap against the shorter four-hour span.
	require.InDelta(t, 0.5, sim.TemporalProximity, 0.0001)
	require.InDelta(t, 0.5*0.25+0.3*0.5+0.2*0.5, sim.Score, 0.0001)
}

func TestDetectOngoingFindsBusySources(t *testing.T) {
	window := query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow}

	loud := burstEvents("loud", "45.155.204.10", 25, testNow.Add(-2*time.Hour))
	second := burstEvents("second", "92.118.39.7", 15, testNow.Add(-5*time.Hour))
	sibling := burstEvents("sibling", "45.155.204.11", 10, testNow.Add(-3*time.Hour))

	var sweep []elastic.Event
	sweep = append(sweep, loud...)
	sweep = append(sweep, second...)
	sweep = append(sweep, sibling...)
	sweep = append(sweep, elastic.Event{
		ID: "noise-1", Timestamp: testNow.Add(-9 * time.Hour),
		SourceIP: "203.0.113.50", EventType: "login_failed",
	})

	src := &fakeSource{
		sweep: sweep,
		byFilter: map[string][]elastic.Event{
			"source_ip=45.155.204.10": loud,
			"source_ip=92.118.39.7":   second,
			"source_ip=45.155.204.11": sibling,
		},
	}
	c := newTestCorrelator(t, src, testCorrelationConfig())

	found, err := c.DetectOngoing(context.Background(), OngoingParams{
		Window:        window,
		MinConfidence: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, found, 2)

	var seeds []string
	for _, analysis := range found {
		require.GreaterOrEqual(t, analysis.Campaign.Score, 0.5)
		require.Equal(t, TierHigh, analysis.Campaign.Tier)
		seeds = append(seeds, analysis.Campaign.Seeds...)
	}
	require.Contains(t, seeds, "45.155.204.10")
	require.Contains(t, seeds, "92.118.39.7")
	// The sibling shares the first campaign's subnet and is folded in.
	require.NotContains(t, seeds, "45.155.204.11")

	// Deterministic: a second sweep yields the same campaigns.
	again, err := c.DetectOngoing(context.Background(), OngoingParams{
		Window:        window,
		MinConfidence: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, again, 2)
	for i := range found {
		require.Equal(t, found[i].Campaign.ID, again[i].Campaign.ID)
	}
}

func TestDetectOngoingQuietWindow(t *testing.T) {
	c := newTestCorrelator(t, &fakeSource{}, testCorrelationConfig())
	found, err := c.DetectOngoing(context.Background(), OngoingParams{})
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Empty(t, found)
}

func TestDetectOngoingValidatesWindow(t *testing.T) {
	c := newTestCorrelator(t, &fakeSource{}, testCorrelationConfig())
	_, err := c.DetectOngoing(context.Background(), OngoingParams{
		Window: query.TimeRange{Start: testNow, End: testNow.Add(-time.Hour)},
	})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestDetectOngoingCapsResults(t *testing.T) {
	var sweep []elastic.Event
	byFilter := make(map[string][]elastic.Event)
	for i := 0; i < 6; i++ {
		ip := fmt.Sprintf("45.%d.204.10", 10+i)
		burst := burstEvents(fmt.Sprintf("b%d", i), ip, 20, testNow.Add(-time.Duration(i+1)*time.Hour))
		sweep = append(sweep, burst...)
		byFilter["source_ip="+ip] = burst
	}
	src := &fakeSource{sweep: sweep, byFilter: byFilter}
	c := newTestCorrelator(t, src, testCorrelationConfig())

	found, err := c.DetectOngoing(context.Background(), OngoingParams{
		Window:        query.TimeRange{Start: testNow.Add(-24 * time.Hour), End: testNow},
		MinConfidence: 0.5,
		MaxCampaigns:  3,
	})
	require.NoError(t, err)
	require.Len(t, found, 3)
}
