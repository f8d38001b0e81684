package graphscan

import (
	"context"
	"fmt"

	"github.com/iurislab/relator/pkg/config"
	"github.com/iurislab/relator/pkg/graphstore"
)

// Detectors returns the full suite in canonical order with thresholds bound
// from cfg. The scan config's Detectors list selects a subset by these names.
func Detectors(cfg *config.GraphScanConfig) []Detector {
	return []Detector{
		orgCompanyCoMention(cfg),
		articleHotspot(cfg),
		multiProcessActor(cfg),
		massiveRepresentation(cfg),
		degreeHubs(cfg),
		isolatedClusters(cfg),
		eigenvectorInfluence(cfg),
		betweennessBrokers(cfg),
		leidenCommunities(cfg),
		jaccardSimilarity(cfg),
		collusionTriangles(cfg),
		structuralVulnerabilities(cfg),
	}
}

func pairSignals(name string, pairs []graphstore.PairStat, summary func(graphstore.PairStat) string) []Signal {
	signals := make([]Signal, len(pairs))
	for i, p := range pairs {
		signals[i] = Signal{
			Detector: name,
			Value:    p.Value,
			Summary:  summary(p),
			Entities: []graphstore.Entity{p.A, p.B},
		}
	}
	return normalizeScores(signals)
}

func entitySignals(name string, stats []graphstore.EntityStat, summary func(graphstore.EntityStat) string) []Signal {
	signals := make([]Signal, len(stats))
	for i, s := range stats {
		signals[i] = Signal{
			Detector: name,
			Value:    s.Value,
			Summary:  summary(s),
			Entities: []graphstore.Entity{s.Entity},
		}
	}
	return normalizeScores(signals)
}

func orgCompanyCoMention(cfg *config.GraphScanConfig) Detector {
	const name = "org_company_co_mention"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		pairs, err := g.CoMentionPairs(ctx, graphstore.EntityOrganization, graphstore.EntityCompany,
			cfg.CoMentionThreshold, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		return pairSignals(name, pairs, func(p graphstore.PairStat) string {
			return fmt.Sprintf("%s and %s appear together in %d documents", p.A.Name, p.B.Name, int(p.Value))
		}), nil
	}}
}

func articleHotspot(cfg *config.GraphScanConfig) Detector {
	const name = "article_hotspot"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		pairs, err := g.CoMentionPairs(ctx, graphstore.EntityStatuteArticle, graphstore.EntityStatuteArticle,
			cfg.HotspotWeightThreshold, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		return pairSignals(name, pairs, func(p graphstore.PairStat) string {
			return fmt.Sprintf("%s and %s are co-cited %d times", p.A.Name, p.B.Name, int(p.Value))
		}), nil
	}}
}

func multiProcessActor(cfg *config.GraphScanConfig) Detector {
	const name = "multi_process_actor"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		stats, err := g.ParticipationCounts(ctx, graphstore.EdgeParticipatesIn, "",
			cfg.MultiProcessThreshold, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		return entitySignals(name, stats, func(s graphstore.EntityStat) string {
			return fmt.Sprintf("%s participates in %d processes", s.Entity.Name, int(s.Value))
		}), nil
	}}
}

func massiveRepresentation(cfg *config.GraphScanConfig) Detector {
	const name = "massive_representation"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		stats, err := g.ParticipationCounts(ctx, graphstore.EdgeRepresents, "",
			cfg.RepresentationThreshold, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		return entitySignals(name, stats, func(s graphstore.EntityStat) string {
			return fmt.Sprintf("%s represents %d clients", s.Entity.Name, int(s.Value))
		}), nil
	}}
}

func degreeHubs(cfg *config.GraphScanConfig) Detector {
	const name = "degree_hubs"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		var all []graphstore.EntityStat
		for _, t := range graphstore.AllEntityTypes() {
			stats, err := g.DegreeHubs(ctx, t, cfg.HubTopN)
			if err != nil {
				return nil, err
			}
			all = append(all, stats...)
		}
		return entitySignals(name, all, func(s graphstore.EntityStat) string {
			return fmt.Sprintf("%s connects %d relationships (%s)", s.Entity.Name, int(s.Value), s.Entity.Type)
		}), nil
	}}
}

func isolatedClusters(cfg *config.GraphScanConfig) Detector {
	const name = "isolated_clusters"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		comps, err := g.Components(ctx, cfg.IsolatedClusterMaxSize, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		signals := make([]Signal, len(comps))
		for i, c := range comps {
			size := len(c.Members)
			signals[i] = Signal{
				Detector: name,
				// Smaller components are more anomalous.
				Score:    1 - float64(size-1)/float64(cfg.IsolatedClusterMaxSize),
				Value:    float64(size),
				Summary:  fmt.Sprintf("isolated cluster of %d entities", size),
				Entities: c.Members,
			}
		}
		return signals, nil
	}}
}

func eigenvectorInfluence(cfg *config.GraphScanConfig) Detector {
	const name = "eigenvector_influence"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		stats, err := g.Eigenvector(ctx, cfg.CentralityTopN)
		if err != nil {
			return nil, err
		}
		return entitySignals(name, stats, func(s graphstore.EntityStat) string {
			return fmt.Sprintf("%s concentrates influence (eigenvector %.4f)", s.Entity.Name, s.Value)
		}), nil
	}}
}

func betweennessBrokers(cfg *config.GraphScanConfig) Detector {
	const name = "betweenness_brokers"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		stats, err := g.Betweenness(ctx, cfg.CentralityTopN)
		if err != nil {
			return nil, err
		}
		return entitySignals(name, stats, func(s graphstore.EntityStat) string {
			return fmt.Sprintf("%s brokers shortest paths (betweenness %.1f)", s.Entity.Name, s.Value)
		}), nil
	}}
}

func leidenCommunities(cfg *config.GraphScanConfig) Detector {
	const name = "leiden_communities"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		comps, err := g.Communities(ctx, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		signals := make([]Signal, len(comps))
		for i, c := range comps {
			signals[i] = Signal{
				Detector: name,
				Value:    float64(len(c.Members)),
				Summary:  fmt.Sprintf("community of %d entities", len(c.Members)),
				Entities: sampleEntities(c.Members),
			}
		}
		return normalizeScores(signals), nil
	}}
}

func jaccardSimilarity(cfg *config.GraphScanConfig) Detector {
	const name = "jaccard_similarity"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		pairs, err := g.SimilarPairs(ctx, cfg.JaccardThreshold, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		return pairSignals(name, pairs, func(p graphstore.PairStat) string {
			return fmt.Sprintf("%s and %s share %.0f%% of their graph neighborhood", p.A.Name, p.B.Name, p.Value*100)
		}), nil
	}}
}

func collusionTriangles(cfg *config.GraphScanConfig) Detector {
	const name = "collusion_triangles"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		stats, err := g.Triangles(ctx, cfg.TriangleMinCount, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		return entitySignals(name, stats, func(s graphstore.EntityStat) string {
			return fmt.Sprintf("%s closes %d triangles", s.Entity.Name, int(s.Value))
		}), nil
	}}
}

func structuralVulnerabilities(cfg *config.GraphScanConfig) Detector {
	const name = "structural_vulnerabilities"
	return Detector{Name: name, Run: func(ctx context.Context, g graphstore.Analytics) ([]Signal, error) {
		bridges, err := g.Bridges(ctx, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		points, err := g.ArticulationPoints(ctx, cfg.GlobalCap)
		if err != nil {
			return nil, err
		}
		signals := pairSignals(name, bridges, func(p graphstore.PairStat) string {
			return fmt.Sprintf("the link between %s and %s is a bridge", p.A.Name, p.B.Name)
		})
		signals = append(signals, entitySignals(name, points, func(s graphstore.EntityStat) string {
			return fmt.Sprintf("%s is an articulation point", s.Entity.Name)
		})...)
		return signals, nil
	}}
}
