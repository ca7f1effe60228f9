package registry

import (
	"time"

	"github.com/tastyGranola/biomcp-sub001/pkg/ratelimit"
)

// Domain keys for the supported upstream service families.
const (
	DomainPubMed         = "pubmed"
	DomainPubTator       = "pubtator"
	DomainClinicalTrials = "clinicaltrials"
	DomainMyVariant      = "myvariant"
	DomainMyGene         = "mygene"
	DomainMyChem         = "mychem"
	DomainMyDisease      = "mydisease"
	DomainCBioPortal     = "cbioportal"
)

// Default returns the catalog of known biomedical endpoints.
func Default() *Registry {
	r := New()

	for _, e := range []EndpointInfo{
		{
			Key:               "pubmed.search",
			URLTemplate:       "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi",
			Domain:            DomainPubMed,
			Category:          "literature",
			RequestsPerSecond: 3,
			DefaultTTL:        time.Hour,
		},
		{
			Key:               "pubmed.fetch",
			URLTemplate:       "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi",
			Domain:            DomainPubMed,
			Category:          "literature",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "pubtator.annotations",
			URLTemplate:       "https://www.ncbi.nlm.nih.gov/research/pubtator3-api/publications/export/biocjson",
			Domain:            DomainPubTator,
			Category:          "literature",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "clinicaltrials.search",
			URLTemplate:       "https://clinicaltrials.gov/api/v2/studies",
			Domain:            DomainClinicalTrials,
			Category:          "trials",
			RequestsPerSecond: 2,
			DefaultTTL:        time.Hour,
		},
		{
			Key:               "clinicaltrials.study",
			URLTemplate:       "https://clinicaltrials.gov/api/v2/studies/{nct_id}",
			Domain:            DomainClinicalTrials,
			Category:          "trials",
			RequestsPerSecond: 2,
			DefaultTTL:        time.Hour,
		},
		{
			Key:               "myvariant.query",
			URLTemplate:       "https://myvariant.info/v1/query",
			Domain:            DomainMyVariant,
			Category:          "variant",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "myvariant.variant",
			URLTemplate:       "https://myvariant.info/v1/variant/{variant_id}",
			Domain:            DomainMyVariant,
			Category:          "variant",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "mygene.query",
			URLTemplate:       "https://mygene.info/v3/query",
			Domain:            DomainMyGene,
			Category:          "gene",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "mygene.gene",
			URLTemplate:       "https://mygene.info/v3/gene/{gene_id}",
			Domain:            DomainMyGene,
			Category:          "gene",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "mychem.query",
			URLTemplate:       "https://mychem.info/v1/query",
			Domain:            DomainMyChem,
			Category:          "drug",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "mydisease.query",
			URLTemplate:       "https://mydisease.info/v1/query",
			Domain:            DomainMyDisease,
			Category:          "disease",
			RequestsPerSecond: 3,
			DefaultTTL:        24 * time.Hour,
		},
		{
			Key:               "cbioportal.studies",
			URLTemplate:       "https://www.cbioportal.org/api/studies",
			Domain:            DomainCBioPortal,
			Category:          "cancer",
			RequestsPerSecond: 5,
			DefaultTTL:        12 * time.Hour,
		},
		{
			Key:               "cbioportal.mutations",
			URLTemplate:       "https://www.cbioportal.org/api/molecular-profiles/{profile_id}/mutations",
			Domain:            DomainCBioPortal,
			Category:          "cancer",
			RequestsPerSecond: 5,
			DefaultTTL:        12 * time.Hour,
		},
	} {
		// Keys are compile-time constants; duplicate registration here
		// is a bug worth failing loudly on.
		if err := r.Register(e.Key, e); err != nil {
			panic(err)
		}
	}

	return r
}

// DefaultPolicies returns the per-domain request budgets matching the
// default catalog. The BioThings services (myvariant, mygene, mychem,
// mydisease) cap anonymous clients at 1000 requests per day on top of
// their per-second limit.
func DefaultPolicies() map[string]ratelimit.Policy {
	biothings := ratelimit.Policy{PerSecond: 3, Burst: 5, DailyQuota: 1000}

	return map[string]ratelimit.Policy{
		DomainPubMed:         {PerSecond: 3, Burst: 3},
		DomainPubTator:       {PerSecond: 3, Burst: 3},
		DomainClinicalTrials: {PerSecond: 2, Burst: 5},
		DomainMyVariant:      biothings,
		DomainMyGene:         biothings,
		DomainMyChem:         biothings,
		DomainMyDisease:      biothings,
		DomainCBioPortal:     {PerSecond: 5, Burst: 10},
	}
}
