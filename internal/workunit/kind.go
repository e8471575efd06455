// Package workunit runs one bounded orchestration task: it drives the
// reasoning service, executes the capability calls it asks for through
// provider adapters, and collects graph-mutation intents for the session
// manager to apply. Work units never perform external I/O directly and
// never write to the graph themselves.
package workunit

// Kind names a work-unit role. Grants are declared per kind.
type Kind string

const (
	// Intake phase.
	KindIntakeGatherer Kind = "intake-gatherer"
	KindGraphPlanner   Kind = "graph-planner"
	KindGraphBuilder   Kind = "graph-builder"
	KindBuildChecker   Kind = "build-checker"

	// Research phase.
	KindTopicGenerator     Kind = "topic-generator"
	KindLiteratureSearcher Kind = "literature-searcher"
	KindGraphEnricher      Kind = "graph-enricher"
	KindEnrichmentChecker  Kind = "enrichment-checker"

	// Clinical phase.
	KindClinicalManager Kind = "clinical-manager"
	KindSpecialist      Kind = "specialist"

	// Reporting phase.
	KindReportDrafter   Kind = "report-drafter"
	KindReportReviewer  Kind = "report-reviewer"
	KindReportFinalizer Kind = "report-finalizer"
)

// Specialties the clinical manager may convene. One parametrized
// specialist kind covers the whole panel.
var Specialties = []string{
	"cardiology",
	"clinical-pharmacy",
	"endocrinology",
	"gastroenterology",
	"geriatrics",
	"hematology",
	"infectious-disease",
	"nephrology",
	"neurology",
	"nutrition-dietetics",
	"pain-medicine",
	"palliative-care",
	"physical-medicine-rehabilitation",
	"psychiatry",
	"pulmonology",
	"rheumatology",
}
