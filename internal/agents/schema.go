package agents

import (
	"fmt"
	"strings"

	"github.com/lamim/cogtrace/pkg/models"
)

// labelDescriptions explains each cognitive label to the annotating models.
// The wording matters: it is the operative definition the whole pipeline
// classifies against.
var labelDescriptions = map[models.CognitiveLabel]string{
	models.LabelFollowingScent:    "The user is pursuing a promising trail of information: queries are refinements of a theme and clicks follow the cues the results gave.",
	models.LabelApproachingSource: "The user is closing in on the specific resource that holds the answer: navigation narrows toward one destination.",
	models.LabelDietEnrichment:    "The user is broadening their information intake: exploring adjacent topics to enrich context rather than to answer the immediate question.",
	models.LabelPoorScent:         "The current trail is not paying off: results mismatch the intent, clicks bounce quickly, query terms churn without progress.",
	models.LabelLeavingPatch:      "The user abandons the current information patch: a sharp topic switch or a return to a broader starting point.",
	models.LabelForagingSuccess:   "The user found what they were looking for: a terminal interaction such as a long dwell, a high rating, or a concluding action.",
}

// LabelSchemaText renders the classification schema as a prompt section.
func LabelSchemaText() string {
	var b strings.Builder
	for _, label := range models.AllLabels {
		fmt.Fprintf(&b, "- %s: %s\n", label, labelDescriptions[label])
	}
	return b.String()
}
