package engine

import "github.com/miradorstack/mirador-detect/internal/models"

// DetectionPipelineResult is the closed set of values flowing between operators.
// Consumers switch over the concrete types:
//
//	*TabularResult, *AnomalyListResult, *EnumerationResult,
//	*EnumerationWrappedResult, *ForkJoinResult
//
// A result is read-only once an operator has published it.
type DetectionPipelineResult interface {
	pipelineResult()
}

// TabularResult carries raw rows, typically a fetched time series.
type TabularResult struct {
	Table *models.DataTable
}

// AnomalyListResult carries anomalies produced by a detector or trigger node.
type AnomalyListResult struct {
	Anomalies []*models.Anomaly
}

// EnumerationResult carries the items an enumerator proposes for this run.
type EnumerationResult struct {
	Items  []*models.EnumerationItem
	IDKeys []string
}

// EnumerationWrappedResult ties an inner result to the enumeration item that produced it.
type EnumerationWrappedResult struct {
	Item  *models.EnumerationItem
	Inner DetectionPipelineResult
}

// ForkJoinResult collects the per-item results of a fork-join fan-out.
type ForkJoinResult struct {
	Results []*EnumerationWrappedResult
}

func (*TabularResult) pipelineResult()            {}
func (*AnomalyListResult) pipelineResult()        {}
func (*EnumerationResult) pipelineResult()        {}
func (*EnumerationWrappedResult) pipelineResult() {}
func (*ForkJoinResult) pipelineResult()           {}

// ItemAnomalies pairs anomalies with the enumeration item they belong to, if any.
type ItemAnomalies struct {
	Item      *models.EnumerationItem
	Anomalies []*models.Anomaly
}

// CollectAnomalies flattens a result into anomaly groups, unwrapping enumeration
// wrappers so each group knows its item. Tabular and enumeration results carry none.
func CollectAnomalies(result DetectionPipelineResult) []ItemAnomalies {
	return collect(result, nil)
}

func collect(result DetectionPipelineResult, item *models.EnumerationItem) []ItemAnomalies {
	switch r := result.(type) {
	case *AnomalyListResult:
		if len(r.Anomalies) == 0 {
			return nil
		}
		return []ItemAnomalies{{Item: item, Anomalies: r.Anomalies}}
	case *EnumerationWrappedResult:
		return collect(r.Inner, r.Item)
	case *ForkJoinResult:
		var out []ItemAnomalies
		for _, w := range r.Results {
			out = append(out, collect(w, item)...)
		}
		return out
	case *TabularResult, *EnumerationResult, nil:
		return nil
	default:
		return nil
	}
}
