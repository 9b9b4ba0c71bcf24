package api

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-detect/internal/models"
	"github.com/miradorstack/mirador-detect/internal/utils"
)

// FromStructRunRequest maps {alertId|alertName, start, end} into a RunRequest.
// Times are RFC3339 strings or epoch milliseconds.
func FromStructRunRequest(req *structpb.Struct) (models.RunRequest, error) {
	if req == nil {
		return models.RunRequest{}, fmt.Errorf("request is nil")
	}
	fields := req.GetFields()

	alertID, err := int64Field(fields, "alertId")
	if err != nil {
		return models.RunRequest{}, err
	}
	alertName := fields["alertName"].GetStringValue()
	if alertID <= 0 && alertName == "" {
		return models.RunRequest{}, fmt.Errorf("alertId or alertName is required")
	}

	start, okStart, err := timeField(fields, "start")
	if err != nil {
		return models.RunRequest{}, err
	}
	end, okEnd, err := timeField(fields, "end")
	if err != nil {
		return models.RunRequest{}, err
	}
	if !okStart || !okEnd {
		return models.RunRequest{}, fmt.Errorf("start and end are required")
	}
	interval := models.Interval{Start: start, End: end}
	if !interval.Valid() {
		return models.RunRequest{}, fmt.Errorf("end must be after start")
	}

	return models.RunRequest{AlertID: alertID, AlertName: alertName, Interval: interval}, nil
}

// FromStructSlice maps {alertId, start, end, filters, components, child} into an AnomalySlice.
// Omitted bounds stay unbounded.
func FromStructSlice(req *structpb.Struct) (models.AnomalySlice, error) {
	slice := models.NewAnomalySlice()
	if req == nil {
		return slice, nil
	}
	fields := req.GetFields()

	if _, ok := fields["alertId"]; ok {
		id, err := int64Field(fields, "alertId")
		if err != nil {
			return slice, err
		}
		slice = slice.WithDetectionID(id)
	}
	if start, ok, err := timeField(fields, "start"); err != nil {
		return slice, err
	} else if ok {
		slice = slice.WithStart(start.UnixMilli())
	}
	if end, ok, err := timeField(fields, "end"); err != nil {
		return slice, err
	} else if ok {
		slice = slice.WithEnd(end.UnixMilli())
	}

	if f := fields["filters"].GetStructValue(); f != nil {
		filters := make(map[string][]string, len(f.GetFields()))
		for dim, v := range f.GetFields() {
			values, err := stringList(v)
			if err != nil {
				return slice, fmt.Errorf("filters.%s: %w", dim, err)
			}
			filters[dim] = values
		}
		slice = slice.WithFilters(filters)
	}
	if v, ok := fields["components"]; ok {
		names, err := stringList(v)
		if err != nil {
			return slice, fmt.Errorf("components: %w", err)
		}
		slice = slice.WithDetectionComponentNames(names)
	}
	if v, ok := fields["child"]; ok {
		slice = slice.WithIsTaggedAsChild(v.GetBoolValue())
	}
	return slice, nil
}

// ToStructAnomalies wraps anomalies as {"anomalies": [...]}.
func ToStructAnomalies(anomalies []*models.Anomaly) (*structpb.Struct, error) {
	if anomalies == nil {
		anomalies = []*models.Anomaly{}
	}
	return toStruct(map[string]any{"anomalies": anomalies, "count": len(anomalies)})
}

// ToStructItems wraps enumeration items as {"items": [...]}.
func ToStructItems(items []*models.EnumerationItem) (*structpb.Struct, error) {
	if items == nil {
		items = []*models.EnumerationItem{}
	}
	return toStruct(map[string]any{"items": items, "count": len(items)})
}

// ToStructRunSummary converts a run summary into its struct form.
func ToStructRunSummary(summary *models.RunSummary) (*structpb.Struct, error) {
	if summary == nil {
		return nil, fmt.Errorf("summary is nil")
	}
	return toStruct(summary)
}

// toStruct goes through JSON so struct tags decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return structpb.NewStruct(m)
}

func int64Field(fields map[string]*structpb.Value, key string) (int64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int64(n), nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}

func timeField(fields map[string]*structpb.Value, key string) (time.Time, bool, error) {
	v, ok := fields[key]
	if !ok {
		return time.Time{}, false, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return time.UnixMilli(int64(kind.NumberValue)).UTC(), true, nil
	case *structpb.Value_StringValue:
		t, err := utils.ParseRFC3339(kind.StringValue)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%s: %w", key, err)
		}
		return t.UTC(), true, nil
	case *structpb.Value_NullValue:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("%s must be RFC3339 or epoch milliseconds", key)
	}
}

func stringList(v *structpb.Value) ([]string, error) {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return []string{kind.StringValue}, nil
	case *structpb.Value_ListValue:
		out := make([]string, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			s, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("expected strings")
			}
			out = append(out, s.StringValue)
		}
		sort.Strings(out)
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or list of strings")
	}
}
