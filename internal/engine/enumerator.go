package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-detect/internal/models"
)

// EnumeratorOperator proposes the enumeration items of this run. Items come from
// the static "items" param ({name, params} entries) and, when "dimensions" is set,
// from the distinct dimension combinations of the optional current input.
type EnumeratorOperator struct {
	BaseOperator
}

func (o *EnumeratorOperator) Execute(context.Context) error {
	var items []*models.EnumerationItem

	if raw, ok := o.Param(ParamItems); ok {
		entries, err := cast.ToSliceE(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", ParamItems, err)
		}
		for i, entry := range entries {
			m, err := cast.ToStringMapE(entry)
			if err != nil {
				return fmt.Errorf("parse %s[%d]: %w", ParamItems, i, err)
			}
			name := cast.ToString(m["name"])
			if name == "" {
				return fmt.Errorf("%s[%d]: name is required", ParamItems, i)
			}
			items = append(items, models.NewEnumerationItem(name, cast.ToStringMap(m["params"])))
		}
	}

	if raw, ok := o.Param(ParamDimensions); ok {
		dims := cast.ToStringSlice(raw)
		if _, present := o.Input(InputCurrent); present && len(dims) > 0 {
			table, err := o.currentTable()
			if err != nil {
				return err
			}
			items = append(items, distinctCombinations(table, dims)...)
		}
	}

	var idKeys []string
	if raw, ok := o.Param(ParamIDKeys); ok {
		idKeys = cast.ToStringSlice(raw)
	}
	o.SetOutput(OutputEnumeration, &EnumerationResult{Items: items, IDKeys: idKeys})
	return nil
}

func distinctCombinations(table *models.DataTable, dims []string) []*models.EnumerationItem {
	sorted := append([]string(nil), dims...)
	sort.Strings(sorted)

	seen := make(map[string]bool)
	var items []*models.EnumerationItem
	for _, row := range table.Rows {
		params := make(map[string]any, len(sorted))
		parts := make([]string, 0, len(sorted))
		for _, d := range sorted {
			v := row.String(d)
			params[d] = v
			parts = append(parts, d+"="+v)
		}
		name := strings.Join(parts, ",")
		if seen[name] {
			continue
		}
		seen[name] = true
		items = append(items, models.NewEnumerationItem(name, params))
	}
	return items
}

// ForkJoinOperator runs the sub-plan rooted at its "root" param once per
// enumeration item and wraps every output with the item that produced it.
// Items are synced to persisted identities first when the run has an alert.
type ForkJoinOperator struct {
	BaseOperator
	deps Dependencies
}

func (o *ForkJoinOperator) Execute(ctx context.Context) error {
	node := o.PlanNode()
	rootParam, _ := o.Param(ParamRoot)
	root := cast.ToString(rootParam)
	if root == "" {
		return fmt.Errorf("node %q: param %q is required", node.Name, ParamRoot)
	}
	in, ok := o.Input(InputEnumeration)
	if !ok {
		return fmt.Errorf("node %q: input %q missing", node.Name, InputEnumeration)
	}
	enum, ok := in.(*EnumerationResult)
	if !ok {
		return fmt.Errorf("node %q: input %q is %T, want enumeration", node.Name, InputEnumeration, in)
	}
	runner := o.SubPlans()
	if runner == nil {
		return fmt.Errorf("node %q: no sub-plan runner", node.Name)
	}

	items := enum.Items
	if v, ok := o.Property(PropAlertID); ok && o.deps.Syncer != nil {
		if alertID := cast.ToInt64(v); alertID > 0 {
			synced, err := o.deps.Syncer.Sync(ctx, items, enum.IDKeys, alertID)
			if err != nil {
				return fmt.Errorf("sync enumeration items: %w", err)
			}
			items = synced
		}
	}

	limit := o.deps.ForkJoinParallelism
	if v, ok := o.Param(ParamParallelism); ok {
		limit = cast.ToInt(v)
	}
	if limit <= 0 {
		limit = 1
	}

	perItem := make([][]*EnumerationWrappedResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			outputs, err := runner.RunSubPlan(gctx, root, item.Params)
			if err != nil {
				return fmt.Errorf("item %q: %w", item.Name, err)
			}
			keys := make([]string, 0, len(outputs))
			for k := range outputs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				perItem[i] = append(perItem[i], &EnumerationWrappedResult{Item: item, Inner: outputs[k]})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var results []*EnumerationWrappedResult
	for _, wrapped := range perItem {
		results = append(results, wrapped...)
	}
	o.SetOutput(OutputResults, &ForkJoinResult{Results: results})
	return nil
}
